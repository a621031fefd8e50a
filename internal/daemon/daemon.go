// Package daemon polls the remote service for the next expected run of a
// model and ingests it once it appears, within a per-run attempt budget.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/forecast-ingest-service/internal/config"
	"github.com/couchcryptid/forecast-ingest-service/internal/domain"
	"github.com/couchcryptid/forecast-ingest-service/internal/ingest"
	"github.com/couchcryptid/forecast-ingest-service/internal/observability"
)

// Prober answers whether a run can be fetched yet.
type Prober interface {
	Available(ctx context.Context, run time.Time) (bool, error)
	LatestRun(ctx context.Context) (time.Time, error)
}

// Transferrer ingests one run.
type Transferrer interface {
	Transfer(ctx context.Context, req ingest.Request) (ingest.Summary, error)
	State() ingest.State
}

// Pinger reports whether storage is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MaxAttemptsPerRun bounds transfer attempts for one run to roughly
// two-thirds of the polls that fit in a run interval, and at least one.
func MaxAttemptsPerRun(runInterval, pollInterval time.Duration) int {
	n := int(float64(runInterval) / float64(pollInterval) * 2 / 3)
	return max(n, 1)
}

// Status is the daemon state reported on GET /status.
type Status struct {
	Model           string       `json:"model"`
	ExpectedNextRun time.Time    `json:"expected_next_run"`
	Attempts        int          `json:"attempts"`
	MaxAttempts     int          `json:"max_attempts"`
	LastIngested    time.Time    `json:"last_ingested,omitzero"`
	LastError       string       `json:"last_error,omitempty"`
	Transfer        ingest.State `json:"transfer"`
}

// Daemon is the polling loop for one job.
type Daemon struct {
	job         *config.Job
	prober      Prober
	transferrer Transferrer
	store       Pinger
	clock       clockwork.Clock
	logger      *slog.Logger
	metrics     *observability.Metrics
	maxAttempts int
	ready       atomic.Bool

	mu           sync.Mutex
	expected     time.Time
	attempts     int
	lastIngested time.Time
	lastErr      error
}

// New creates a Daemon for job.
func New(job *config.Job, prober Prober, transferrer Transferrer, store Pinger, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Daemon {
	return &Daemon{
		job:         job,
		prober:      prober,
		transferrer: transferrer,
		store:       store,
		clock:       clock,
		logger:      logger,
		metrics:     metrics,
		maxAttempts: MaxAttemptsPerRun(job.RunInterval, job.PollInterval),
	}
}

// SetExpectedNextRun sets the run the daemon waits for and resets the
// attempt counter.
func (d *Daemon) SetExpectedNextRun(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expected = t.UTC()
	d.attempts = 0
	d.metrics.ExpectedNextRun.Set(float64(d.expected.Unix()))
}

// ExpectedNextRun is the run the daemon is waiting for.
func (d *Daemon) ExpectedNextRun() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.expected
}

// Status snapshots the daemon state.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Status{
		Model:           d.job.Model.Name,
		ExpectedNextRun: d.expected,
		Attempts:        d.attempts,
		MaxAttempts:     d.maxAttempts,
		LastIngested:    d.lastIngested,
		Transfer:        d.transferrer.State(),
	}
	if d.lastErr != nil {
		s.LastError = d.lastErr.Error()
	}
	return s
}

// CheckReadiness returns nil once a poll cycle has completed and storage
// answers.
func (d *Daemon) CheckReadiness(ctx context.Context) error {
	if !d.ready.Load() {
		return errors.New("daemon has not completed a poll cycle yet")
	}
	if err := d.store.Ping(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

// Run polls until ctx is cancelled or a transfer fails with a configuration
// error. When no expected run has been set it starts from the latest run the
// remote service has.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("daemon started",
		"model", d.job.Model.Name,
		"run_interval", d.job.RunInterval,
		"poll_interval", d.job.PollInterval,
		"max_attempts", d.maxAttempts,
	)
	d.metrics.DaemonRunning.Set(1)
	defer d.metrics.DaemonRunning.Set(0)

	if d.ExpectedNextRun().IsZero() {
		d.SetExpectedNextRun(d.initialRun(ctx))
	}

	for {
		if ctx.Err() != nil {
			d.logger.Info("daemon stopping", "reason", ctx.Err())
			return nil
		}

		start := d.clock.Now()
		if err := d.Cycle(ctx); err != nil {
			d.logger.Error("daemon stopping on configuration error", "run", d.ExpectedNextRun(), "error", err)
			return err
		}

		wait := max(d.job.PollInterval-d.clock.Since(start), 0)
		if !d.sleep(ctx, wait) {
			d.logger.Info("daemon stopping", "reason", ctx.Err())
			return nil
		}
	}
}

func (d *Daemon) initialRun(ctx context.Context) time.Time {
	latest, err := d.prober.LatestRun(ctx)
	if err == nil {
		return latest
	}
	fallback := d.clock.Now().UTC().Truncate(d.job.RunInterval)
	d.logger.Warn("latest run discovery failed, starting from the current run",
		"run", fallback, "error", err)
	return fallback
}

// Cycle runs one poll: skip an exhausted run once its successor is due,
// otherwise probe the expected run and attempt a transfer when it is there.
// Transfer failures are retried on later cycles, except configuration errors,
// which no later run can fix; those are returned.
func (d *Daemon) Cycle(ctx context.Context) error {
	d.metrics.Polls.Inc()
	defer d.ready.Store(true)

	d.mu.Lock()
	expected, attempts := d.expected, d.attempts
	d.mu.Unlock()

	if attempts >= d.maxAttempts {
		if d.clock.Now().Before(expected.Add(d.job.RunInterval)) {
			d.logger.Debug("attempts exhausted, waiting for the next run", "run", expected)
			return nil
		}
		d.logger.Warn("skipping run", "run", expected, "attempts", attempts)
		d.metrics.RunsSkipped.Inc()
		d.advance(expected)
		return nil
	}

	ok, err := d.prober.Available(ctx, expected)
	if err != nil || !ok {
		d.logger.Debug("run not available yet", "run", expected)
		return nil
	}

	d.mu.Lock()
	d.attempts++
	attempts = d.attempts
	d.mu.Unlock()

	_, err = d.transferrer.Transfer(ctx, ingest.NewRequest(d.job, expected))
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		d.mu.Lock()
		d.lastErr = err
		d.mu.Unlock()
		if errors.Is(err, domain.ErrConfiguration) {
			return fmt.Errorf("run %s: %w", expected.Format(time.RFC3339), err)
		}
		d.logger.Warn("transfer attempt failed",
			"run", expected, "attempt", attempts, "max_attempts", d.maxAttempts, "error", err)
		return nil
	}

	d.metrics.RunsIngested.Inc()
	d.mu.Lock()
	d.lastIngested = expected
	d.lastErr = nil
	d.mu.Unlock()
	d.advance(expected)
	return nil
}

// advance moves the expected run one interval past from.
func (d *Daemon) advance(from time.Time) {
	next := from.Add(d.job.RunInterval)
	d.SetExpectedNextRun(next)
	d.logger.Info("expecting next run", "run", next)
}

func (d *Daemon) sleep(ctx context.Context, wait time.Duration) bool {
	if wait <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-d.clock.After(wait):
		return true
	}
}
