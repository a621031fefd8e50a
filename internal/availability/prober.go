// Package availability answers whether model runs exist on the remote
// service and which run is the latest.
package availability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/couchcryptid/forecast-ingest-service/internal/domain"
	"github.com/couchcryptid/forecast-ingest-service/internal/observability"
)

const hoursPerDay = 24

// Checker is the slice of the remote client the prober needs.
type Checker interface {
	// CheckDDS makes a single describe-only request and fails if the
	// dataset does not exist.
	CheckDDS(ctx context.Context, datasetURL string) error
	// Index fetches a catalog page.
	Index(ctx context.Context, indexURL string) (string, error)
}

// Prober checks run availability for one model.
type Prober struct {
	checker Checker
	model   domain.Model
	dayRe   *regexp.Regexp
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewProber creates a Prober for model.
func NewProber(checker Checker, model domain.Model, logger *slog.Logger, metrics *observability.Metrics) *Prober {
	return &Prober{
		checker: checker,
		model:   model,
		dayRe:   regexp.MustCompile(regexp.QuoteMeta(model.Name) + `(\d{8})`),
		logger:  logger,
		metrics: metrics,
	}
}

// Probe reports whether the dataset at url exists. Network failures and
// error payloads are a plain false; only cancellation is returned as an error.
func (p *Prober) Probe(ctx context.Context, url string) (bool, error) {
	err := p.checker.CheckDDS(ctx, url)
	switch {
	case err == nil:
		p.metrics.ProbeOutcomes.WithLabelValues("available").Inc()
		return true, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	case errors.Is(err, domain.ErrDataUnavailable):
		p.metrics.ProbeOutcomes.WithLabelValues("unavailable").Inc()
		p.logger.Debug("run not available", "url", url, "error", err)
	default:
		p.metrics.ProbeOutcomes.WithLabelValues("error").Inc()
		p.logger.Warn("probe failed", "url", url, "error", err)
	}
	return false, nil
}

// Available probes the run issued at t.
func (p *Prober) Available(ctx context.Context, t time.Time) (bool, error) {
	return p.Probe(ctx, p.model.RunURL(t))
}

// DiscoverLatestRun finds the latest available hour of day by binary search,
// assuming earlier hours of a day are available whenever a later one is.
// When that assumption does not hold the largest hour seen available is
// returned, so the result is always a confirmed run. ok is false when no
// probed hour was available.
func (p *Prober) DiscoverLatestRun(ctx context.Context, day time.Time) (time.Time, bool, error) {
	y, m, d := day.UTC().Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	latest := -1
	lo, hi := 0, hoursPerDay-1
	for lo <= hi {
		h := (lo + hi) / 2
		ok, err := p.Available(ctx, midnight.Add(time.Duration(h)*time.Hour))
		if err != nil {
			return time.Time{}, false, err
		}
		if ok {
			latest = h
			lo = h + 1
		} else {
			hi = h - 1
		}
	}
	if latest < 0 {
		return time.Time{}, false, nil
	}
	return midnight.Add(time.Duration(latest) * time.Hour), true, nil
}

// DateRange returns the first and last run days listed on the model's
// index page.
func (p *Prober) DateRange(ctx context.Context) (first, last time.Time, err error) {
	page, err := p.checker.Index(ctx, p.model.IndexURL())
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("model index: %w", err)
	}
	for _, m := range p.dayRe.FindAllStringSubmatch(page, -1) {
		day, err := time.Parse("20060102", m[1])
		if err != nil {
			continue
		}
		if first.IsZero() || day.Before(first) {
			first = day
		}
		if day.After(last) {
			last = day
		}
	}
	if last.IsZero() {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: no run days listed for %s", domain.ErrDataUnavailable, p.model.Name)
	}
	return first, last, nil
}

// LatestDay is the most recent day with some data.
func (p *Prober) LatestDay(ctx context.Context) (time.Time, error) {
	_, last, err := p.DateRange(ctx)
	return last, err
}

// LatestRun returns the latest available run. A listed day with no
// available hour yet falls back to the day before it.
func (p *Prober) LatestRun(ctx context.Context) (time.Time, error) {
	first, last, err := p.DateRange(ctx)
	if err != nil {
		return time.Time{}, err
	}
	for day := last; !day.Before(first) && !day.Before(last.AddDate(0, 0, -1)); day = day.AddDate(0, 0, -1) {
		run, ok, err := p.DiscoverLatestRun(ctx, day)
		if err != nil {
			return time.Time{}, err
		}
		if ok {
			p.logger.Info("discovered latest run", "model", p.model.Name, "run", run)
			return run, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: no available run of %s on or before %s",
		domain.ErrDataUnavailable, p.model.Name, last.Format(time.DateOnly))
}
