// Command forecastd ingests numerical weather model runs from an OPeNDAP
// service into a PostGIS database.
//
// Usage:
//
//	forecastd run                         # poll and ingest until stopped
//	forecastd transfer --run 2024050106   # ingest one run
//	forecastd transfer --dry-run          # fetch the latest run into memory
//	forecastd latest                      # print the latest available run
//	forecastd info                        # describe the model grid
//	forecastd migrate                     # install or upgrade the schema
//	forecastd verify --run 2024050106     # check a stored run is complete
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/forecast-ingest-service/internal/adapter/dap"
	kafkaadapter "github.com/couchcryptid/forecast-ingest-service/internal/adapter/kafka"
	"github.com/couchcryptid/forecast-ingest-service/internal/adapter/mapbox"
	"github.com/couchcryptid/forecast-ingest-service/internal/adapter/ncfile"
	"github.com/couchcryptid/forecast-ingest-service/internal/adapter/postgres"
	"github.com/couchcryptid/forecast-ingest-service/internal/availability"
	"github.com/couchcryptid/forecast-ingest-service/internal/config"
	"github.com/couchcryptid/forecast-ingest-service/internal/dataset"
	"github.com/couchcryptid/forecast-ingest-service/internal/domain"
	"github.com/couchcryptid/forecast-ingest-service/internal/ingest"
	"github.com/couchcryptid/forecast-ingest-service/internal/observability"
)

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries the loaded configuration and shared wiring of a command.
type app struct {
	cfg     *config.Config
	job     *config.Job
	logger  *slog.Logger
	metrics *observability.Metrics
	stdout  io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout}
	var jobFile string

	root := &cobra.Command{
		Use:          "forecastd",
		Short:        "Ingest gridded weather model runs into PostGIS.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a.cfg = cfg
			a.logger = observability.NewLogger(cfg)
			a.metrics = observability.NewMetrics()

			if jobFile == "" {
				jobFile = cfg.JobFile
			}
			job, err := config.LoadJob(jobFile, cfg.DAPBaseURL)
			if err != nil {
				return err
			}
			a.job = job
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&jobFile, "job", "j", "", "job file (default $JOB_FILE or job.yaml)")

	root.AddCommand(newRunCommand(a))
	root.AddCommand(newTransferCommand(a))
	root.AddCommand(newLatestCommand(a))
	root.AddCommand(newInfoCommand(a))
	root.AddCommand(newMigrateCommand(a))
	root.AddCommand(newVerifyCommand(a))

	root.SetOut(stdout)
	root.SetErr(stderr)
	return root
}

func (a *app) dapClient() *dap.Client {
	return dap.NewClient(dap.Options{
		Timeout:   a.cfg.DAPTimeout,
		RetryMax:  a.cfg.DAPRetryMax,
		RateLimit: a.cfg.DAPRateLimit,
	}, a.logger, a.metrics)
}

// opener serves remote runs over DAP and local NetCDF files by file:// URL.
func (a *app) opener(client *dap.Client) dataset.Opener {
	return dataset.Mux{
		"http":  client,
		"https": client,
		"file":  ncfile.Opener{},
	}
}

func (a *app) prober(client *dap.Client) *availability.Prober {
	return availability.NewProber(client, a.job.Model, a.logger, a.metrics)
}

// geocoder is nil unless Mapbox is enabled.
func (a *app) geocoder() domain.Geocoder {
	if !a.cfg.MapboxEnabled {
		a.metrics.GeocodeEnabled.Set(0)
		a.logger.Info("mapbox geocoding disabled")
		return nil
	}
	client := mapbox.NewClient(a.cfg.MapboxToken, a.cfg.MapboxTimeout, a.logger, a.metrics)
	a.metrics.GeocodeEnabled.Set(1)
	a.logger.Info("mapbox geocoding enabled", "cache_size", a.cfg.MapboxCacheSize, "timeout", a.cfg.MapboxTimeout)
	return mapbox.NewCachedGeocoder(client, a.cfg.MapboxCacheSize, a.metrics)
}

// checkGeocoding rejects a job with place selections when Mapbox is off,
// before any run is attempted.
func checkGeocoding(job *config.Job, mapboxEnabled bool) error {
	if domain.NeedsGeocoder(job.Geo) && !mapboxEnabled {
		return fmt.Errorf("%w: job geos name a place but MAPBOX_ENABLED is off", domain.ErrConfiguration)
	}
	return nil
}

// notifier returns nil when no brokers are configured. The returned closer
// is always safe to call.
func (a *app) notifier() (ingest.Notifier, func()) {
	if !a.cfg.NotifyEnabled() {
		a.logger.Info("run notifications disabled")
		return nil, func() {}
	}
	n := kafkaadapter.NewNotifier(a.cfg, a.logger)
	a.logger.Info("run notifications enabled", "brokers", a.cfg.KafkaBrokers, "topic", a.cfg.KafkaTopic)
	return n, func() {
		if err := n.Close(); err != nil {
			a.logger.Error("kafka notifier close error", "error", err)
		}
	}
}

// connect opens the database and brings its schema up to date.
func (a *app) connect(ctx context.Context) (*postgres.Store, error) {
	store, err := postgres.Connect(ctx, a.cfg.DatabaseURL, a.cfg.IDCacheSize, a.logger)
	if err != nil {
		return nil, err
	}
	if _, err := store.Migrate(ctx); err != nil {
		_ = store.Close(context.Background())
		return nil, err
	}
	return store, nil
}

func (a *app) closeStore(store *postgres.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := store.Close(ctx); err != nil {
		a.logger.Error("database close error", "error", err)
	}
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var runLayouts = []string{
	time.RFC3339,
	"2006-01-02T15",
	"2006010215",
	"20060102T15",
}

// parseRun parses a run time. "latest" and "" yield the zero time.
func parseRun(s string) (time.Time, error) {
	if s == "" || s == "latest" {
		return time.Time{}, nil
	}
	for _, layout := range runLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Truncate(time.Hour), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: run %q: want RFC3339, YYYY-MM-DDTHH or YYYYMMDDHH", domain.ErrConfiguration, s)
}
