package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/forecast-ingest-service/internal/adapter/memstore"
	"github.com/couchcryptid/forecast-ingest-service/internal/adapter/postgres"
	"github.com/couchcryptid/forecast-ingest-service/internal/ingest"
)

func newTransferCommand(a *app) *cobra.Command {
	var (
		runFlag string
		dryRun  bool
	)
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Ingest one run.",
		Long: `
Fetches the job's fields for one run and loads them. With --dry-run the rows
are kept in memory and only counted.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			run, err := parseRun(runFlag)
			if err != nil {
				return err
			}
			return a.transfer(cmd.Context(), run, dryRun)
		},
	}
	cmd.Flags().StringVarP(&runFlag, "run", "r", "latest", "run time to ingest")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "load into memory instead of the database")
	return cmd
}

func (a *app) transfer(ctx context.Context, run time.Time, dryRun bool) error {
	if err := checkGeocoding(a.job, a.cfg.MapboxEnabled); err != nil {
		return err
	}
	client := a.dapClient()
	if run.IsZero() {
		latest, err := a.prober(client).LatestRun(ctx)
		if err != nil {
			return err
		}
		run = latest
	}

	var store ingest.Store
	if dryRun {
		store = memstore.New()
	} else {
		pg, err := a.connect(ctx)
		if err != nil {
			return err
		}
		defer a.closeStore(pg)
		store = pg
	}

	var notifier ingest.Notifier
	if !dryRun {
		n, closeNotifier := a.notifier()
		defer closeNotifier()
		notifier = n
	}

	orch := ingest.New(a.opener(client), store, a.geocoder(), notifier, a.logger, a.metrics)
	sum, err := orch.Transfer(ctx, ingest.NewRequest(a.job, run))
	if perr := a.printJSON(sum); perr != nil {
		return perr
	}
	return err
}

func newLatestCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "latest",
		Short: "Print the latest run the remote service has.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			run, err := a.prober(a.dapClient()).LatestRun(cmd.Context())
			if err != nil {
				return err
			}
			return a.printJSON(map[string]any{
				"model": a.job.Model.Name,
				"run":   run,
				"url":   a.job.Model.RunURL(run),
			})
		},
	}
}

func newInfoCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Describe the model grid and the dates available.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.info(cmd.Context())
		},
	}
}

func (a *app) info(ctx context.Context) error {
	client := a.dapClient()
	prober := a.prober(client)
	first, last, err := prober.DateRange(ctx)
	if err != nil {
		return err
	}
	run, err := prober.LatestRun(ctx)
	if err != nil {
		return err
	}
	d, err := ingest.Describe(ctx, a.opener(client), a.job.Model, run)
	if err != nil {
		return err
	}
	d.FirstDay, d.LastDay = first, last
	return a.printJSON(d)
}

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Install or upgrade the database schema.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := postgres.Connect(ctx, a.cfg.DatabaseURL, a.cfg.IDCacheSize, a.logger)
			if err != nil {
				return err
			}
			defer a.closeStore(store)
			migrated, err := store.Migrate(ctx)
			if err != nil {
				return err
			}
			return a.printJSON(map[string]any{
				"schema_version": postgres.SchemaVersion,
				"migrated":       migrated,
			})
		},
	}
}
