package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	httpadapter "github.com/couchcryptid/forecast-ingest-service/internal/adapter/http"
	"github.com/couchcryptid/forecast-ingest-service/internal/daemon"
	"github.com/couchcryptid/forecast-ingest-service/internal/ingest"
)

func newRunCommand(a *app) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll for new runs and ingest them until stopped.",
		Long: `
Starts the polling daemon and the health, status and metrics HTTP server.
The daemon begins at the latest available run unless --from is given.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start, err := parseRun(from)
			if err != nil {
				return err
			}
			return a.run(cmd.Context(), start)
		},
	}
	cmd.Flags().StringVar(&from, "from", "latest", "first run to expect")
	return cmd
}

func (a *app) run(parent context.Context, start time.Time) error {
	if err := checkGeocoding(a.job, a.cfg.MapboxEnabled); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer a.closeStore(store)

	notifier, closeNotifier := a.notifier()
	defer closeNotifier()

	client := a.dapClient()
	orch := ingest.New(a.opener(client), store, a.geocoder(), notifier, a.logger, a.metrics)
	d := daemon.New(a.job, a.prober(client), orch, store, clockwork.NewRealClock(), a.logger, a.metrics)
	if !start.IsZero() {
		d.SetExpectedNextRun(start)
	}

	srv := httpadapter.NewServer(a.cfg.HTTPAddr, d, func() any { return d.Status() }, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return d.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	a.logger.Info("shutdown complete")
	return err
}
