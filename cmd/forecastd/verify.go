package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/forecast-ingest-service/internal/adapter/postgres"
	"github.com/couchcryptid/forecast-ingest-service/internal/config"
	"github.com/couchcryptid/forecast-ingest-service/internal/domain"
)

// verifyStore is the read side of the database that verify checks.
type verifyStore interface {
	EnsureModel(ctx context.Context, name string) (int32, error)
	CountGridPoints(ctx context.Context, modelID int32) (int, error)
	ForecastGroups(ctx context.Context, modelID int32, fields []string, dataTime time.Time) ([]domain.ForecastGroup, error)
	DataCount(ctx context.Context, forecastID int32) (int, error)
}

// phase tracks pass/fail for one group of checks.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func newVerifyCommand(a *app) *cobra.Command {
	var runFlag string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that a run was stored completely.",
		Long: `
Checks the grid catalog, that every job field has a forecast at every valid
time and level of the run, that no forecast is empty, and that calculated
fields exist wherever their inputs do. Exits non-zero when a check fails.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			run, err := parseRun(runFlag)
			if err != nil {
				return err
			}
			return a.verify(cmd.Context(), run)
		},
	}
	cmd.Flags().StringVarP(&runFlag, "run", "r", "latest", "run time to check")
	return cmd
}

func (a *app) verify(ctx context.Context, run time.Time) error {
	if run.IsZero() {
		latest, err := a.prober(a.dapClient()).LatestRun(ctx)
		if err != nil {
			return err
		}
		run = latest
	}
	store, err := postgres.Connect(ctx, a.cfg.DatabaseURL, a.cfg.IDCacheSize, a.logger)
	if err != nil {
		return err
	}
	defer a.closeStore(store)

	phases, err := verifyRun(ctx, store, a.job, run)
	if err != nil {
		return err
	}
	return report(a.stdout, run, phases)
}

// verifyRun runs every check against the stored run. Only store failures
// are returned as errors; failed checks are recorded in the phases.
func verifyRun(ctx context.Context, store verifyStore, job *config.Job, run time.Time) ([]*phase, error) {
	modelID, err := store.EnsureModel(ctx, job.Model.Name)
	if err != nil {
		return nil, err
	}

	grid := &phase{name: "grid catalog"}
	points, err := store.CountGridPoints(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if points == 0 {
		grid.errorf("no grid points stored for %s", job.Model.Name)
	}

	names := slices.Clone(job.Fields)
	for _, cf := range job.CalculatedFields {
		names = append(names, cf.Name)
	}
	groups, err := store.ForecastGroups(ctx, modelID, names, run)
	if err != nil {
		return nil, err
	}

	fields := &phase{name: "field forecasts"}
	rows := &phase{name: "forecast rows"}
	derived := &phase{name: "calculated fields"}
	if len(groups) == 0 {
		fields.errorf("no forecasts stored for run %s", run.Format(time.RFC3339))
	}
	for _, g := range groups {
		at := groupLabel(g)
		for _, name := range g.Missing(job.Fields) {
			fields.errorf("%s: %s missing", at, name)
		}
		for name, id := range g.ForecastIDs {
			n, err := store.DataCount(ctx, id)
			if err != nil {
				return nil, err
			}
			switch {
			case n == 0:
				rows.errorf("%s: %s has no rows", at, name)
			case points > 0 && n > points:
				rows.errorf("%s: %s has %d rows for %d grid points", at, name, n, points)
			case job.Geo == nil && points > 0 && n != points && slices.Contains(job.Fields, name):
				rows.errorf("%s: %s covers %d of %d grid points", at, name, n, points)
			}
		}
		for _, cf := range job.CalculatedFields {
			if _, ok := g.ForecastIDs[cf.Name]; ok {
				continue
			}
			if len(g.Missing(cf.Dependents)) == 0 {
				derived.errorf("%s: %s not derived", at, cf.Name)
			}
		}
	}
	return []*phase{grid, fields, rows, derived}, nil
}

func groupLabel(g domain.ForecastGroup) string {
	at := g.DataTimeForecast.Format(time.RFC3339)
	if g.Level != nil {
		at += fmt.Sprintf(" %gmb", *g.Level)
	}
	return at
}

// report prints one line per phase, then every failure.
func report(w io.Writer, run time.Time, phases []*phase) error {
	fmt.Fprintf(w, "run %s\n\n", run.UTC().Format(time.RFC3339))
	failed := 0
	for _, p := range phases {
		status := "PASS"
		if !p.passed() {
			status = fmt.Sprintf("FAIL (%d errors)", len(p.errors))
			failed++
		}
		fmt.Fprintf(w, "  %-24s %s\n", p.name, status)
	}
	for _, p := range phases {
		for _, e := range p.errors {
			fmt.Fprintf(w, "    %s: %s\n", p.name, e)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d checks failed", failed, len(phases))
	}
	return nil
}
