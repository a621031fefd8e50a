package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/jackc/pgx/v5"
)

// SchemaVersion is the version forecastingversion() reports once the
// embedded migrations have been applied.
const SchemaVersion = "0.5.0"

//go:embed migrations
var migrations embed.FS

// Version returns the installed schema version.
func (s *Store) Version(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var v string
	if err := s.conn.QueryRow(ctx, "SELECT forecastingversion()").Scan(&v); err != nil {
		return "", wrap("schema version", err)
	}
	return v, nil
}

// Migrate installs the schema unless the database already reports
// SchemaVersion. It returns whether scripts were run.
func (s *Store) Migrate(ctx context.Context) (bool, error) {
	v, err := s.Version(ctx)
	if err == nil && v == SchemaVersion {
		s.logger.Debug("schema up to date", "version", v)
		return false, nil
	}
	s.logger.Info("migrating schema", "installed", v, "target", SchemaVersion, "probe_error", err)

	scripts, err := migrationScripts(SchemaVersion)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.inTx(ctx, "migrate", func(tx pgx.Tx) error {
		for _, name := range scripts {
			sql, err := migrations.ReadFile(name)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, string(sql)); err != nil {
				return fmt.Errorf("%s: %w", path.Base(name), err)
			}
			s.logger.Debug("applied migration", "script", path.Base(name))
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// migrationScripts lists the up scripts of a version in lexical order.
func migrationScripts(version string) ([]string, error) {
	dir := path.Join("migrations", version, "up")
	entries, err := fs.ReadDir(migrations, dir)
	if err != nil {
		return nil, fmt.Errorf("migrations for %s: %w", version, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && path.Ext(e.Name()) == ".sql" {
			names = append(names, path.Join(dir, e.Name()))
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("no migrations for %s", version)
	}
	return names, nil
}
