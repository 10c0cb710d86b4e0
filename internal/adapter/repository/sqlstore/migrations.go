package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/V4T54L/logpipe/internal/domain"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFiles embed.FS

// IndexMode describes how the dedup index treats a duplicate key.
type IndexMode string

const (
	// IndexModeRaise makes a duplicate insert fail with a uniqueness violation.
	IndexModeRaise IndexMode = "raise"
	// IndexModeIgnore lets bulk loads discard duplicate rows at the storage layer.
	IndexModeIgnore IndexMode = "ignore"
)

// LatestSchemaVersion is the newest embedded migration.
const LatestSchemaVersion = 2

type migration struct {
	version int
	name    string
	sql     string
}

func loadMigrations(d Dialect) ([]migration, error) {
	dir := path.Join("migrations", d.family())
	entries, err := fs.ReadDir(migrationFiles, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	var out []migration
	for _, e := range entries {
		name := e.Name()
		prefix, _, ok := strings.Cut(name, "_")
		if !ok || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s: bad version prefix: %w", name, err)
		}
		body, err := fs.ReadFile(migrationFiles, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		out = append(out, migration{version: version, name: strings.TrimSuffix(name, ".sql"), sql: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// splitStatements drops "--" comment lines and splits on semicolons.
func splitStatements(script string) []string {
	var kept []string
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	var stmts []string
	for _, stmt := range strings.Split(strings.Join(kept, "\n"), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// Migrate applies every embedded migration above the current version up to
// target, each in its own transaction. A target of 0 means the latest version.
// A schema already ahead of target is left untouched.
func (s *Store) Migrate(ctx context.Context, target int) error {
	migrations, err := loadMigrations(s.dialect)
	if err != nil {
		return err
	}
	if target <= 0 || target > LatestSchemaVersion {
		target = LatestSchemaVersion
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if current >= target {
		if current > target {
			s.logger.Warn("schema is newer than the requested target", "current", current, "target", target)
		}
		return nil
	}

	for _, m := range migrations {
		if m.version <= current || m.version > target {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
		s.logger.Info("applied schema migration", "version", m.version, "name", m.name)
	}
	s.resetStrategy()
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin migration", err)
	}
	defer tx.Rollback() // Rollback is a no-op if Commit() is called

	for _, stmt := range splitStatements(m.sql) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}
	record := fmt.Sprintf("INSERT INTO schema_migrations (version, name) VALUES (%s, %s)",
		s.dialect.placeholder(1), s.dialect.placeholder(2))
	if _, err := tx.ExecContext(ctx, record, m.version, m.name); err != nil {
		return fmt.Errorf("record migration %s: %w", m.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", m.name, err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration, or 0 for an empty store.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	if _, err := s.db.ExecContext(ctx, s.dialect.migrationsTableSQL()); err != nil {
		return 0, classify("create schema_migrations", err)
	}
	var version sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version); err != nil {
		return 0, classify("read schema version", err)
	}
	return int(version.Int64), nil
}

// IndexMode reports how the dedup index currently treats duplicates.
func (s *Store) IndexMode(ctx context.Context) (IndexMode, error) {
	version, err := s.SchemaVersion(ctx)
	if err != nil {
		return "", err
	}
	if version == 0 {
		return "", &domain.FatalStoreError{Op: "read index mode", Err: errors.New("schema is not migrated")}
	}
	var mode string
	if err := s.db.QueryRowContext(ctx, "SELECT dedup_index_mode FROM schema_contract WHERE id = 1").Scan(&mode); err != nil {
		return "", classify("read index mode", err)
	}
	switch IndexMode(mode) {
	case IndexModeRaise, IndexModeIgnore:
		return IndexMode(mode), nil
	default:
		return "", &domain.FatalStoreError{Op: "read index mode", Err: fmt.Errorf("unknown dedup index mode %q", mode)}
	}
}
