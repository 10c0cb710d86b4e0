// Package sqlstore persists events in a relational store so that each business
// event id is stored exactly once, whatever the number of deliveries.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/lib/pq"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/V4T54L/logpipe/internal/adapter/metrics"
	"github.com/V4T54L/logpipe/internal/domain"
)

// Strategy selects how a batch is deduplicated against the store.
type Strategy string

const (
	// StrategyAuto picks bulk or staging from the schema's index mode.
	StrategyAuto Strategy = "auto"
	// StrategyInsert inserts row by row and treats a duplicate key as success.
	StrategyInsert Strategy = "insert"
	// StrategyBulk loads the batch directly, letting the store discard duplicates.
	StrategyBulk Strategy = "bulk"
	// StrategyStaging loads into a temporary table and merges new keys only.
	StrategyStaging Strategy = "staging"
)

const defaultChunkSize = 1000

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyAuto, StrategyInsert, StrategyBulk, StrategyStaging:
		return st, nil
	case "":
		return StrategyAuto, nil
	default:
		return "", fmt.Errorf("unknown writer strategy %q", s)
	}
}

// Options configures a Store.
type Options struct {
	Strategy Strategy
	// ChunkSize bounds the rows per multi-row statement. It is capped at what
	// the dialect's bind-parameter limit allows.
	ChunkSize int
}

// Store implements domain.EventStore on database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
	opts    Options
	logger  *slog.Logger
	metrics *metrics.PipelineMetrics

	mu       sync.Mutex
	resolved Strategy
}

// Open connects to the store with the driver registered under driver.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, Dialect, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, Dialect{}, err
	}
	db, err := sql.Open(dialect.Name, dsn)
	if err != nil {
		return nil, Dialect{}, fmt.Errorf("open %s: %w", dialect.Name, err)
	}
	if dialect.family() == "sqlite" {
		// One writer connection; temp tables and pragmas are per connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, Dialect{}, fmt.Errorf("ping %s: %w", dialect.Name, err)
	}
	if dialect.family() == "sqlite" {
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, Dialect{}, fmt.Errorf("configure sqlite: %w", err)
		}
	}
	return db, dialect, nil
}

// New creates a Store over an open database.
func New(db *sql.DB, dialect Dialect, opts Options, logger *slog.Logger, m *metrics.PipelineMetrics) *Store {
	logger = logger.With("component", "sqlstore", "dialect", dialect.Name)
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if limit := dialect.maxChunkRows(); opts.ChunkSize > limit {
		logger.Warn("chunk size exceeds the bind-parameter limit, capping", "configured", opts.ChunkSize, "max", limit)
		opts.ChunkSize = limit
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyAuto
	}
	return &Store{
		db:      db,
		dialect: dialect,
		opts:    opts,
		logger:  logger,
		metrics: m,
	}
}

// ChunkSize returns the effective rows per multi-row statement.
func (s *Store) ChunkSize() int {
	return s.opts.ChunkSize
}

// Strategy returns the strategy WriteBatch uses, resolving auto against the
// schema contract on first use.
func (s *Store) Strategy(ctx context.Context) (Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved != "" {
		return s.resolved, nil
	}

	st := s.opts.Strategy
	if st == StrategyInsert {
		s.resolved = st
		return st, nil
	}
	mode, err := s.IndexMode(ctx)
	if err != nil {
		return "", err
	}
	switch {
	case st == StrategyAuto && mode == IndexModeIgnore:
		st = StrategyBulk
	case st == StrategyAuto:
		st = StrategyStaging
	case st == StrategyBulk && mode != IndexModeIgnore:
		return "", &domain.FatalStoreError{Op: "resolve strategy", Err: fmt.Errorf("bulk strategy needs dedup index mode %q, schema has %q", IndexModeIgnore, mode)}
	}
	s.resolved = st
	s.logger.Info("resolved write strategy", "configured", s.opts.Strategy, "strategy", st, "index_mode", mode)
	return st, nil
}

func (s *Store) resetStrategy() {
	s.mu.Lock()
	s.resolved = ""
	s.mu.Unlock()
}

// WriteBatch persists rows with the configured strategy. Rows whose business
// event id is already stored, including repeats within rows, are counted as
// already existing and leave the stored row untouched.
func (s *Store) WriteBatch(ctx context.Context, rows []domain.PersistedRow) (domain.WriteResult, error) {
	if len(rows) == 0 {
		return domain.WriteResult{}, nil
	}
	st, err := s.Strategy(ctx)
	if err != nil {
		return domain.WriteResult{}, err
	}

	start := time.Now()
	var res domain.WriteResult
	switch st {
	case StrategyInsert:
		res, err = s.writeInsert(ctx, rows)
	case StrategyBulk:
		res, err = s.writeBulk(ctx, rows)
	default:
		res, err = s.writeStaging(ctx, rows)
	}
	if s.metrics != nil {
		s.metrics.WriterDuration.WithLabelValues(string(st)).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return res, err
	}
	s.logger.Debug("wrote batch", "strategy", st, "rows", len(rows), "inserted", res.Inserted, "already_existed", res.AlreadyExisted, "round_trips", res.RoundTrips)
	return res, nil
}

// InsertRow inserts a single row in its own implicit transaction. A uniqueness
// violation on the dedup index is an OutcomeAlreadyExists, not an error.
func (s *Store) InsertRow(ctx context.Context, row domain.PersistedRow) domain.RowResult {
	args, err := rowArgs(row)
	if err != nil {
		return domain.RowResult{BusinessEventID: row.BusinessEventID, Outcome: domain.OutcomeFailed, Err: &domain.FatalStoreError{Op: "encode row", Err: err}}
	}
	_, err = s.db.ExecContext(ctx, s.dialect.insertSQL(1), args...)
	switch {
	case err == nil:
		return domain.RowResult{BusinessEventID: row.BusinessEventID, Outcome: domain.OutcomeInserted}
	case isDuplicateKey(err):
		return domain.RowResult{BusinessEventID: row.BusinessEventID, Outcome: domain.OutcomeAlreadyExists}
	default:
		return domain.RowResult{BusinessEventID: row.BusinessEventID, Outcome: domain.OutcomeFailed, Err: classify("insert row", err)}
	}
}

func (s *Store) writeInsert(ctx context.Context, rows []domain.PersistedRow) (domain.WriteResult, error) {
	var res domain.WriteResult
	for _, row := range rows {
		r := s.InsertRow(ctx, row)
		res.RoundTrips++
		if r.Outcome == domain.OutcomeFailed {
			// Rows inserted so far resolve to already-existing on retry.
			return res, r.Err
		}
		res.Add(r)
	}
	return res, nil
}

func (s *Store) writeBulk(ctx context.Context, rows []domain.PersistedRow) (domain.WriteResult, error) {
	var res domain.WriteResult
	for _, chunk := range chunks(rows, s.opts.ChunkSize) {
		args, err := chunkArgs(chunk, false, 0)
		if err != nil {
			return res, err
		}
		result, err := s.db.ExecContext(ctx, s.dialect.bulkInsertSQL(len(chunk)), args...)
		res.RoundTrips++
		if err != nil {
			return res, classify("bulk insert", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return res, classify("bulk insert", err)
		}
		res.Inserted += int(affected)
		res.AlreadyExisted += len(chunk) - int(affected)
	}
	return res, nil
}

// writeStaging loads rows into a temporary table and merges the first row of
// every key not yet present, all inside one transaction.
func (s *Store) writeStaging(ctx context.Context, rows []domain.PersistedRow) (domain.WriteResult, error) {
	var res domain.WriteResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, classify("begin staging", err)
	}
	defer tx.Rollback() // Rollback is a no-op if Commit() is called

	if _, err := tx.ExecContext(ctx, s.dialect.createStagingSQL()); err != nil {
		return res, classify("create staging table", err)
	}
	res.RoundTrips++

	trips, err := s.loadStaging(ctx, tx, rows)
	res.RoundTrips += trips
	if err != nil {
		return res, err
	}

	result, err := tx.ExecContext(ctx, s.dialect.mergeSQL())
	res.RoundTrips++
	if err != nil {
		// A concurrent writer committed one of the keys after our NOT EXISTS
		// check. Retrying the batch resolves it to already-existing.
		if isDuplicateKey(err) {
			return res, &domain.TransientStoreError{Op: "merge staging", Err: err}
		}
		return res, classify("merge staging", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return res, classify("merge staging", err)
	}

	if !s.dialect.dropsStagingOnCommit() {
		if _, err := tx.ExecContext(ctx, "DROP TABLE "+stagingTableName); err != nil {
			return res, classify("drop staging table", err)
		}
		res.RoundTrips++
	}
	if err := tx.Commit(); err != nil {
		return res, classify("commit staging", err)
	}
	res.Inserted = int(affected)
	res.AlreadyExisted = len(rows) - int(affected)
	return res, nil
}

func (s *Store) loadStaging(ctx context.Context, tx *sql.Tx, rows []domain.PersistedRow) (int, error) {
	if s.dialect == DialectPostgres {
		return 1, s.copyStaging(ctx, tx, rows)
	}
	trips := 0
	offset := 0
	for _, chunk := range chunks(rows, s.opts.ChunkSize) {
		args, err := chunkArgs(chunk, true, offset)
		if err != nil {
			return trips, err
		}
		_, err = tx.ExecContext(ctx, s.dialect.stagingInsertSQL(len(chunk)), args...)
		trips++
		if err != nil {
			return trips, classify("load staging table", err)
		}
		offset += len(chunk)
	}
	return trips, nil
}

// copyStaging streams rows into the staging table with the COPY protocol.
func (s *Store) copyStaging(ctx context.Context, tx *sql.Tx, rows []domain.PersistedRow) error {
	cols := append([]string{"seq"}, rowColumns...)
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(stagingTableName, cols...))
	if err != nil {
		return classify("prepare copy", err)
	}
	for i, row := range rows {
		args, err := rowArgs(row)
		if err != nil {
			_ = stmt.Close()
			return &domain.FatalStoreError{Op: "encode row", Err: err}
		}
		if _, err := stmt.ExecContext(ctx, append([]any{int64(i)}, args...)...); err != nil {
			// Close the statement to avoid connection issues
			_ = stmt.Close()
			return classify("copy row", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return classify("flush copy", err)
	}
	if err := stmt.Close(); err != nil {
		return classify("close copy", err)
	}
	return nil
}

func chunks(rows []domain.PersistedRow, size int) [][]domain.PersistedRow {
	var out [][]domain.PersistedRow
	for len(rows) > size {
		out = append(out, rows[:size])
		rows = rows[size:]
	}
	if len(rows) > 0 {
		out = append(out, rows)
	}
	return out
}

// chunkArgs flattens rows into statement arguments. With staged set, each row
// is prefixed by its position in the batch, starting at offset.
func chunkArgs(rows []domain.PersistedRow, staged bool, offset int) ([]any, error) {
	width := len(rowColumns)
	if staged {
		width++
	}
	args := make([]any, 0, len(rows)*width)
	for i, row := range rows {
		ra, err := rowArgs(row)
		if err != nil {
			return nil, &domain.FatalStoreError{Op: "encode row", Err: err}
		}
		if staged {
			args = append(args, int64(offset+i))
		}
		args = append(args, ra...)
	}
	return args, nil
}

func rowArgs(row domain.PersistedRow) ([]any, error) {
	var metadata sql.NullString
	if len(row.Metadata) > 0 {
		b, err := json.Marshal(row.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}
	var enqueued sql.NullTime
	if row.EnqueuedTimeUTC != nil {
		enqueued = sql.NullTime{Time: row.EnqueuedTimeUTC.UTC(), Valid: true}
	}
	var seq sql.NullInt64
	if row.SequenceNumber != nil {
		seq = sql.NullInt64{Int64: *row.SequenceNumber, Valid: true}
	}
	return []any{
		row.BusinessEventID,
		row.Source,
		row.Level,
		row.Message,
		row.PartitionKey,
		row.Timestamp.UTC(),
		enqueued,
		seq,
		metadata,
	}, nil
}
