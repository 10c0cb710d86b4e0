package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/logpipe/internal/domain"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// newTestStore opens a migrated sqlite store in a temporary directory.
func newTestStore(t *testing.T, strategy Strategy, target int) *Store {
	t.Helper()
	return openTestStore(t, filepath.Join(t.TempDir(), "events.db"), Options{Strategy: strategy, ChunkSize: 100}, target)
}

func openTestStore(t *testing.T, path string, opts Options, target int) *Store {
	t.Helper()
	ctx := context.Background()
	db, dialect, err := Open(ctx, "sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := New(db, dialect, opts, testLogger, nil)
	require.NoError(t, s.Migrate(ctx, target))
	return s
}

func makeRows(prefix string, n int) []domain.PersistedRow {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rows := make([]domain.PersistedRow, n)
	for i := range rows {
		seq := int64(i)
		enq := base.Add(time.Duration(i) * time.Millisecond)
		rows[i] = domain.PersistedRow{
			BusinessEventID: fmt.Sprintf("%s-%04d", prefix, i),
			Source:          "api",
			Level:           "info",
			Message:         fmt.Sprintf("message %d", i),
			PartitionKey:    fmt.Sprintf("tenant-%d", i%3),
			Timestamp:       base.Add(time.Duration(i) * time.Second),
			EnqueuedTimeUTC: &enq,
			SequenceNumber:  &seq,
			Metadata:        map[string]string{"i": fmt.Sprint(i)},
		}
	}
	return rows
}

func TestMigrate_VersionsAndIndexMode(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, StrategyAuto, 1)

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	mode, err := s.IndexMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, IndexModeRaise, mode)

	st, err := s.Strategy(ctx)
	require.NoError(t, err)
	assert.Equal(t, StrategyStaging, st, "raise mode falls back to staging")

	require.NoError(t, s.Migrate(ctx, 0))
	v, err = s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, LatestSchemaVersion, v)
	mode, err = s.IndexMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, IndexModeIgnore, mode)

	st, err = s.Strategy(ctx)
	require.NoError(t, err)
	assert.Equal(t, StrategyBulk, st, "ignore mode enables bulk loads against the primary table")

	// Re-running is a no-op, and so is asking for an older target.
	require.NoError(t, s.Migrate(ctx, 0))
	require.NoError(t, s.Migrate(ctx, 1))
	v, err = s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, LatestSchemaVersion, v)
}

func TestStrategy_BulkRequiresIgnoreMode(t *testing.T) {
	s := newTestStore(t, StrategyBulk, 1)

	_, err := s.WriteBatch(context.Background(), makeRows("e", 1))
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))
}

func TestIndexMode_UnmigratedStore(t *testing.T) {
	ctx := context.Background()
	db, dialect, err := Open(ctx, "sqlite", filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	defer db.Close()
	s := New(db, dialect, Options{}, testLogger, nil)

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, v)
	_, err = s.IndexMode(ctx)
	assert.True(t, domain.IsFatal(err))
}

func TestWriteBatch_IdempotentAcrossDeliveries(t *testing.T) {
	strategies := []struct {
		strategy Strategy
		target   int
	}{
		{StrategyInsert, 1},
		{StrategyStaging, 1},
		{StrategyBulk, 2},
		{StrategyAuto, 1},
		{StrategyAuto, 2},
	}
	for _, tc := range strategies {
		t.Run(fmt.Sprintf("%s_v%d", tc.strategy, tc.target), func(t *testing.T) {
			ctx := context.Background()
			s := newTestStore(t, tc.strategy, tc.target)
			rows := makeRows("evt", 25)

			for delivery := 1; delivery <= 4; delivery++ {
				res, err := s.WriteBatch(ctx, rows)
				require.NoError(t, err)
				if delivery == 1 {
					assert.Equal(t, 25, res.Inserted)
					assert.Equal(t, 0, res.AlreadyExisted)
				} else {
					assert.Equal(t, 0, res.Inserted)
					assert.Equal(t, 25, res.AlreadyExisted)
				}
			}
			n, err := s.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 25, n)
		})
	}
}

func TestWriteBatch_BulkDedupAgainstExistingRows(t *testing.T) {
	for _, tc := range []struct {
		strategy Strategy
		target   int
	}{
		{StrategyBulk, 2},
		{StrategyStaging, 1},
		{StrategyInsert, 1},
	} {
		t.Run(string(tc.strategy), func(t *testing.T) {
			ctx := context.Background()
			s := newTestStore(t, tc.strategy, tc.target)
			batch := makeRows("evt", 1000)

			// 50 of the batch's keys are already stored.
			existing := append([]domain.PersistedRow(nil), batch[100:150]...)
			_, err := s.WriteBatch(ctx, existing)
			require.NoError(t, err)
			before, err := s.Count(ctx)
			require.NoError(t, err)
			require.Equal(t, 50, before)

			res, err := s.WriteBatch(ctx, batch)
			require.NoError(t, err)
			assert.Equal(t, 950, res.Inserted)
			assert.Equal(t, 50, res.AlreadyExisted)

			after, err := s.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 950, after-before)
		})
	}
}

func TestWriteBatch_StrategyEquivalence(t *testing.T) {
	ctx := context.Background()
	batch := makeRows("evt", 120)
	// Repeated keys inside the batch keep the first occurrence.
	dup := batch[3]
	dup.Message = "later copy"
	batch = append(batch, dup)

	insert := newTestStore(t, StrategyInsert, 1)
	bulk := newTestStore(t, StrategyBulk, 2)
	staging := newTestStore(t, StrategyStaging, 1)

	resA, err := insert.WriteBatch(ctx, batch)
	require.NoError(t, err)
	resB, err := bulk.WriteBatch(ctx, batch)
	require.NoError(t, err)
	resC, err := staging.WriteBatch(ctx, batch)
	require.NoError(t, err)

	assert.Equal(t, 120, resA.Inserted)
	assert.Equal(t, resA.Inserted, resB.Inserted)
	assert.Equal(t, resA.Inserted, resC.Inserted)
	assert.Equal(t, 1, resB.AlreadyExisted)

	// Round trips: one per row, one per chunk, and create + chunks + merge + drop.
	assert.Equal(t, 121, resA.RoundTrips)
	assert.Equal(t, 2, resB.RoundTrips)
	assert.Equal(t, 5, resC.RoundTrips)

	rowsA, err := insert.List(ctx)
	require.NoError(t, err)
	rowsB, err := bulk.List(ctx)
	require.NoError(t, err)
	rowsC, err := staging.List(ctx)
	require.NoError(t, err)
	require.Len(t, rowsA, 120)
	require.Len(t, rowsB, 120)
	require.Len(t, rowsC, 120)

	for i := range rowsA {
		for _, other := range []domain.PersistedRow{rowsB[i], rowsC[i]} {
			assertSameRow(t, rowsA[i], other)
		}
	}
	got, err := staging.Get(ctx, dup.BusinessEventID)
	require.NoError(t, err)
	assert.Equal(t, "message 3", got.Message)
}

func assertSameRow(t *testing.T, want, got domain.PersistedRow) {
	t.Helper()
	assert.Equal(t, want.BusinessEventID, got.BusinessEventID)
	assert.Equal(t, want.Source, got.Source)
	assert.Equal(t, want.Level, got.Level)
	assert.Equal(t, want.Message, got.Message)
	assert.Equal(t, want.PartitionKey, got.PartitionKey)
	assert.True(t, want.Timestamp.Equal(got.Timestamp), "timestamp of %s", want.BusinessEventID)
	require.NotNil(t, got.EnqueuedTimeUTC)
	assert.True(t, want.EnqueuedTimeUTC.Equal(*got.EnqueuedTimeUTC))
	require.NotNil(t, got.SequenceNumber)
	assert.Equal(t, *want.SequenceNumber, *got.SequenceNumber)
	assert.Equal(t, want.Metadata, got.Metadata)
}

func TestGet_RoundTripsNullableFields(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, StrategyInsert, 0)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 600, time.UTC)

	_, err := s.WriteBatch(ctx, []domain.PersistedRow{{BusinessEventID: "bare", Message: "m", Timestamp: ts}})
	require.NoError(t, err)

	got, err := s.Get(ctx, "bare")
	require.NoError(t, err)
	assert.True(t, ts.Equal(got.Timestamp))
	assert.Nil(t, got.EnqueuedTimeUTC)
	assert.Nil(t, got.SequenceNumber)
	assert.Nil(t, got.Metadata)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertRow_Outcomes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, StrategyInsert, 1)
	row := makeRows("one", 1)[0]

	assert.Equal(t, domain.OutcomeInserted, s.InsertRow(ctx, row).Outcome)
	assert.Equal(t, domain.OutcomeAlreadyExists, s.InsertRow(ctx, row).Outcome)

	row.BusinessEventID = "no-message"
	row.Message = ""
	res := s.InsertRow(ctx, row)
	assert.Equal(t, domain.OutcomeInserted, res.Outcome, "empty message is still a value")
}

// Two *sql.DB handles on the same file give two independent connections, so
// the unique index, not a shared connection, decides which insert wins.
func TestWriteInsert_ConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")
	stores := []*Store{
		openTestStore(t, path, Options{Strategy: StrategyInsert}, 1),
		openTestStore(t, path, Options{Strategy: StrategyInsert}, 1),
	}
	s := stores[0]
	rows := makeRows("shared", 10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var total domain.WriteResult
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(store *Store) {
			defer wg.Done()
			res, err := store.WriteBatch(ctx, rows)
			assert.NoError(t, err)
			mu.Lock()
			total.Inserted += res.Inserted
			total.AlreadyExisted += res.AlreadyExisted
			mu.Unlock()
		}(stores[w%len(stores)])
	}
	wg.Wait()

	assert.Equal(t, 10, total.Inserted)
	assert.Equal(t, 70, total.AlreadyExisted)
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestNew_CapsChunkSizeAtBindLimit(t *testing.T) {
	ctx := context.Background()
	rows := makeRows("big", 4000)

	for _, strategy := range []Strategy{StrategyBulk, StrategyStaging} {
		t.Run(string(strategy), func(t *testing.T) {
			s := openTestStore(t, filepath.Join(t.TempDir(), "events.db"), Options{Strategy: strategy, ChunkSize: 4000}, 0)
			assert.Equal(t, DialectSQLite.maxChunkRows(), s.ChunkSize())

			res, err := s.WriteBatch(ctx, rows)
			require.NoError(t, err)
			assert.Equal(t, 4000, res.Inserted)

			n, err := s.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 4000, n)
		})
	}
}

func TestWriteBulk_DefaultChunkIsOneRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "events.db"), Options{Strategy: StrategyBulk}, 0)

	res, err := s.WriteBatch(ctx, makeRows("full", 1000))
	require.NoError(t, err)
	assert.Equal(t, 1000, res.Inserted)
	assert.Equal(t, 1, res.RoundTrips)
}

func TestDialect_MaxChunkRows(t *testing.T) {
	width := len(rowColumns) + 1
	for _, d := range []Dialect{DialectPostgres, DialectPgx, DialectSQLite} {
		assert.LessOrEqual(t, d.maxChunkRows()*width, d.maxParams(), d.Name)
		assert.GreaterOrEqual(t, d.maxChunkRows(), defaultChunkSize, d.Name)
	}
}

func TestWriteBatch_FatalOnSchemaMismatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, StrategyInsert, 1)
	_, err := s.db.ExecContext(ctx, "ALTER TABLE log_events DROP COLUMN partition_key")
	require.NoError(t, err)

	_, err = s.WriteBatch(ctx, makeRows("x", 1))
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		duplicate bool
		transient bool
	}{
		{"pq dedup violation", &pq.Error{Code: "23505", Constraint: dedupIndexName}, true, false},
		{"pq other unique", &pq.Error{Code: "23505", Constraint: "ux_other"}, false, false},
		{"pq connection", &pq.Error{Code: "08006"}, false, true},
		{"pq deadlock", &pq.Error{Code: "40P01"}, false, true},
		{"pq undefined column", &pq.Error{Code: "42703"}, false, false},
		{"pgx dedup violation", &pgconn.PgError{Code: "23505", ConstraintName: dedupIndexName}, true, false},
		{"pgx serialization", &pgconn.PgError{Code: "40001"}, false, true},
		{"pgx admin shutdown", &pgconn.PgError{Code: "57P01"}, false, true},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), false, true},
		{"bad conn", sql.ErrConnDone, false, false},
		{"plain", errors.New("syntax error"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.duplicate, isDuplicateKey(tt.err))
			classified := classify("op", tt.err)
			assert.Equal(t, tt.transient, domain.IsTransient(classified))
			assert.Equal(t, !tt.transient, domain.IsFatal(classified))
			assert.ErrorIs(t, classified, tt.err)
		})
	}
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- comment\nCREATE TABLE a (x INT);\n\nUPDATE a SET x = 1;\n")
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (x INT)", stmts[0])
	assert.Equal(t, "UPDATE a SET x = 1", stmts[1])
}

func TestParseStrategy(t *testing.T) {
	st, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyAuto, st)
	st, err = ParseStrategy("staging")
	require.NoError(t, err)
	assert.Equal(t, StrategyStaging, st)
	_, err = ParseStrategy("upsert")
	assert.Error(t, err)
}
