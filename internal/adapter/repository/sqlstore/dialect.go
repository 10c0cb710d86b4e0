package sqlstore

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	tableName        = "log_events"
	stagingTableName = "log_events_staging"
	dedupIndexName   = "ux_log_events_business_event_id"
)

// rowColumns are written by every strategy, in this order.
var rowColumns = []string{
	"business_event_id",
	"source",
	"level",
	"message",
	"partition_key",
	"event_time",
	"enqueued_time_utc",
	"sequence_number",
	"metadata",
}

// Dialect captures the SQL differences between the supported drivers.
type Dialect struct {
	// Name is the database/sql driver name: postgres, pgx or sqlite.
	Name string
}

var (
	DialectPostgres = Dialect{Name: "postgres"}
	DialectPgx      = Dialect{Name: "pgx"}
	DialectSQLite   = Dialect{Name: "sqlite"}
)

// DialectFor returns the dialect registered under driver.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case DialectPostgres.Name:
		return DialectPostgres, nil
	case DialectPgx.Name:
		return DialectPgx, nil
	case DialectSQLite.Name:
		return DialectSQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported store driver %q", driver)
	}
}

// family is the migration set shared by the dialect.
func (d Dialect) family() string {
	if d.Name == DialectSQLite.Name {
		return "sqlite"
	}
	return "postgres"
}

// maxParams is the bind-parameter limit of a single statement.
func (d Dialect) maxParams() int {
	if d.family() == "sqlite" {
		return 32766 // SQLITE_MAX_VARIABLE_NUMBER
	}
	return 65535 // wire protocol limit
}

// maxChunkRows is the largest chunk whose widest statement, the staged insert,
// stays within maxParams.
func (d Dialect) maxChunkRows() int {
	return d.maxParams() / (len(rowColumns) + 1)
}

func (d Dialect) placeholder(n int) string {
	if d.family() == "sqlite" {
		return "?"
	}
	return "$" + strconv.Itoa(n)
}

// values renders "(p1, p2, ...), (...)" for rows tuples of width columns,
// numbering placeholders from 1.
func (d Dialect) values(rows, width int) string {
	var b strings.Builder
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < width; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.placeholder(n))
			n++
		}
		b.WriteByte(')')
	}
	return b.String()
}

// ignoreDuplicates is the clause that makes the store discard rows violating
// the dedup index instead of failing the statement.
func (d Dialect) ignoreDuplicates() string {
	if d.family() == "sqlite" {
		return "ON CONFLICT (business_event_id) DO NOTHING"
	}
	return "ON CONFLICT ON CONSTRAINT " + dedupIndexName + " DO NOTHING"
}

func (d Dialect) insertSQL(rows int) string {
	return "INSERT INTO " + tableName + " (" + strings.Join(rowColumns, ", ") + ") VALUES " + d.values(rows, len(rowColumns))
}

func (d Dialect) bulkInsertSQL(rows int) string {
	return d.insertSQL(rows) + " " + d.ignoreDuplicates()
}

func (d Dialect) createStagingSQL() string {
	if d.family() == "sqlite" {
		return `CREATE TEMP TABLE ` + stagingTableName + ` (
			seq               INTEGER NOT NULL,
			business_event_id TEXT NOT NULL,
			source            TEXT NOT NULL,
			level             TEXT NOT NULL,
			message           TEXT NOT NULL,
			partition_key     TEXT NOT NULL,
			event_time        TIMESTAMP NOT NULL,
			enqueued_time_utc TIMESTAMP,
			sequence_number   INTEGER,
			metadata          TEXT
		)`
	}
	return `CREATE TEMP TABLE ` + stagingTableName + ` (
		seq               BIGINT NOT NULL,
		business_event_id TEXT NOT NULL,
		source            TEXT NOT NULL,
		level             TEXT NOT NULL,
		message           TEXT NOT NULL,
		partition_key     TEXT NOT NULL,
		event_time        TIMESTAMPTZ NOT NULL,
		enqueued_time_utc TIMESTAMPTZ,
		sequence_number   BIGINT,
		metadata          JSONB
	) ON COMMIT DROP`
}

// dropsStagingOnCommit reports whether the staging table disappears with the
// transaction or has to be dropped explicitly.
func (d Dialect) dropsStagingOnCommit() bool {
	return d.family() != "sqlite"
}

func (d Dialect) stagingInsertSQL(rows int) string {
	return "INSERT INTO " + stagingTableName + " (seq, " + strings.Join(rowColumns, ", ") + ") VALUES " + d.values(rows, len(rowColumns)+1)
}

// mergeSQL copies the first staged row of each key into the primary table,
// skipping keys that are already persisted.
func (d Dialect) mergeSQL() string {
	cols := strings.Join(rowColumns, ", ")
	return "INSERT INTO " + tableName + " (" + cols + ")" +
		" SELECT " + cols + " FROM " + stagingTableName + " s" +
		" WHERE s.seq IN (SELECT MIN(seq) FROM " + stagingTableName + " GROUP BY business_event_id)" +
		" AND NOT EXISTS (SELECT 1 FROM " + tableName + " t WHERE t.business_event_id = s.business_event_id)" +
		" ORDER BY s.seq"
}

func (d Dialect) selectSQL() string {
	return "SELECT " + strings.Join(rowColumns, ", ") + ", created_at FROM " + tableName
}

func (d Dialect) migrationsTableSQL() string {
	ts := "TIMESTAMPTZ NOT NULL DEFAULT now()"
	if d.family() == "sqlite" {
		ts = "TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP"
	}
	return `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at ` + ts + `
	)`
}
