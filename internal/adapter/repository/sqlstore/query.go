package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/V4T54L/logpipe/internal/domain"
)

// ErrNotFound is returned by Get for an unknown business event id.
var ErrNotFound = errors.New("event not found")

// Count returns the number of persisted rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+tableName).Scan(&n); err != nil {
		return 0, classify("count rows", err)
	}
	return n, nil
}

// Get returns the row stored under businessEventID.
func (s *Store) Get(ctx context.Context, businessEventID string) (domain.PersistedRow, error) {
	q := s.dialect.selectSQL() + " WHERE business_event_id = " + s.dialect.placeholder(1)
	row, err := scanRow(s.db.QueryRowContext(ctx, q, businessEventID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PersistedRow{}, ErrNotFound
	}
	if err != nil {
		return domain.PersistedRow{}, classify("get row", err)
	}
	return row, nil
}

// List returns every persisted row ordered by business event id.
func (s *Store) List(ctx context.Context) ([]domain.PersistedRow, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.selectSQL()+" ORDER BY business_event_id")
	if err != nil {
		return nil, classify("list rows", err)
	}
	defer rows.Close()

	var out []domain.PersistedRow
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, classify("scan row", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list rows", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (domain.PersistedRow, error) {
	var (
		row      domain.PersistedRow
		enqueued sql.NullTime
		seq      sql.NullInt64
		metadata sql.NullString
		ts       time.Time
	)
	if err := sc.Scan(&row.BusinessEventID, &row.Source, &row.Level, &row.Message, &row.PartitionKey,
		&ts, &enqueued, &seq, &metadata, &row.CreatedAt); err != nil {
		return domain.PersistedRow{}, err
	}
	row.Timestamp = ts.UTC()
	row.CreatedAt = row.CreatedAt.UTC()
	if enqueued.Valid {
		t := enqueued.Time.UTC()
		row.EnqueuedTimeUTC = &t
	}
	if seq.Valid {
		v := seq.Int64
		row.SequenceNumber = &v
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &row.Metadata); err != nil {
			return domain.PersistedRow{}, fmt.Errorf("decode metadata of %s: %w", row.BusinessEventID, err)
		}
	}
	return row, nil
}
