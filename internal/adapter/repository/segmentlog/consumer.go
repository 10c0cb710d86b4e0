package segmentlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/V4T54L/logpipe/internal/domain"
)

type partitionState struct {
	// cursor is the lowest offset not yet acknowledged.
	cursor  int64
	readPos int64
	// inflight holds records handed out and not yet acknowledged.
	inflight map[int64]domain.StreamRecord
	// acked holds acknowledged offsets above cursor.
	acked map[int64]struct{}
}

// Consumer implements domain.StreamConsumer for one consumer group. Its
// acknowledged position is persisted per partition in a cursor file, and
// segments wholly below it are deleted, so only one group should consume a
// given log.
type Consumer struct {
	opts   Options
	group  string
	logger *slog.Logger

	mu     sync.Mutex
	parts  []*partitionState
	closed bool
}

// NewConsumer opens the log for reading by group, resuming at its cursor.
func NewConsumer(opts Options, group string, logger *slog.Logger) (*Consumer, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	if group == "" || strings.ContainsAny(group, `/\`) {
		return nil, fmt.Errorf("invalid consumer group %q", group)
	}
	c := &Consumer{
		opts:   opts,
		group:  group,
		logger: logger.With("component", "segmentlog_consumer", "group", group),
		parts:  make([]*partitionState, opts.Partitions),
	}
	for p := range c.parts {
		cursor, err := c.loadCursor(p)
		if err != nil {
			return nil, err
		}
		segments, err := listSegments(partitionDir(opts.Dir, p))
		if err != nil {
			return nil, err
		}
		if len(segments) > 0 && cursor < segments[0].base {
			cursor = segments[0].base
		}
		c.parts[p] = &partitionState{
			cursor:   cursor,
			readPos:  cursor,
			inflight: make(map[int64]domain.StreamRecord),
			acked:    make(map[int64]struct{}),
		}
	}
	return c, nil
}

// ReadBatch returns unacknowledged records handed out earlier, then new
// records, up to max in total. It does not block when the log has nothing new.
func (c *Consumer) ReadBatch(ctx context.Context, max int) ([]domain.StreamRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("segment log consumer is closed")
	}

	var out []domain.StreamRecord
	for _, ps := range c.parts {
		offsets := make([]int64, 0, len(ps.inflight))
		for off := range ps.inflight {
			offsets = append(offsets, off)
		}
		sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
		for _, off := range offsets {
			if len(out) >= max {
				return out, nil
			}
			out = append(out, ps.inflight[off])
		}
	}

	for p, ps := range c.parts {
		if len(out) >= max {
			break
		}
		recs, skipped, err := c.readPartition(p, ps.readPos, max-len(out))
		if err != nil {
			return out, err
		}
		for _, rec := range recs {
			ps.inflight[rec.Offset] = rec.toStreamRecord(p)
			ps.readPos = rec.Offset + 1
			out = append(out, ps.inflight[rec.Offset])
		}
		// Undecodable records are acknowledged so the cursor can pass them.
		moved := false
		for _, off := range skipped {
			if off >= ps.readPos {
				ps.readPos = off + 1
			}
			if ps.ack(off) {
				moved = true
			}
		}
		if moved {
			if err := c.storeCursor(p, ps.cursor); err != nil {
				return out, err
			}
			c.prune(p)
		}
	}
	return out, nil
}

// ack records off as acknowledged and advances the cursor past contiguous
// acknowledged offsets. It reports whether the cursor moved.
func (ps *partitionState) ack(off int64) bool {
	delete(ps.inflight, off)
	if off < ps.cursor {
		return false
	}
	ps.acked[off] = struct{}{}
	moved := false
	for {
		if _, ok := ps.acked[ps.cursor]; !ok {
			return moved
		}
		delete(ps.acked, ps.cursor)
		ps.cursor++
		moved = true
	}
}

// readPartition returns up to limit records at or after from, plus the offsets
// of complete lines at or after from that could not be decoded. Offsets within
// a segment are contiguous from its base, which locates an undecodable line.
func (c *Consumer) readPartition(p int, from int64, limit int) ([]record, []int64, error) {
	segments, err := listSegments(partitionDir(c.opts.Dir, p))
	if err != nil {
		return nil, nil, err
	}
	start := 0
	for i, s := range segments {
		if s.base <= from {
			start = i
		}
	}

	var out []record
	var skipped []int64
	for _, s := range segments[start:] {
		next := s.base
		_, err := scanSegment(s.path, func(line []byte) (bool, error) {
			rec, err := decodeRecord(line)
			if err != nil {
				if next >= from {
					c.logger.Warn("Failed to decode record, skipping", "partition", p, "segment", s.path, "offset", next, "error", err)
					skipped = append(skipped, next)
				}
				next++
				return true, nil
			}
			next = rec.Offset + 1
			if rec.Offset < from {
				return true, nil
			}
			out = append(out, rec)
			return len(out) < limit, nil
		})
		if errors.Is(err, os.ErrNotExist) {
			continue // pruned concurrently
		}
		if err != nil {
			return out, skipped, err
		}
		if len(out) >= limit {
			break
		}
	}
	return out, skipped, nil
}

// Acknowledge advances the group cursor past contiguous acknowledged offsets,
// persists it and prunes consumed segments.
func (c *Consumer) Acknowledge(ctx context.Context, records ...domain.StreamRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	moved := make(map[int]bool)
	for _, rec := range records {
		p, err := strconv.Atoi(rec.Partition)
		if err != nil || p < 0 || p >= len(c.parts) {
			return fmt.Errorf("record from unknown partition %q", rec.Partition)
		}
		off, err := strconv.ParseInt(rec.Offset, 10, 64)
		if err != nil {
			return fmt.Errorf("record with invalid offset %q: %w", rec.Offset, err)
		}
		if c.parts[p].ack(off) {
			moved[p] = true
		}
	}

	for p := range moved {
		if err := c.storeCursor(p, c.parts[p].cursor); err != nil {
			return err
		}
		c.prune(p)
	}
	return nil
}

func (c *Consumer) cursorPath(p int) string {
	return filepath.Join(partitionDir(c.opts.Dir, p), cursorPrefix+c.group)
}

func (c *Consumer) loadCursor(p int) (int64, error) {
	data, err := os.ReadFile(c.cursorPath(p))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor: %w", err)
	}
	cursor, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt cursor file %s: %w", c.cursorPath(p), err)
	}
	return cursor, nil
}

// storeCursor replaces the cursor file atomically.
func (c *Consumer) storeCursor(p int, cursor int64) error {
	path := c.cursorPath(p)
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("failed to create partition directory: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to write cursor: %w", err)
	}
	if _, err := f.WriteString(strconv.FormatInt(cursor, 10)); err != nil {
		f.Close()
		return fmt.Errorf("failed to write cursor: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync cursor: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close cursor: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace cursor: %w", err)
	}
	return nil
}

// prune removes segments whose every record is below the cursor. The newest
// segment is never removed because the publisher may still append to it.
func (c *Consumer) prune(p int) {
	segments, err := listSegments(partitionDir(c.opts.Dir, p))
	if err != nil {
		c.logger.Error("Failed to list segments for pruning", "partition", p, "error", err)
		return
	}
	cursor := c.parts[p].cursor
	for i := 0; i+1 < len(segments); i++ {
		if segments[i+1].base > cursor {
			break
		}
		if err := os.Remove(segments[i].path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Error("Failed to remove segment", "path", segments[i].path, "error", err)
			continue
		}
		c.logger.Debug("Pruned consumed segment", "partition", p, "path", segments[i].path)
	}
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
