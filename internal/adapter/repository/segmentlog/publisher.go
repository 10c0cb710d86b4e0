package segmentlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/V4T54L/logpipe/internal/domain"
	"github.com/V4T54L/logpipe/internal/pkg/partition"
)

// activeSegment is the segment a partition appends to.
type activeSegment struct {
	file       *os.File
	size       int64
	nextOffset int64
}

// Publisher implements domain.StreamPublisher on the segment log.
type Publisher struct {
	opts   Options
	router *partition.Router
	logger *slog.Logger

	mu     sync.Mutex
	active []*activeSegment
}

// NewPublisher opens, or creates, the log for appending.
func NewPublisher(opts Options, logger *slog.Logger) (*Publisher, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	p := &Publisher{
		opts:   opts,
		router: partition.NewRouter(opts.Partitions),
		logger: logger.With("component", "segmentlog_publisher"),
		active: make([]*activeSegment, opts.Partitions),
	}
	for i := 0; i < opts.Partitions; i++ {
		seg, err := p.openLatestSegment(i)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.active[i] = seg
	}
	return p, nil
}

// Publish appends the batch and fsyncs every partition it touched before
// returning. Events with the same partition key land, in order, in the same
// partition.
func (p *Publisher) Publish(ctx context.Context, batch domain.Batch) error {
	if err := p.publish(ctx, batch); err != nil {
		return &domain.PublishError{CorrelationID: batch.CorrelationID, Size: batch.Size(), Err: err}
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, batch domain.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return fmt.Errorf("segment log publisher is closed")
	}

	// Encode every record first so the disk check sees the exact size.
	now := time.Now().UTC()
	lines := make([][][]byte, p.opts.Partitions)
	var size int64
	for _, ev := range batch.Events {
		part := p.router.For(ev.PartitionKey)
		rec := record{Offset: p.active[part].nextOffset + int64(len(lines[part])), EnqueuedTime: now, Event: ev}
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal event for segment log: %w", err)
		}
		line = append(line, '\n')
		lines[part] = append(lines[part], line)
		size += int64(len(line))
	}

	// Check total size before writing
	if p.opts.MaxDiskSizeBytes > 0 {
		total, err := totalSize(p.opts.Dir, p.opts.Partitions)
		if err != nil {
			return fmt.Errorf("could not verify segment log disk space: %w", err)
		}
		if total+size > p.opts.MaxDiskSizeBytes {
			return fmt.Errorf("segment log max disk size exceeded (%d > %d)", total+size, p.opts.MaxDiskSizeBytes)
		}
	}

	for part, partLines := range lines {
		if len(partLines) == 0 {
			continue
		}
		if err := p.appendLocked(part, partLines); err != nil {
			return err
		}
	}
	return nil
}

// appendLocked writes the encoded records of one partition, rotating as needed.
func (p *Publisher) appendLocked(part int, lines [][]byte) error {
	seg := p.active[part]
	for _, line := range lines {
		n, err := seg.file.Write(line)
		if err != nil {
			// Drop the torn record so later appends start on a line boundary.
			if terr := seg.file.Truncate(seg.size); terr != nil {
				p.logger.Error("Failed to truncate torn record", "partition", part, "error", terr)
			}
			return fmt.Errorf("failed to write to segment: %w", err)
		}
		seg.size += int64(n)
		seg.nextOffset++

		if seg.size >= p.opts.SegmentSizeBytes {
			// The record is written; a failed rotation keeps the current
			// segment active and is retried on the next append.
			next, err := p.rotate(part)
			if err != nil {
				p.logger.Error("Failed to rotate segment, appending to the current one", "partition", part, "error", err)
				continue
			}
			seg = next
		}
	}
	if err := seg.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment: %w", err)
	}
	return nil
}

// rotate starts a new segment at the next offset, then syncs and closes the
// old one. On error the old segment stays open and active.
func (p *Publisher) rotate(part int) (*activeSegment, error) {
	old := p.active[part]
	seg, err := p.createSegment(part, old.nextOffset)
	if err != nil {
		return nil, err
	}
	if err := old.file.Sync(); err != nil {
		p.logger.Error("Failed to sync segment before rotating", "partition", part, "error", err)
	}
	if err := old.file.Close(); err != nil {
		p.logger.Error("Failed to close segment before rotating", "partition", part, "error", err)
	}
	p.active[part] = seg
	p.logger.Debug("Rotated to new segment", "partition", part, "base_offset", seg.nextOffset)
	return seg, nil
}

func (p *Publisher) createSegment(part int, base int64) (*activeSegment, error) {
	dir := partitionDir(p.opts.Dir, part)
	path := filepath.Join(dir, segmentName(base))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to create new segment %s: %w", path, err)
	}
	return &activeSegment{file: f, nextOffset: base}, nil
}

// openLatestSegment reopens the newest segment of a partition, dropping a torn
// trailing line, or creates the first one.
func (p *Publisher) openLatestSegment(part int) (*activeSegment, error) {
	dir := partitionDir(p.opts.Dir, part)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create partition directory %s: %w", dir, err)
	}
	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return p.createSegment(part, 0)
	}

	latest := segments[len(segments)-1]
	next := latest.base
	complete, err := scanSegment(latest.path, func(line []byte) (bool, error) {
		rec, err := decodeRecord(line)
		if err != nil {
			// Consumers skip it; it still holds an offset.
			p.logger.Warn("Undecodable record in latest segment", "partition", part, "offset", next, "error", err)
			next++
			return true, nil
		}
		next = rec.Offset + 1
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if err := os.Truncate(latest.path, complete); err != nil {
		return nil, fmt.Errorf("failed to truncate torn record in %s: %w", latest.path, err)
	}

	f, err := os.OpenFile(latest.path, os.O_APPEND|os.O_WRONLY, filePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to open latest segment %s: %w", latest.path, err)
	}
	seg := &activeSegment{file: f, size: complete, nextOffset: next}
	p.logger.Info("Opened existing segment", "partition", part, "path", latest.path, "size", complete, "next_offset", next)

	if seg.size >= p.opts.SegmentSizeBytes {
		p.active[part] = seg
		return p.rotate(part)
	}
	return seg, nil
}

// Close syncs and closes the active segments.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, seg := range p.active {
		if seg == nil {
			continue
		}
		if err := seg.file.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := seg.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.active = nil
	return firstErr
}
