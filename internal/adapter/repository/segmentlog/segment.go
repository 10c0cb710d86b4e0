// Package segmentlog is a partitioned, append-only log on the local file
// system. Each partition is a directory of segment files named after the
// offset of their first record; each record is one JSON line.
package segmentlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/V4T54L/logpipe/internal/domain"
)

const (
	segmentPrefix = "segment-"
	segmentSuffix = ".log"
	cursorPrefix  = "cursor-"
	filePerm      = 0644
	dirPerm       = 0755

	defaultSegmentSize = 64 << 20
)

// Options locates the log and bounds its size.
type Options struct {
	Dir        string
	Partitions int
	// SegmentSizeBytes is the size at which the active segment is rotated.
	SegmentSizeBytes int64
	// MaxDiskSizeBytes caps the total size of all segments; zero means no cap.
	MaxDiskSizeBytes int64
}

func (o Options) withDefaults() (Options, error) {
	if o.Dir == "" {
		return o, errors.New("segment log directory is required")
	}
	if o.Partitions < 1 {
		o.Partitions = 1
	}
	if o.SegmentSizeBytes <= 0 {
		o.SegmentSizeBytes = defaultSegmentSize
	}
	return o, nil
}

// record is the on-disk shape of one event.
type record struct {
	Offset       int64        `json:"offset"`
	EnqueuedTime time.Time    `json:"enqueued_time"`
	Event        domain.Event `json:"event"`
}

func (r record) toStreamRecord(partition int) domain.StreamRecord {
	offset := r.Offset
	enqueued := r.EnqueuedTime.UTC()
	return domain.StreamRecord{
		Event:          r.Event,
		Partition:      strconv.Itoa(partition),
		Offset:         strconv.FormatInt(offset, 10),
		SequenceNumber: &offset,
		EnqueuedTime:   &enqueued,
	}
}

type segment struct {
	base int64
	path string
}

func partitionDir(dir string, p int) string {
	return filepath.Join(dir, fmt.Sprintf("partition-%03d", p))
}

func segmentName(base int64) string {
	return fmt.Sprintf("%s%020d%s", segmentPrefix, base, segmentSuffix)
}

// listSegments returns the partition's segments ordered by base offset.
func listSegments(pdir string) ([]segment, error) {
	entries, err := os.ReadDir(pdir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read partition directory: %w", err)
	}
	var segments []segment
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		base, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		segments = append(segments, segment{base: base, path: filepath.Join(pdir, name)})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].base < segments[j].base })
	return segments, nil
}

// scanSegment calls fn for every complete line of the segment. A trailing
// line without a newline is still being written, or was torn by a crash, and
// is not reported. It returns the byte length of the complete lines.
func scanSegment(path string, fn func(line []byte) (bool, error)) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var complete int64
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return complete, nil
		}
		if err != nil {
			return complete, fmt.Errorf("error scanning segment %s: %w", path, err)
		}
		complete += int64(len(line))
		more, err := fn(bytes.TrimSuffix(line, []byte{'\n'}))
		if err != nil || !more {
			return complete, err
		}
	}
}

// totalSize sums the size of every segment below dir.
func totalSize(dir string, partitions int) (int64, error) {
	var total int64
	for p := 0; p < partitions; p++ {
		segments, err := listSegments(partitionDir(dir, p))
		if err != nil {
			return 0, err
		}
		for _, s := range segments {
			info, err := os.Stat(s.path)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue // pruned concurrently
				}
				return 0, err
			}
			total += info.Size()
		}
	}
	return total, nil
}

func decodeRecord(line []byte) (record, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return record{}, err
	}
	return rec, nil
}
