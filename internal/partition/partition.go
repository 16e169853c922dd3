// Package partition implements PartitionStore: durable append and
// sequential read for one partition of the log.
package partition

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	kitlog "github.com/go-kit/log"

	"github.com/eferro/brokerd/internal/brokererr"
	"github.com/eferro/brokerd/internal/logging"
	"github.com/eferro/brokerd/internal/recordio"
)

// Store owns the append sequence for one partition. It is private to its
// directory: exactly one Store should exist per (root, id) pair within a
// process, and append callers are expected to be serialized by Store's own
// mutex, not by an external one.
type Store struct {
	id    uint32
	dir   string
	codec recordio.Codec
	log   kitlog.Logger

	mu         sync.Mutex
	nextOffset uint64 // in-memory cache of the watermark; 0 means empty
}

// Open opens (creating if absent) the on-disk directory for partition id
// under root, loads its watermark, and returns a ready Store.
func Open(root string, id uint32, codec recordio.Codec, log kitlog.Logger) (*Store, error) {
	dir := filepath.Join(root, recordio.PartitionDirName(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, brokererr.Wrap(brokererr.ErrStorageUnavailable, fmt.Sprintf("partition %d: create dir", id), err)
	}

	watermark, err := loadWatermark(dir)
	if err != nil {
		return nil, err
	}

	if log == nil {
		log = logging.Default()
	}

	return &Store{
		id:         id,
		dir:        dir,
		codec:      codec,
		log:        kitlog.With(log, "component", "partition", "partition", id),
		nextOffset: watermark,
	}, nil
}

func loadWatermark(dir string) (uint64, error) {
	data, exists, err := recordio.ReadFileIfExists(filepath.Join(dir, recordio.WatermarkFileName))
	if err != nil {
		return 0, brokererr.Wrap(brokererr.ErrStorageUnavailable, "read watermark", err)
	}
	if !exists {
		return 0, nil
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, brokererr.Wrap(brokererr.ErrCorruption, "empty watermark file", nil)
	}
	value, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, brokererr.Wrap(brokererr.ErrCorruption, "parse watermark file", err)
	}
	return value, nil
}

// ID returns this partition's numeric id.
func (s *Store) ID() uint32 {
	return s.id
}

// Append acquires the partition mutex, assigns the next offset, durably
// writes the record file, advances and durably writes the watermark, and
// returns the assigned offset. The record file is fully on stable storage
// before the watermark is advanced past it — the watermark advance is the
// commit point.
func (s *Store) Append(key, payload []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.nextOffset + 1
	recordPath := filepath.Join(s.dir, recordio.RecordFileName(next))
	encoded := recordio.Encode(s.codec, key, payload)

	if err := recordio.CreateFileDurable(recordPath, encoded, 0o644); err != nil {
		return 0, brokererr.Wrap(brokererr.ErrStorageUnavailable, fmt.Sprintf("partition %d: write record %d", s.id, next), err)
	}

	watermarkPath := filepath.Join(s.dir, recordio.WatermarkFileName)
	if err := recordio.WriteFileDurable(watermarkPath, []byte(strconv.FormatUint(next, 10)), 0o644); err != nil {
		return 0, brokererr.Wrap(brokererr.ErrStorageUnavailable, fmt.Sprintf("partition %d: advance watermark to %d", s.id, next), err)
	}

	s.nextOffset = next
	logging.Debug(s.log, "msg", "appended", "offset", next, "bytes", len(payload))
	return next, nil
}

// ErrEmpty is returned by Read when the requested offset has not been
// produced yet (the reader has caught up to the producer). It is a plain
// sentinel distinct from brokererr kinds: callers are expected to treat it
// as "not yet available," not as a failure.
var ErrEmpty = fmt.Errorf("partition: offset not yet available")

// Read returns the (key, payload) stored at offset, ErrEmpty if no record
// exists there yet, or a brokererr.ErrCorruption wrapped error for any other
// I/O or decode failure. Read holds no lock: it races
// harmlessly with Append because record files are written before the
// watermark is advanced, so a reader that probes an offset ahead of the
// real watermark simply observes "not found" rather than a torn write.
func (s *Store) Read(offset uint64) (key, payload []byte, err error) {
	path := filepath.Join(s.dir, recordio.RecordFileName(offset))
	data, exists, err := recordio.ReadFileIfExists(path)
	if err != nil {
		return nil, nil, brokererr.Wrap(brokererr.ErrCorruption, fmt.Sprintf("partition %d: read offset %d", s.id, offset), err)
	}
	if !exists {
		return nil, nil, ErrEmpty
	}
	key, payload, err = recordio.Decode(data)
	if err != nil {
		return nil, nil, brokererr.Wrap(brokererr.ErrCorruption, fmt.Sprintf("partition %d: decode offset %d", s.id, offset), err)
	}
	return key, payload, nil
}

// HighWatermark returns the current next-offset: the highest offset
// durably assigned in this partition.
func (s *Store) HighWatermark() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextOffset
}
