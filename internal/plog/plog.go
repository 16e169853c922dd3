// Package plog implements PartitionedLog: the routing and lifecycle owner
// of a log's N partitions. It is the sole legitimate path by which new
// records enter the system.
package plog

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cespare/xxhash/v2"
	kitlog "github.com/go-kit/log"

	"github.com/eferro/brokerd/internal/brokererr"
	"github.com/eferro/brokerd/internal/logging"
	"github.com/eferro/brokerd/internal/metrics"
	"github.com/eferro/brokerd/internal/partition"
	"github.com/eferro/brokerd/internal/recordio"
)

// Log holds the N partition stores for one broker root directory.
type Log struct {
	root    string
	stores  []*partition.Store
	log     kitlog.Logger
	metrics *metrics.Metrics
}

// Options configures Open.
type Options struct {
	// Partitions is the partition count N, immutable for the lifetime of a
	// log instance. Required, must be > 0.
	Partitions uint32
	// Compression selects the on-disk payload codec ("none" or "snappy").
	Compression string
	Logger      kitlog.Logger
	// Metrics, when non-nil, receives a RecordsProduced observation per
	// successful Produce call.
	Metrics *metrics.Metrics
}

// Open creates root and partition-0..partition-(N-1) directories if
// absent, opens each store loading its watermark, and returns a Log whose
// partition count is fixed for its lifetime.
func Open(root string, opts Options) (*Log, error) {
	if opts.Partitions == 0 {
		return nil, fmt.Errorf("plog: partition count must be > 0")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, brokererr.Wrap(brokererr.ErrStorageUnavailable, "create log root", err)
	}

	codec, err := recordio.ParseCodec(opts.Compression)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	stores := make([]*partition.Store, opts.Partitions)
	for i := uint32(0); i < opts.Partitions; i++ {
		store, err := partition.Open(root, i, codec, logger)
		if err != nil {
			return nil, err
		}
		stores[i] = store
	}

	return &Log{root: root, stores: stores, log: kitlog.With(logger, "component", "plog"), metrics: opts.Metrics}, nil
}

// PartitionCount returns N, the immutable partition count for this log.
func (l *Log) PartitionCount() uint32 {
	return uint32(len(l.stores))
}

// Partition returns the numbered partition's store. It is used by the
// consumer side to read and by administrative tooling to inspect
// watermarks; producers should go through Produce.
func (l *Log) Partition(id uint32) (*partition.Store, error) {
	if id >= uint32(len(l.stores)) {
		return nil, fmt.Errorf("plog: partition %d out of range [0,%d)", id, len(l.stores))
	}
	return l.stores[id], nil
}

// Produce computes p = stable_hash(key) mod N and appends payload to
// partition p, returning the assigned (partition, offset). stable_hash is
// 64-bit xxHash: deterministic across processes and restarts, satisfying
// the routing rule's only hard requirement.
func (l *Log) Produce(key, payload []byte) (uint32, uint64, error) {
	p := PartitionFor(key, uint32(len(l.stores)))
	offset, err := l.stores[p].Append(key, payload)
	if err != nil {
		return 0, 0, err
	}
	if l.metrics != nil {
		l.metrics.RecordsProduced.WithLabelValues(strconv.FormatUint(uint64(p), 10)).Inc()
	}
	return p, offset, nil
}

// PartitionFor computes the routing partition for key given n partitions.
// Exposed standalone so callers such as tests can compute routing without
// going through a Log.
func PartitionFor(key []byte, n uint32) uint32 {
	if n == 0 {
		return 0
	}
	h := xxhash.Sum64(key)
	return uint32(h % uint64(n))
}

// Root returns the log's root directory, used by the group coordinator and
// consumer to derive sibling state directories (consumer-groups/,
// .coordinator/) next to the partition directories.
func (l *Log) Root() string {
	return l.root
}

// DiscoverPartitionCount lists root for partition-<N> directories and
// returns the highest N+1 found, or an error if none exist. This replaces
// the teacher's separate metadata.json bookkeeping: partition directories
// are self-describing, so a second process opening the same root with the
// same configured partition count needs no extra metadata file to agree on
// layout.
func DiscoverPartitionCount(root string) (uint32, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, brokererr.Wrap(brokererr.ErrStorageUnavailable, "list log root", err)
	}
	var max uint32
	found := false
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var n uint32
		if _, err := fmt.Sscanf(e.Name(), "partition-%d", &n); err == nil && filepath.Base(e.Name()) == fmt.Sprintf("partition-%d", n) {
			found = true
			if n+1 > max {
				max = n + 1
			}
		}
	}
	if !found {
		return 0, fmt.Errorf("plog: no partition directories found under %s", root)
	}
	return max, nil
}
