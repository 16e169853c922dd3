// Package offsets implements OffsetStore: durable per-partition committed
// offset storage for one consumer group.
package offsets

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/eferro/brokerd/internal/brokererr"
	"github.com/eferro/brokerd/internal/recordio"
)

// Store persists committed offsets for one group under
// consumer-groups/<group>/offsets/partition-<p>.offset. It performs no
// ownership check; ownership is enforced by the consumer member.
type Store struct {
	dir      string
	memberID string
	seq      uint64
}

// New returns a Store rooted at consumer-groups/<group>/offsets under
// groupRoot. memberID is embedded in this store's temp-file names so two
// members in the same group never collide on a temp name during a
// rebalance window.
func New(groupRoot, memberID string) (*Store, error) {
	dir := filepath.Join(groupRoot, "offsets")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, brokererr.Wrap(brokererr.ErrStorageUnavailable, "create offsets dir", err)
	}
	return &Store{dir: dir, memberID: memberID}, nil
}

func (s *Store) path(p uint32) string {
	return filepath.Join(s.dir, fmt.Sprintf("partition-%d.offset", p))
}

// Load returns the committed offset for partition p, or 0 if no commit has
// ever been made for it (a fresh partition for this group).
func (s *Store) Load(p uint32) (uint64, error) {
	data, exists, err := recordio.ReadFileIfExists(s.path(p))
	if err != nil {
		return 0, brokererr.Wrap(brokererr.ErrStorageUnavailable, fmt.Sprintf("offsets: read partition %d", p), err)
	}
	if !exists {
		return 0, nil
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, brokererr.Wrap(brokererr.ErrCorruption, fmt.Sprintf("offsets: empty offset file for partition %d", p), nil)
	}
	value, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, brokererr.Wrap(brokererr.ErrCorruption, fmt.Sprintf("offsets: parse offset for partition %d", p), err)
	}
	return value, nil
}

// Commit atomically writes offset for partition p: write-to-temp (named
// with this store's member id and an internal counter so repeated commits
// from the same member never reuse a name either) then rename-over, so a
// concurrent reader of the canonical path observes either the previous
// committed integer or the new one, never a partial write.
func (s *Store) Commit(p uint32, offset uint64) error {
	suffix := fmt.Sprintf("%s.%d", s.memberID, atomic.AddUint64(&s.seq, 1))
	if err := recordio.WriteFileDurableNamed(s.path(p), suffix, []byte(strconv.FormatUint(offset, 10)), 0o644); err != nil {
		return brokererr.Wrap(brokererr.ErrStorageUnavailable, fmt.Sprintf("offsets: commit partition %d", p), err)
	}
	return nil
}
