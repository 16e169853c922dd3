// Package coordinator implements GroupCoordinator: serialization of all
// cross-process mutations to one consumer group's membership and
// assignment state, via a single exclusive advisory file lock.
package coordinator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	multierror "github.com/hashicorp/go-multierror"

	kitlog "github.com/go-kit/log"

	"github.com/eferro/brokerd/internal/assign"
	"github.com/eferro/brokerd/internal/brokererr"
	"github.com/eferro/brokerd/internal/heartbeat"
	"github.com/eferro/brokerd/internal/logging"
	"github.com/eferro/brokerd/internal/recordio"
)

// MemberMeta is the small metadata record stored for each member.
type MemberMeta struct {
	Host     string    `json:"host"`
	PID      int       `json:"pid"`
	JoinTime time.Time `json:"join_time"`
}

// Snapshot is a read-only view of a group's committed state.
type Snapshot struct {
	Generation uint64
	Assignment map[string][]uint32
	Members    []string
}

// Coordinator mediates all mutations of one group's state.
type Coordinator struct {
	groupRoot  string
	partitions uint32
	strategy   assign.Strategy
	lock       *flock.Flock
	hb         *heartbeat.Monitor
	log        kitlog.Logger

	// lockTimeout bounds how long withLock blocks before returning
	// ErrLockContention to the caller for a retry, per spec's
	// LockContention semantics ("transient failure ... retried by the
	// member").
	lockTimeout time.Duration
}

// Options configures Open.
type Options struct {
	Partitions  uint32
	Strategy    assign.Name
	LockTimeout time.Duration // default 5s
	Logger      kitlog.Logger
}

// Open returns a Coordinator for the group rooted at groupRoot
// (consumer-groups/<group>), creating the directory structure if absent.
// hb is the heartbeat monitor used to remove a peer's heartbeat file
// alongside its membership on leave/evict.
func Open(groupRoot string, opts Options, hb *heartbeat.Monitor) (*Coordinator, error) {
	if opts.Partitions == 0 {
		return nil, fmt.Errorf("coordinator: partitions must be > 0")
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	strategy, err := assign.New(opts.Strategy)
	if err != nil {
		return nil, err
	}

	for _, sub := range []string{"", "members"} {
		if err := os.MkdirAll(filepath.Join(groupRoot, sub), 0o755); err != nil {
			return nil, brokererr.Wrap(brokererr.ErrStorageUnavailable, "create group state dir", err)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &Coordinator{
		groupRoot:   groupRoot,
		partitions:  opts.Partitions,
		strategy:    strategy,
		lock:        flock.New(filepath.Join(groupRoot, "coordinator.lock")),
		hb:          hb,
		log:         kitlog.With(logger, "component", "coordinator"),
		lockTimeout: opts.LockTimeout,
	}, nil
}

// withLock blocks (bounded by lockTimeout) to acquire the group's single
// exclusive file lock, runs fn, and releases the lock. The kernel releases
// the lock automatically if this process dies while holding it.
func (c *Coordinator) withLock(fn func() error) error {
	deadline := time.Now().Add(c.lockTimeout)
	for {
		ok, err := c.lock.TryLock()
		if err != nil {
			return brokererr.Wrap(brokererr.ErrStorageUnavailable, "acquire coordinator lock", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return brokererr.ErrLockContention
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer c.lock.Unlock()
	return fn()
}

// Join adds memberID's member file, recomputes the assignment from the new
// member set, bumps the generation, writes new members/assignment/
// generation (generation last), and returns the new generation and this
// member's owned partitions.
func (c *Coordinator) Join(memberID string, meta MemberMeta) (uint64, []uint32, error) {
	var generation uint64
	var owned []uint32

	err := c.withLock(func() error {
		if err := c.writeMember(memberID, meta); err != nil {
			return err
		}
		members, err := c.listMembers()
		if err != nil {
			return err
		}
		assignment := c.strategy.Assign(members, c.partitions)
		gen, err := c.commit(assignment)
		if err != nil {
			return err
		}
		generation = gen
		owned = assignment[memberID]
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	logging.Info(c.log, "msg", "member joined", "member", memberID, "generation", generation, "partitions", owned)
	return generation, owned, nil
}

// Leave removes memberID's member file and heartbeat, recomputes the
// assignment, and bumps the generation. Called on graceful shutdown.
func (c *Coordinator) Leave(memberID string) error {
	return c.withLock(func() error {
		if err := os.Remove(c.memberPath(memberID)); err != nil && !os.IsNotExist(err) {
			return brokererr.Wrap(brokererr.ErrStorageUnavailable, "remove member file", err)
		}
		if c.hb != nil {
			if err := c.hb.RemoveFor(memberID); err != nil {
				return err
			}
		}
		members, err := c.listMembers()
		if err != nil {
			return err
		}
		assignment := c.strategy.Assign(members, c.partitions)
		_, err = c.commit(assignment)
		return err
	})
}

// Evict removes each expired member's file and heartbeat, recomputes the
// assignment, and bumps the generation once for the whole batch. If the
// lock is acquired by a racer that has already cleared some or all of
// expired (e.g. two members raced to evict the same peer), members already
// absent are skipped without error and no generation bump occurs if the
// resulting member set is unchanged.
func (c *Coordinator) Evict(expired map[string]bool) error {
	if len(expired) == 0 {
		return nil
	}
	return c.withLock(func() error {
		before, err := c.listMembers()
		if err != nil {
			return err
		}

		var errs *multierror.Error
		removedAny := false
		for memberID := range expired {
			if err := os.Remove(c.memberPath(memberID)); err != nil {
				if !os.IsNotExist(err) {
					errs = multierror.Append(errs, fmt.Errorf("remove member %s: %w", memberID, err))
				}
				continue
			}
			removedAny = true
			if c.hb != nil {
				if err := c.hb.RemoveFor(memberID); err != nil {
					errs = multierror.Append(errs, err)
				}
			}
		}
		if errs.ErrorOrNil() != nil {
			return brokererr.Wrap(brokererr.ErrStorageUnavailable, "evict members", errs.ErrorOrNil())
		}
		if !removedAny {
			// Idempotent observation: every expired member was already
			// gone (a racing member won the lock first). No state change,
			// no generation bump.
			_ = before
			return nil
		}

		members, err := c.listMembers()
		if err != nil {
			return err
		}
		assignment := c.strategy.Assign(members, c.partitions)
		_, err = c.commit(assignment)
		return err
	})
}

// Snapshot returns a read-only view of the currently committed generation
// and assignment, without mutating anything. It still takes the lock: a
// reader must not observe a torn read-modify-write from another process.
func (c *Coordinator) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := c.withLock(func() error {
		generation, err := c.readGeneration()
		if err != nil {
			return err
		}
		assignment, err := c.readAssignment()
		if err != nil {
			return err
		}
		members, err := c.listMembers()
		if err != nil {
			return err
		}
		snap = Snapshot{Generation: generation, Assignment: assignment, Members: members}
		return nil
	})
	return snap, err
}

// commit writes the new assignment then the new generation (generation
// last, via atomic rename), the commit-ordering discipline that guarantees
// any reader observing the new generation also sees the new assignment.
// Returns the new generation.
func (c *Coordinator) commit(assignment map[string][]uint32) (uint64, error) {
	current, err := c.readGeneration()
	if err != nil {
		return 0, err
	}
	next := current + 1

	data, err := json.Marshal(assignment)
	if err != nil {
		return 0, fmt.Errorf("coordinator: marshal assignment: %w", err)
	}
	if err := recordio.WriteFileDurable(c.assignmentPath(), data, 0o644); err != nil {
		return 0, brokererr.Wrap(brokererr.ErrStorageUnavailable, "write assignment", err)
	}
	if err := recordio.WriteFileDurable(c.generationPath(), []byte(strconv.FormatUint(next, 10)), 0o644); err != nil {
		return 0, brokererr.Wrap(brokererr.ErrStorageUnavailable, "write generation", err)
	}
	return next, nil
}

func (c *Coordinator) readGeneration() (uint64, error) {
	data, exists, err := recordio.ReadFileIfExists(c.generationPath())
	if err != nil {
		return 0, brokererr.Wrap(brokererr.ErrStorageUnavailable, "read generation", err)
	}
	if !exists {
		return 0, nil
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, brokererr.Wrap(brokererr.ErrCorruption, "empty generation file", nil)
	}
	value, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, brokererr.Wrap(brokererr.ErrCorruption, "parse generation file", err)
	}
	return value, nil
}

func (c *Coordinator) readAssignment() (map[string][]uint32, error) {
	data, exists, err := recordio.ReadFileIfExists(c.assignmentPath())
	if err != nil {
		return nil, brokererr.Wrap(brokererr.ErrStorageUnavailable, "read assignment", err)
	}
	if !exists {
		return map[string][]uint32{}, nil
	}
	var assignment map[string][]uint32
	if err := json.Unmarshal(data, &assignment); err != nil {
		return nil, brokererr.Wrap(brokererr.ErrCorruption, "parse assignment file", err)
	}
	return assignment, nil
}

func (c *Coordinator) listMembers() ([]string, error) {
	entries, err := os.ReadDir(c.membersDir())
	if err != nil {
		return nil, brokererr.Wrap(brokererr.ErrStorageUnavailable, "list members", err)
	}
	members := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		members = append(members, e.Name())
	}
	sort.Strings(members)
	return members, nil
}

func (c *Coordinator) writeMember(memberID string, meta MemberMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("coordinator: marshal member meta: %w", err)
	}
	if err := recordio.WriteFileDurable(c.memberPath(memberID), data, 0o644); err != nil {
		return brokererr.Wrap(brokererr.ErrStorageUnavailable, "write member file", err)
	}
	return nil
}

func (c *Coordinator) membersDir() string       { return filepath.Join(c.groupRoot, "members") }
func (c *Coordinator) memberPath(id string) string { return filepath.Join(c.membersDir(), id) }
func (c *Coordinator) generationPath() string   { return filepath.Join(c.groupRoot, "generation") }
func (c *Coordinator) assignmentPath() string   { return filepath.Join(c.groupRoot, "assignment") }
