// Package consumer implements ConsumerGroupMember: the per-process glue
// that joins a group, spawns one reader goroutine per owned partition,
// polls for rebalance, and commits offsets with ownership fencing.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/google/uuid"

	"github.com/eferro/brokerd/internal/assign"
	"github.com/eferro/brokerd/internal/brokererr"
	"github.com/eferro/brokerd/internal/coordinator"
	"github.com/eferro/brokerd/internal/heartbeat"
	"github.com/eferro/brokerd/internal/logging"
	"github.com/eferro/brokerd/internal/metrics"
	"github.com/eferro/brokerd/internal/offsets"
	"github.com/eferro/brokerd/internal/partition"
	"github.com/eferro/brokerd/internal/plog"
)

// Handler processes one delivered record. It is invoked synchronously from
// the owning partition's reader goroutine and must be idempotent or
// tolerant of at-least-once replay: a crash between handler invocation and
// offset commit redelivers the same record.
type Handler func(key, payload []byte, partition uint32, offset uint64) error

// Options configures Subscribe.
type Options struct {
	// Group names the consumer group; its state lives under
	// <log root>/consumer-groups/<group>.
	Group string
	// Strategy selects the assignment strategy ("round_robin" or
	// "range"); empty defaults to round_robin.
	Strategy assign.Name
	// HeartbeatInterval and SessionTimeout configure the heartbeat
	// monitor; zero values default to 5s / 30s.
	HeartbeatInterval time.Duration
	SessionTimeout    time.Duration
	// IdlePollInterval is how long a reader sleeps after observing Empty
	// before retrying; zero defaults to 100ms.
	IdlePollInterval time.Duration
	// LockTimeout bounds how long the coordinator blocks waiting for the
	// group lock before returning LockContention.
	LockTimeout time.Duration
	Logger      kitlog.Logger
	// Metrics, when non-nil, receives commit/rebalance/generation/lag
	// observations. Optional: a Member works identically without it.
	Metrics *metrics.Metrics
}

// Member is one process's participation in a consumer group.
type Member struct {
	id      string
	log     *plog.Log
	groupRoot string
	coord   *coordinator.Coordinator
	offsetStore *offsets.Store
	hb      *heartbeat.Monitor
	handler Handler
	idlePoll time.Duration
	logger  kitlog.Logger
	metrics *metrics.Metrics
	group   string

	mu          sync.Mutex
	generation  uint64
	partitions  map[uint32]bool
	readerStop  map[uint32]chan struct{}
	readerDone  map[uint32]chan struct{}

	rejoinCh chan struct{}
	closeCh  chan struct{}
	closed   bool
	wg       sync.WaitGroup
}

// Subscribe joins group, starts one reader goroutine per partition this
// member is assigned, a heartbeat loop, and a supervisor goroutine that
// polls generation and rejoins on rebalance. It blocks until the initial
// join succeeds, then returns a live Member; call Close to leave cleanly.
func Subscribe(log *plog.Log, opts Options, handler Handler) (*Member, error) {
	if opts.Group == "" {
		return nil, fmt.Errorf("consumer: group name is required")
	}
	if opts.IdlePollInterval <= 0 {
		opts.IdlePollInterval = 100 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	memberID := uuid.NewString()
	groupRoot := filepath.Join(log.Root(), "consumer-groups", opts.Group)
	if err := os.MkdirAll(groupRoot, 0o755); err != nil {
		return nil, brokererr.Wrap(brokererr.ErrStorageUnavailable, "create group root", err)
	}

	m := &Member{
		id:        memberID,
		log:       log,
		groupRoot: groupRoot,
		handler:   handler,
		idlePoll:  opts.IdlePollInterval,
		logger:    kitlog.With(logger, "component", "consumer", "group", opts.Group, "member", memberID),
		metrics:   opts.Metrics,
		group:     opts.Group,
		partitions: map[uint32]bool{},
		readerStop: map[uint32]chan struct{}{},
		readerDone: map[uint32]chan struct{}{},
		rejoinCh:  make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
	}

	offsetStore, err := offsets.New(groupRoot, memberID)
	if err != nil {
		return nil, err
	}
	m.offsetStore = offsetStore

	hb, err := heartbeat.New(groupRoot, memberID, heartbeat.Options{
		HeartbeatInterval: opts.HeartbeatInterval,
		SessionTimeout:    opts.SessionTimeout,
		Logger:            logger,
	}, m.currentGeneration)
	if err != nil {
		return nil, err
	}
	m.hb = hb

	coord, err := coordinator.Open(groupRoot, coordinator.Options{
		Partitions:  log.PartitionCount(),
		Strategy:    opts.Strategy,
		LockTimeout: opts.LockTimeout,
		Logger:      logger,
	}, hb)
	if err != nil {
		return nil, err
	}
	m.coord = coord

	generation, partitions, err := coord.Join(memberID, coordinator.MemberMeta{
		Host:     hostname(),
		PID:      os.Getpid(),
		JoinTime: time.Now(),
	})
	if err != nil {
		return nil, err
	}

	m.applyAssignment(generation, partitions)
	hb.Start()

	m.wg.Add(1)
	go m.supervisorLoop()

	return m, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func (m *Member) currentGeneration() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// MyGeneration returns the generation this member currently believes it is
// in (Steady(g, owned) in the spec's state machine).
func (m *Member) MyGeneration() uint64 {
	return m.currentGeneration()
}

// MyPartitions returns the sorted partitions this member currently owns.
func (m *Member) MyPartitions() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	owned := make([]uint32, 0, len(m.partitions))
	for p := range m.partitions {
		owned = append(owned, p)
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i] < owned[j] })
	return owned
}

// applyAssignment updates my_generation/my_partitions and starts/stops
// reader goroutines to match, the core of both initial join and rejoin.
func (m *Member) applyAssignment(generation uint64, partitions []uint32) {
	m.mu.Lock()
	newSet := make(map[uint32]bool, len(partitions))
	for _, p := range partitions {
		newSet[p] = true
	}

	var toStop []uint32
	for p := range m.partitions {
		if !newSet[p] {
			toStop = append(toStop, p)
		}
	}
	var toStart []uint32
	for p := range newSet {
		if !m.partitions[p] {
			toStart = append(toStart, p)
		}
	}
	m.generation = generation
	m.partitions = newSet
	stopChans := make([]chan struct{}, 0, len(toStop))
	doneChans := make([]chan struct{}, 0, len(toStop))
	for _, p := range toStop {
		stopChans = append(stopChans, m.readerStop[p])
		doneChans = append(doneChans, m.readerDone[p])
		delete(m.readerStop, p)
		delete(m.readerDone, p)
	}
	m.mu.Unlock()

	for i := range stopChans {
		close(stopChans[i])
		<-doneChans[i]
	}

	for _, p := range toStart {
		stop := make(chan struct{})
		done := make(chan struct{})
		m.mu.Lock()
		m.readerStop[p] = stop
		m.readerDone[p] = done
		m.mu.Unlock()
		m.wg.Add(1)
		p := p
		go func() {
			if err := m.readerLoop(p, generation, stop, done); err != nil {
				logging.Info(m.logger, "msg", "reader stopped", "partition", p, "generation", generation, "err", err)
			}
		}()
	}

	if m.metrics != nil {
		m.metrics.CurrentGeneration.Set(float64(generation))
	}
	logging.Info(m.logger, "msg", "assignment applied", "generation", generation, "partitions", partitions)
}

// triggerRejoin is called by a reader or the heartbeat path when it
// observes a generation mismatch or a peer expiry; it is non-blocking and
// coalesces multiple signals into a single rejoin.
func (m *Member) triggerRejoin() {
	select {
	case m.rejoinCh <- struct{}{}:
	default:
	}
}

// supervisorLoop owns rejoin: on every tick it checks for expired peers and
// polls the committed generation, and whenever a reader signals a fence
// failure it reacts to that too. Either signal calls Evict (if needed) and
// Snapshot, then re-applies the assignment — this is what lets a steady
// member notice another member's Join bumped the generation out from under
// it, not just its own peer-expiry observations.
func (m *Member) supervisorLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.idlePoll * 5)
	defer ticker.Stop()
	for {
		select {
		case <-m.closeCh:
			return
		case <-ticker.C:
			m.checkPeersAndEvict()
			m.checkCommittedGeneration()
		case <-m.rejoinCh:
			m.rejoin()
		}
	}
}

func (m *Member) checkPeersAndEvict() {
	expired, err := m.hb.CheckPeers(time.Now())
	if err != nil {
		logging.Warn(m.logger, "msg", "check peers failed", "err", err)
		return
	}
	if len(expired) == 0 {
		return
	}
	if err := m.coord.Evict(expired); err != nil {
		logging.Warn(m.logger, "msg", "evict failed", "err", err)
		return
	}
	m.triggerRejoin()
}

// checkCommittedGeneration reads the coordinator's committed generation and
// triggers a rejoin if it has moved past the generation this member last
// applied — the path that detects a peer's Join/Leave/Evict without this
// member itself having observed a heartbeat expiry.
func (m *Member) checkCommittedGeneration() {
	snap, err := m.coord.Snapshot()
	if err != nil {
		logging.Warn(m.logger, "msg", "snapshot failed during generation check", "err", err)
		return
	}
	if snap.Generation != m.currentGeneration() {
		m.triggerRejoin()
	}
}

func (m *Member) rejoin() {
	snap, err := m.coord.Snapshot()
	if err != nil {
		logging.Warn(m.logger, "msg", "snapshot failed during rejoin", "err", err)
		return
	}
	if snap.Generation == m.currentGeneration() {
		return
	}
	if m.metrics != nil {
		m.metrics.Rebalances.Inc()
	}
	m.applyAssignment(snap.Generation, snap.Assignment[m.id])
}

// readerLoop is the fence → read → process → commit cycle for one owned
// partition, running under the generation it was started with. Its return
// value is the sentinel describing why it stopped (brokererr.
// ErrRebalanceInProgress, brokererr.ErrNotOwner, or nil for a clean stop),
// or the underlying error when a partition lookup, offset load, read, or
// commit fails, per the spec's "exceptions for control flow" design: rebalance detection
// is a sentinel return from the reader, not a side-channel signal.
func (m *Member) readerLoop(p uint32, myGeneration uint64, stop <-chan struct{}, done chan<- struct{}) error {
	defer m.wg.Done()
	defer close(done)

	store, err := m.log.Partition(p)
	if err != nil {
		logging.Error(m.logger, "msg", "partition lookup failed", "partition", p, "err", err)
		return err
	}

	next, err := m.offsetStore.Load(p)
	if err != nil {
		logging.Error(m.logger, "msg", "load committed offset failed", "partition", p, "err", err)
		return err
	}
	next++

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		if m.currentGeneration() != myGeneration {
			m.triggerRejoin()
			return brokererr.ErrRebalanceInProgress
		}

		key, payload, err := store.Read(next)
		if err != nil {
			if isEmpty(err) {
				if sleepOrStop(m.idlePoll, stop) {
					return nil
				}
				continue
			}
			logging.Error(m.logger, "msg", "read failed", "partition", p, "offset", next, "err", err)
			return err
		}

		if err := m.handler(key, payload, p, next); err != nil {
			logging.Warn(m.logger, "msg", "handler error, will retry", "partition", p, "offset", next, "err", err)
			if sleepOrStop(m.idlePoll, stop) {
				return nil
			}
			continue
		}

		if m.currentGeneration() != myGeneration || !m.owns(p) {
			return brokererr.ErrNotOwner
		}

		if err := m.offsetStore.Commit(p, next); err != nil {
			logging.Error(m.logger, "msg", "commit failed", "partition", p, "offset", next, "err", err)
			return err
		}
		if m.metrics != nil {
			partitionLabel := strconv.FormatUint(uint64(p), 10)
			m.metrics.OffsetsCommitted.WithLabelValues(m.group, partitionLabel).Inc()
			m.metrics.ReaderLag.WithLabelValues(m.group, partitionLabel).Set(float64(store.HighWatermark() - next))
		}
		next++
	}
}

func (m *Member) owns(p uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.partitions[p]
}

func sleepOrStop(d time.Duration, stop <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stop:
		return true
	case <-timer.C:
		return false
	}
}

func isEmpty(err error) bool {
	return errors.Is(err, partition.ErrEmpty)
}

// Close stops all readers (no separate final commit is needed: each
// successful handler call is committed before the reader moves on), stops
// the heartbeat loop, removes this member's heartbeat file, and calls
// GroupCoordinator.Leave. Calls after the first are no-ops returning nil.
func (m *Member) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	stopChans := make([]chan struct{}, 0, len(m.readerStop))
	for _, ch := range m.readerStop {
		stopChans = append(stopChans, ch)
	}
	m.mu.Unlock()

	close(m.closeCh)
	for _, ch := range stopChans {
		close(ch)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	m.hb.Stop()
	if err := m.hb.Remove(); err != nil {
		logging.Warn(m.logger, "msg", "remove heartbeat on leave failed", "err", err)
	}
	return m.coord.Leave(m.id)
}

// ID returns this member's uuid, stable for the process's membership
// lifetime.
func (m *Member) ID() string {
	return m.id
}
