// Package heartbeat implements HeartbeatMonitor: publishing this member's
// liveness and observing peers' via files under
// <group-root>/.coordinator/heartbeats/<member-id>.heartbeat.
package heartbeat

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"

	"github.com/eferro/brokerd/internal/brokererr"
	"github.com/eferro/brokerd/internal/logging"
	"github.com/eferro/brokerd/internal/recordio"
)

// record is the on-disk heartbeat payload: member-id, a wall-clock
// timestamp, and the generation the member believes it is in.
type record struct {
	MemberID   string `json:"member_id"`
	TimestampU int64  `json:"timestamp_unix_nano"`
	Generation uint64 `json:"generation"`
}

// Monitor writes one member's liveness file on a fixed cadence and can scan
// all peers' files to find expired members.
type Monitor struct {
	dir              string
	memberID         string
	heartbeatInterval time.Duration
	sessionTimeout    time.Duration
	log              kitlog.Logger

	currentGeneration func() uint64

	mu     sync.Mutex
	cancel chan struct{}
	done   chan struct{}
}

// Options configures a Monitor.
type Options struct {
	HeartbeatInterval time.Duration // default 5s
	SessionTimeout    time.Duration // default 30s; must be >= 3*HeartbeatInterval
	Logger            kitlog.Logger
}

// New returns a Monitor rooted at <groupRoot>/.coordinator/heartbeats for
// memberID. currentGeneration is polled each tick to stamp the heartbeat
// file with the generation this member currently believes it is in.
func New(groupRoot, memberID string, opts Options, currentGeneration func() uint64) (*Monitor, error) {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 30 * time.Second
	}
	if opts.SessionTimeout < 3*opts.HeartbeatInterval {
		return nil, fmt.Errorf("heartbeat: session_timeout (%s) must be >= 3x heartbeat_interval (%s)", opts.SessionTimeout, opts.HeartbeatInterval)
	}

	dir := filepath.Join(groupRoot, ".coordinator", "heartbeats")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, brokererr.Wrap(brokererr.ErrStorageUnavailable, "create heartbeats dir", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &Monitor{
		dir:               dir,
		memberID:          memberID,
		heartbeatInterval: opts.HeartbeatInterval,
		sessionTimeout:    opts.SessionTimeout,
		log:               kitlog.With(logger, "component", "heartbeat", "member", memberID),
		currentGeneration: currentGeneration,
	}, nil
}

func (m *Monitor) path(memberID string) string {
	return filepath.Join(m.dir, memberID+".heartbeat")
}

// Beat writes this member's heartbeat file once, immediately (used both by
// the background loop and by callers that want an out-of-band beat right
// after joining).
func (m *Monitor) Beat() error {
	rec := record{
		MemberID:   m.memberID,
		TimestampU: time.Now().UnixNano(),
		Generation: m.currentGeneration(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("heartbeat: marshal: %w", err)
	}
	if err := recordio.WriteFileDurable(m.path(m.memberID), data, 0o644); err != nil {
		return brokererr.Wrap(brokererr.ErrStorageUnavailable, "heartbeat: write own file", err)
	}
	return nil
}

// Start begins the background tick loop, writing this member's heartbeat
// every HeartbeatInterval until Stop is called.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	m.cancel = make(chan struct{})
	m.done = make(chan struct{})
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-cancel:
				return
			case <-ticker.C:
				if err := m.Beat(); err != nil {
					logging.Warn(m.log, "msg", "heartbeat write failed", "err", err)
				}
			}
		}
	}()
}

// Stop halts the background loop and blocks until it has exited.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	close(cancel)
	<-done
}

// Remove deletes this member's own heartbeat file, used on graceful leave.
func (m *Monitor) Remove() error {
	err := os.Remove(m.path(m.memberID))
	if err != nil && !os.IsNotExist(err) {
		return brokererr.Wrap(brokererr.ErrStorageUnavailable, "heartbeat: remove own file", err)
	}
	return nil
}

// RemoveFor deletes another member's heartbeat file, used by the
// coordinator when evicting an expired peer.
func (m *Monitor) RemoveFor(memberID string) error {
	err := os.Remove(m.path(memberID))
	if err != nil && !os.IsNotExist(err) {
		return brokererr.Wrap(brokererr.ErrStorageUnavailable, "heartbeat: remove peer file", err)
	}
	return nil
}

// CheckPeers scans every heartbeat file and returns the set of member ids
// whose last heartbeat is older than SessionTimeout relative to now.
func (m *Monitor) CheckPeers(now time.Time) (map[string]bool, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.ErrStorageUnavailable, "heartbeat: list peers", err)
	}

	expired := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, exists, err := recordio.ReadFileIfExists(filepath.Join(m.dir, e.Name()))
		if err != nil || !exists {
			continue // races with a concurrent Remove are not errors
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue // a torn read during a concurrent rewrite; recheck next tick
		}
		age := now.Sub(time.Unix(0, rec.TimestampU))
		if age > m.sessionTimeout {
			expired[rec.MemberID] = true
		}
	}
	return expired, nil
}
