package heartbeat

import (
	"testing"
	"time"
)

func gen() uint64 { return 1 }

func TestNewRejectsSessionTimeoutBelow3xHeartbeat(t *testing.T) {
	_, err := New(t.TempDir(), "m1", Options{
		HeartbeatInterval: 10 * time.Second,
		SessionTimeout:    20 * time.Second,
	}, gen)
	if err == nil {
		t.Error("expected error when session_timeout < 3x heartbeat_interval")
	}
}

func TestBeatThenCheckPeersNotExpired(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, "m1", Options{HeartbeatInterval: time.Second, SessionTimeout: 3 * time.Second}, gen)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Beat(); err != nil {
		t.Fatalf("Beat: %v", err)
	}

	expired, err := m.CheckPeers(time.Now())
	if err != nil {
		t.Fatalf("CheckPeers: %v", err)
	}
	if expired["m1"] {
		t.Error("freshly-beaten member reported expired")
	}
}

func TestCheckPeersFlagsStaleHeartbeat(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, "m1", Options{HeartbeatInterval: time.Second, SessionTimeout: 3 * time.Second}, gen)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Beat(); err != nil {
		t.Fatalf("Beat: %v", err)
	}

	future := time.Now().Add(time.Hour)
	expired, err := m.CheckPeers(future)
	if err != nil {
		t.Fatalf("CheckPeers: %v", err)
	}
	if !expired["m1"] {
		t.Error("expected stale heartbeat to be flagged as expired")
	}
}

func TestRemoveDeletesOwnFile(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, "m1", Options{HeartbeatInterval: time.Second, SessionTimeout: 3 * time.Second}, gen)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Beat(); err != nil {
		t.Fatalf("Beat: %v", err)
	}
	if err := m.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	expired, err := m.CheckPeers(time.Now())
	if err != nil {
		t.Fatalf("CheckPeers: %v", err)
	}
	if len(expired) != 0 {
		t.Errorf("expected no peers after Remove, got %v", expired)
	}
}

func TestStartStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, "m1", Options{HeartbeatInterval: 10 * time.Millisecond, SessionTimeout: 100 * time.Millisecond}, gen)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Start()
	m.Start() // second call must be a no-op, not a second goroutine
	time.Sleep(30 * time.Millisecond)
	m.Stop()
	m.Stop() // second call must not block or panic
}
