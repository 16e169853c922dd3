package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/eferro/brokerd/internal/plog"
)

func TestSubscribeConsumesProducedRecords(t *testing.T) {
	dir := t.TempDir()
	log, err := plog.Open(dir, plog.Options{Partitions: 2})
	if err != nil {
		t.Fatalf("plog.Open: %v", err)
	}

	const want = 5
	for i := 0; i < want; i++ {
		if _, _, err := log.Produce([]byte("k"), []byte("v")); err != nil {
			t.Fatalf("Produce: %v", err)
		}
	}

	var mu sync.Mutex
	received := 0
	handler := func(key, payload []byte, partition uint32, offset uint64) error {
		mu.Lock()
		received++
		mu.Unlock()
		return nil
	}

	member, err := Subscribe(log, Options{
		Group:             "test-group",
		HeartbeatInterval: 50 * time.Millisecond,
		SessionTimeout:    200 * time.Millisecond,
		IdlePollInterval:  10 * time.Millisecond,
	}, handler)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = member.Close(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := received
		mu.Unlock()
		if got == want {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if received != want {
		t.Errorf("received %d records, want %d", received, want)
	}
}

func TestSoleMemberOwnsAllPartitions(t *testing.T) {
	dir := t.TempDir()
	log, err := plog.Open(dir, plog.Options{Partitions: 3})
	if err != nil {
		t.Fatalf("plog.Open: %v", err)
	}

	member, err := Subscribe(log, Options{
		Group:             "g",
		HeartbeatInterval: 50 * time.Millisecond,
		SessionTimeout:    200 * time.Millisecond,
	}, func(key, payload []byte, partition uint32, offset uint64) error { return nil })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = member.Close(ctx)
	}()

	if got := len(member.MyPartitions()); got != 3 {
		t.Errorf("sole member owns %d partitions, want 3", got)
	}
	if got := member.MyGeneration(); got != 1 {
		t.Errorf("sole member generation = %d, want 1", got)
	}
}

func TestSecondMemberJoinRebalancesFirstMemberViaGenerationPoll(t *testing.T) {
	dir := t.TempDir()
	log, err := plog.Open(dir, plog.Options{Partitions: 4})
	if err != nil {
		t.Fatalf("plog.Open: %v", err)
	}

	noop := func(key, payload []byte, partition uint32, offset uint64) error { return nil }

	a, err := Subscribe(log, Options{
		Group:             "g",
		HeartbeatInterval: 20 * time.Millisecond,
		SessionTimeout:    100 * time.Millisecond,
		IdlePollInterval:  10 * time.Millisecond,
	}, noop)
	if err != nil {
		t.Fatalf("Subscribe a: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = a.Close(ctx)
	}()

	if got := len(a.MyPartitions()); got != 4 {
		t.Fatalf("sole member a owns %d partitions, want 4", got)
	}

	b, err := Subscribe(log, Options{
		Group:             "g",
		HeartbeatInterval: 20 * time.Millisecond,
		SessionTimeout:    100 * time.Millisecond,
		IdlePollInterval:  10 * time.Millisecond,
	}, noop)
	if err != nil {
		t.Fatalf("Subscribe b: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Close(ctx)
	}()

	// a's supervisor only polls the committed generation on its own ticker
	// (idlePoll*5 = 50ms here); give it several ticks to notice b's Join
	// bumped the generation and rejoin with a shrunk assignment.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.MyGeneration() == b.MyGeneration() && len(a.MyPartitions())+len(b.MyPartitions()) == 4 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if a.MyGeneration() != b.MyGeneration() {
		t.Fatalf("a and b disagree on generation: a=%d b=%d", a.MyGeneration(), b.MyGeneration())
	}

	ownerOf := map[uint32]string{}
	for _, p := range a.MyPartitions() {
		ownerOf[p] = "a"
	}
	for _, p := range b.MyPartitions() {
		if existing, ok := ownerOf[p]; ok {
			t.Fatalf("partition %d owned by both %s and b", p, existing)
		}
		ownerOf[p] = "b"
	}
	if len(ownerOf) != 4 {
		t.Fatalf("expected all 4 partitions owned exactly once between a and b, got %v", ownerOf)
	}
	if len(a.MyPartitions()) == 4 {
		t.Error("a kept its full stale assignment after b joined; expected a rebalance")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	log, err := plog.Open(dir, plog.Options{Partitions: 1})
	if err != nil {
		t.Fatalf("plog.Open: %v", err)
	}

	member, err := Subscribe(log, Options{
		Group:             "g",
		HeartbeatInterval: 50 * time.Millisecond,
		SessionTimeout:    200 * time.Millisecond,
	}, func(key, payload []byte, partition uint32, offset uint64) error { return nil })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := member.Close(ctx); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := member.Close(ctx); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
}
