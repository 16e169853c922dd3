package coordinator

import (
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"

	"github.com/eferro/brokerd/internal/heartbeat"
)

func newHeartbeat(t *testing.T, dir, memberID string) *heartbeat.Monitor {
	t.Helper()
	hb, err := heartbeat.New(dir, memberID, heartbeat.Options{
		HeartbeatInterval: time.Second,
		SessionTimeout:    3 * time.Second,
	}, func() uint64 { return 0 })
	require.NoError(t, err)
	return hb
}

func TestJoinAssignsPartitionsAndBumpsGeneration(t *testing.T) {
	dir := t.TempDir()
	hb := newHeartbeat(t, dir, "m1")
	coord, err := Open(dir, Options{Partitions: 4, Strategy: "round_robin"}, hb)
	require.NoError(t, err)

	generation, partitions, err := coord.Join("m1", MemberMeta{Host: "h1"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), generation)
	require.ElementsMatch(t, []uint32{0, 1, 2, 3}, partitions)
}

func TestSecondJoinRebalancesAcrossBothMembers(t *testing.T) {
	dir := t.TempDir()
	hb1 := newHeartbeat(t, dir, "m1")
	coord1, err := Open(dir, Options{Partitions: 4, Strategy: "round_robin"}, hb1)
	require.NoError(t, err)
	_, _, err = coord1.Join("m1", MemberMeta{Host: "h1"})
	require.NoError(t, err)

	hb2 := newHeartbeat(t, dir, "m2")
	coord2, err := Open(dir, Options{Partitions: 4, Strategy: "round_robin"}, hb2)
	require.NoError(t, err)
	generation, partitions2, err := coord2.Join("m2", MemberMeta{Host: "h2"})
	require.NoError(t, err)
	require.Equal(t, uint64(2), generation)
	require.NotEmpty(t, partitions2)

	snap, err := coord1.Snapshot()
	require.NoError(t, err)
	if snap.Generation != 2 || len(snap.Assignment["m1"])+len(snap.Assignment["m2"]) != 4 {
		t.Logf("unexpected snapshot: %s", spew.Sdump(snap))
	}
	require.Equal(t, uint64(2), snap.Generation)
	require.ElementsMatch(t, []string{"m1", "m2"}, snap.Members)
	require.Equal(t, 4, len(snap.Assignment["m1"])+len(snap.Assignment["m2"]))
}

func TestLeaveReassignsRemainingMembers(t *testing.T) {
	dir := t.TempDir()
	hb1 := newHeartbeat(t, dir, "m1")
	coord1, err := Open(dir, Options{Partitions: 2, Strategy: "round_robin"}, hb1)
	require.NoError(t, err)
	_, _, err = coord1.Join("m1", MemberMeta{Host: "h1"})
	require.NoError(t, err)

	hb2 := newHeartbeat(t, dir, "m2")
	coord2, err := Open(dir, Options{Partitions: 2, Strategy: "round_robin"}, hb2)
	require.NoError(t, err)
	_, _, err = coord2.Join("m2", MemberMeta{Host: "h2"})
	require.NoError(t, err)

	require.NoError(t, coord2.Leave("m2"))

	snap, err := coord1.Snapshot()
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, snap.Members)
	require.ElementsMatch(t, []uint32{0, 1}, snap.Assignment["m1"])
}

func TestEvictOfAlreadyGoneMemberDoesNotBumpGeneration(t *testing.T) {
	dir := t.TempDir()
	hb1 := newHeartbeat(t, dir, "m1")
	coord1, err := Open(dir, Options{Partitions: 2, Strategy: "round_robin"}, hb1)
	require.NoError(t, err)
	gen1, _, err := coord1.Join("m1", MemberMeta{Host: "h1"})
	require.NoError(t, err)

	require.NoError(t, coord1.Evict(map[string]bool{"ghost": true}))

	snap, err := coord1.Snapshot()
	require.NoError(t, err)
	require.Equal(t, gen1, snap.Generation)
}

func TestSnapshotIsReadOnly(t *testing.T) {
	dir := t.TempDir()
	hb := newHeartbeat(t, dir, "m1")
	coord, err := Open(dir, Options{Partitions: 2, Strategy: "round_robin"}, hb)
	require.NoError(t, err)
	_, _, err = coord.Join("m1", MemberMeta{Host: "h1"})
	require.NoError(t, err)

	before, err := coord.Snapshot()
	require.NoError(t, err)
	after, err := coord.Snapshot()
	require.NoError(t, err)
	require.Equal(t, before.Generation, after.Generation)
}
