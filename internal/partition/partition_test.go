package partition

import (
	"errors"
	"testing"

	"github.com/eferro/brokerd/internal/brokererr"
	"github.com/eferro/brokerd/internal/recordio"
)

func TestAppendAssignsSequentialOffsets(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, 0, recordio.CodecNone, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 1; i <= 3; i++ {
		offset, err := store.Append([]byte("k"), []byte("v"))
		if err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
		if offset != uint64(i) {
			t.Errorf("Append #%d offset = %d, want %d", i, offset, i)
		}
	}
	if got := store.HighWatermark(); got != 3 {
		t.Errorf("HighWatermark = %d, want 3", got)
	}
}

func TestReadReturnsWhatWasAppended(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, 0, recordio.CodecNone, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	offset, err := store.Append([]byte("mykey"), []byte("myvalue"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	key, payload, err := store.Read(offset)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(key) != "mykey" || string(payload) != "myvalue" {
		t.Errorf("Read = (%q, %q), want (mykey, myvalue)", key, payload)
	}
}

func TestReadUnproducedOffsetReturnsErrEmpty(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, 0, recordio.CodecNone, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	_, _, err = store.Read(1)
	if !errors.Is(err, ErrEmpty) {
		t.Errorf("Read of unproduced offset = %v, want ErrEmpty", err)
	}
}

func TestOpenRecoversWatermarkAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, 2, recordio.CodecNone, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := store.Append([]byte("k"), []byte("v")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	reopened, err := Open(dir, 2, recordio.CodecNone, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := reopened.HighWatermark(); got != 5 {
		t.Errorf("reopened HighWatermark = %d, want 5", got)
	}
	next, err := reopened.Append([]byte("k"), []byte("v"))
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if next != 6 {
		t.Errorf("Append after reopen = %d, want 6", next)
	}
}

func TestOpenCorruptWatermarkFails(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, 0, recordio.CodecNone, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := recordio.WriteFileDurable(dir+"/partition-0/"+recordio.WatermarkFileName, []byte("not-a-number"), 0o644); err != nil {
		t.Fatalf("corrupt watermark: %v", err)
	}
	_ = store

	if _, err := Open(dir, 0, recordio.CodecNone, nil); !errors.Is(err, brokererr.ErrCorruption) {
		t.Errorf("expected ErrCorruption reopening with a corrupt watermark, got %v", err)
	}
}
