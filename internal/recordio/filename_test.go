package recordio

import "testing"

func TestRecordFileNameWidth(t *testing.T) {
	got := RecordFileName(42)
	want := "00000000000000000042.msg"
	if got != want {
		t.Errorf("RecordFileName(42) = %q, want %q", got, want)
	}
	if len(got) != OffsetWidth+len(".msg") {
		t.Errorf("RecordFileName width = %d, want %d", len(got), OffsetWidth+len(".msg"))
	}
}

func TestRecordFileNameLexicographicOrder(t *testing.T) {
	small := RecordFileName(9)
	big := RecordFileName(10)
	if !(small < big) {
		t.Errorf("expected %q < %q lexicographically", small, big)
	}
}

func TestPartitionDirName(t *testing.T) {
	if got := PartitionDirName(3); got != "partition-3" {
		t.Errorf("PartitionDirName(3) = %q", got)
	}
}
