package recordio

import "fmt"

// OffsetWidth is the load-bearing zero-pad width for record filenames: it
// must not change, since external tools rely on lexicographic filename
// ordering matching offset ordering (spec's on-disk layout contract).
const OffsetWidth = 20

// RecordFileName returns the filename (no directory) for the record at the
// given offset, e.g. offset 42 -> "00000000000000000042.msg".
func RecordFileName(offset uint64) string {
	return fmt.Sprintf("%0*d.msg", OffsetWidth, offset)
}

// WatermarkFileName is the name of the next-offset watermark file within a
// partition directory.
const WatermarkFileName = "next_offset"

// PartitionDirName returns the directory name for partition p, e.g.
// "partition-3".
func PartitionDirName(p uint32) string {
	return fmt.Sprintf("partition-%d", p)
}
