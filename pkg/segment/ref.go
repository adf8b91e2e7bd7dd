package segment

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	filePrefix = "chunk-"
	fileSuffix = ".seg"
)

// Ref references one immutable chunk file.
type Ref struct {
	SequenceID  uint64 `json:"sequence_id"`
	Filename    string `json:"filename"`
	ByteSize    uint64 `json:"byte_size"`
	RecordCount uint64 `json:"record_count"`
	Checksum    uint64 `json:"checksum"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s(seq=%d records=%d bytes=%d)", r.Filename, r.SequenceID, r.RecordCount, r.ByteSize)
}

// Path resolves the chunk file inside dir.
func (r Ref) Path(dir string) string {
	return filepath.Join(dir, r.Filename)
}

// FileName returns the canonical chunk file name for a sequence id.
func FileName(seq uint64) string {
	return fmt.Sprintf("%s%020d%s", filePrefix, seq, fileSuffix)
}

// ParseFileName extracts the sequence id from a chunk file name.
func ParseFileName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	seq, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// TotalRecords sums the record counts of refs.
func TotalRecords(refs []Ref) uint64 {
	var n uint64
	for _, r := range refs {
		n += r.RecordCount
	}
	return n
}

// TotalBytes sums the byte sizes of refs.
func TotalBytes(refs []Ref) uint64 {
	var n uint64
	for _, r := range refs {
		n += r.ByteSize
	}
	return n
}
