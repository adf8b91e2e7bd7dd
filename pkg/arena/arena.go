package arena

import (
	"sync/atomic"

	"tabledb/pkg/dberrors"
	"tabledb/pkg/msg"
)

// per-record bookkeeping on top of the encoded payload
const recordOverhead = 8

// Arena buffers pending records of one table replica until they are flushed
// into a chunk. Mutation is not synchronised: the owning writer serialises
// AddRecord and Flush. ApproximateSize may be read concurrently.
type Arena struct {
	records []msg.Object
	size    atomic.Uint64
	sealed  atomic.Bool
}

func New() *Arena {
	return &Arena{}
}

// AddRecord appends obj in insertion order.
func (a *Arena) AddRecord(obj msg.Object) error {
	if a.sealed.Load() {
		return dberrors.ErrArenaSealed
	}
	a.records = append(a.records, obj)
	a.size.Add(uint64(msg.EncodedSize(obj)) + recordOverhead)
	return nil
}

func (a *Arena) Len() int {
	return len(a.records)
}

func (a *Arena) Empty() bool {
	return len(a.records) == 0
}

// ApproximateSize estimates the buffered bytes.
func (a *Arena) ApproximateSize() uint64 {
	return a.size.Load()
}

// Flush seals the arena and hands over its records. It succeeds once.
func (a *Arena) Flush() ([]msg.Object, error) {
	if !a.sealed.CompareAndSwap(false, true) {
		return nil, dberrors.ErrArenaSealed
	}
	records := a.records
	a.records = nil
	return records, nil
}

func (a *Arena) Sealed() bool {
	return a.sealed.Load()
}
