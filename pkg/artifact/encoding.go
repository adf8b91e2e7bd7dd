package artifact

import (
	"encoding/binary"
	"fmt"

	"github.com/viant/bintly"

	"tabledb/pkg/dberrors"
	"tabledb/pkg/segment"
)

const (
	fileMagic   = "TART"
	fileVersion = 1
)

var (
	writers = bintly.NewWriters()
	readers = bintly.NewReaders()
)

// EncodeBinary encodes the entry to a binary stream.
func (e *Entry) EncodeBinary(stream *bintly.Writer) error {
	stream.Uint64(e.Ref.SequenceID)
	stream.String(e.Ref.Filename)
	stream.Uint64(e.Ref.ByteSize)
	stream.Uint64(e.Ref.RecordCount)
	stream.Uint64(e.Ref.Checksum)
	stream.Int16(int16(e.Status))
	stream.Time(e.UpdatedAt)
	return nil
}

// DecodeBinary decodes the entry from a binary stream.
func (e *Entry) DecodeBinary(stream *bintly.Reader) error {
	stream.Uint64(&e.Ref.SequenceID)
	stream.String(&e.Ref.Filename)
	stream.Uint64(&e.Ref.ByteSize)
	stream.Uint64(&e.Ref.RecordCount)
	stream.Uint64(&e.Ref.Checksum)
	var status int16
	stream.Int16(&status)
	e.Status = Status(status)
	stream.Time(&e.UpdatedAt)
	if e.Status < StatusActive || e.Status > StatusDeleted {
		return fmt.Errorf("chunk %d has invalid status %d", e.Ref.SequenceID, status)
	}
	return nil
}

// file layout: magic, version, bintly payload, highwayhash of payload
func encodeEntries(entries map[uint64]Entry) ([]byte, error) {
	w := writers.Get()
	defer writers.Put(w)

	w.Int(len(entries))
	for _, e := range entries {
		if err := e.EncodeBinary(w); err != nil {
			return nil, err
		}
	}
	payload := w.Bytes()

	out := make([]byte, 0, len(fileMagic)+1+len(payload)+8)
	out = append(out, fileMagic...)
	out = append(out, fileVersion)
	out = append(out, payload...)
	out = binary.LittleEndian.AppendUint64(out, segment.Checksum(payload))
	return out, nil
}

func decodeEntries(data []byte) (entries map[uint64]Entry, err error) {
	const overhead = len(fileMagic) + 1 + 8
	if len(data) < overhead {
		return nil, fmt.Errorf("%w: index file too short", dberrors.ErrCorruptSegment)
	}
	if string(data[:len(fileMagic)]) != fileMagic {
		return nil, fmt.Errorf("%w: bad index magic", dberrors.ErrCorruptSegment)
	}
	if data[len(fileMagic)] != fileVersion {
		return nil, fmt.Errorf("%w: unsupported index version %d", dberrors.ErrCorruptSegment, data[len(fileMagic)])
	}
	payload := data[len(fileMagic)+1 : len(data)-8]
	if sum := binary.LittleEndian.Uint64(data[len(data)-8:]); sum != segment.Checksum(payload) {
		return nil, fmt.Errorf("%w: artifact index", dberrors.ErrChecksumMismatch)
	}

	defer func() {
		if r := recover(); r != nil {
			entries, err = nil, fmt.Errorf("%w: malformed index payload: %v", dberrors.ErrCorruptSegment, r)
		}
	}()

	r := readers.Get()
	defer readers.Put(r)
	if err := r.FromBytes(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", dberrors.ErrCorruptSegment, err)
	}

	var n int
	r.Int(&n)
	entries = make(map[uint64]Entry, n)
	for i := 0; i < n; i++ {
		var e Entry
		if err := e.DecodeBinary(r); err != nil {
			return nil, fmt.Errorf("%w: %v", dberrors.ErrCorruptSegment, err)
		}
		entries[e.Ref.SequenceID] = e
	}
	return entries, nil
}
