package segment

import (
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/minio/highwayhash"
	"golang.org/x/exp/mmap"

	"tabledb/pkg/dberrors"
	"tabledb/pkg/fsutil"
	"tabledb/pkg/msg"
)

const (
	magic       = "TSEG"
	version     = 1
	headerSize  = 16
	trailerSize = 8
)

var checksumKey = []byte("tabledb-segment-checksum-key-v01")

// Checksum is the HighwayHash-64 of a whole segment file.
func Checksum(data []byte) uint64 {
	return highwayhash.Sum64(data, checksumKey)
}

// NewHash returns a streaming hash producing the same value as Checksum.
func NewHash() (hash.Hash64, error) {
	return highwayhash.New64(checksumKey)
}

// ChecksumReader hashes everything r yields.
func ChecksumReader(r io.Reader) (uint64, error) {
	h, err := NewHash()
	if err != nil {
		return 0, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

// Builder accumulates records for one segment in order.
type Builder struct {
	codec   Codec
	payload []byte
	count   uint64
}

func NewBuilder(codec Codec) *Builder {
	return &Builder{codec: codec}
}

func (b *Builder) Add(obj msg.Object) error {
	var err error
	b.payload, err = msg.AppendRecord(b.payload, obj)
	if err != nil {
		return fmt.Errorf("failed to encode record %d: %w", b.count, err)
	}
	b.count++
	return nil
}

func (b *Builder) Count() uint64 {
	return b.count
}

// Finish returns the complete segment bytes.
func (b *Builder) Finish() ([]byte, error) {
	compressed, err := b.codec.compress(b.payload)
	if err != nil {
		return nil, fmt.Errorf("failed to compress segment: %w", err)
	}

	out := make([]byte, 0, headerSize+len(compressed)+trailerSize)
	out = append(out, magic...)
	out = append(out, version, byte(b.codec), 0, 0)
	out = binary.LittleEndian.AppendUint64(out, b.count)
	out = append(out, compressed...)
	out = binary.LittleEndian.AppendUint64(out, uint64(len(compressed)))
	return out, nil
}

// Writer serialises ordered records into chunk files.
type Writer struct {
	Codec Codec
}

// Encode turns ordered records into segment bytes.
func (w Writer) Encode(records []msg.Object) ([]byte, error) {
	b := NewBuilder(w.Codec)
	for _, rec := range records {
		if err := b.Add(rec); err != nil {
			return nil, err
		}
	}
	return b.Finish()
}

// WriteFile durably writes records as the chunk for seq inside dir.
func (w Writer) WriteFile(dir string, seq uint64, records []msg.Object) (Ref, error) {
	b := NewBuilder(w.Codec)
	for _, rec := range records {
		if err := b.Add(rec); err != nil {
			return Ref{}, err
		}
	}
	return WriteBuilt(dir, seq, b)
}

// WriteBuilt finishes b and writes it as the chunk for seq inside dir.
func WriteBuilt(dir string, seq uint64, b *Builder) (Ref, error) {
	data, err := b.Finish()
	if err != nil {
		return Ref{}, err
	}
	return WriteRaw(dir, seq, data, b.Count())
}

// WriteRaw writes already encoded segment bytes as the chunk for seq.
func WriteRaw(dir string, seq uint64, data []byte, records uint64) (Ref, error) {
	name := FileName(seq)
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, name), data, 0o644); err != nil {
		return Ref{}, fmt.Errorf("failed to write chunk %d: %w", seq, err)
	}
	return Ref{
		SequenceID:  seq,
		Filename:    name,
		ByteSize:    uint64(len(data)),
		RecordCount: records,
		Checksum:    Checksum(data),
	}, nil
}

// Decode parses segment bytes back into ordered records.
func Decode(data []byte) ([]msg.Object, error) {
	count, payload, codec, err := parse(data)
	if err != nil {
		return nil, err
	}

	raw, err := codec.decompress(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decompress payload: %v", dberrors.ErrCorruptSegment, err)
	}
	records, err := msg.ReadRecords(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dberrors.ErrCorruptSegment, err)
	}
	if uint64(len(records)) != count {
		return nil, fmt.Errorf("%w: header declares %d records, payload holds %d", dberrors.ErrCorruptSegment, count, len(records))
	}
	return records, nil
}

// RecordCount reads the record count from the segment header.
func RecordCount(data []byte) (uint64, error) {
	count, _, _, err := parse(data)
	return count, err
}

func parse(data []byte) (uint64, []byte, Codec, error) {
	if len(data) < headerSize+trailerSize {
		return 0, nil, 0, fmt.Errorf("%w: %d bytes is shorter than header and trailer", dberrors.ErrCorruptSegment, len(data))
	}
	if string(data[:4]) != magic {
		return 0, nil, 0, fmt.Errorf("%w: bad magic", dberrors.ErrCorruptSegment)
	}
	if data[4] != version {
		return 0, nil, 0, fmt.Errorf("%w: unsupported version %d", dberrors.ErrCorruptSegment, data[4])
	}
	codec := Codec(data[5])
	if codec > CodecZstd {
		return 0, nil, 0, fmt.Errorf("%w: unknown codec %d", dberrors.ErrCorruptSegment, data[5])
	}
	count := binary.LittleEndian.Uint64(data[8:headerSize])
	payloadLen := binary.LittleEndian.Uint64(data[len(data)-trailerSize:])
	if payloadLen != uint64(len(data)-headerSize-trailerSize) {
		return 0, nil, 0, fmt.Errorf("%w: trailer declares %d payload bytes, file holds %d", dberrors.ErrCorruptSegment, payloadLen, len(data)-headerSize-trailerSize)
	}
	return count, data[headerSize : len(data)-trailerSize], codec, nil
}

// ReadFile reads a chunk file through a memory mapping.
func ReadFile(path string) ([]msg.Object, error) {
	data, err := readMapped(path)
	if err != nil {
		return nil, err
	}
	records, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return records, nil
}

func readMapped(path string) ([]byte, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk %s: %w", filepath.Base(path), err)
	}
	defer r.Close()

	data := make([]byte, r.Len())
	if _, err := r.ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read chunk %s: %w", filepath.Base(path), err)
	}
	return data, nil
}

// ReadRaw returns the exact bytes of a chunk file.
func ReadRaw(path string) ([]byte, error) {
	return readMapped(path)
}

// Verify checks that the chunk file for ref exists with the recorded size
// and, when checkChecksum is set, the recorded checksum.
func Verify(path string, ref Ref, checkChecksum bool) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if uint64(info.Size()) != ref.ByteSize {
		return fmt.Errorf("%w: %s is %d bytes, expected %d", dberrors.ErrCorruptSegment, ref.Filename, info.Size(), ref.ByteSize)
	}
	if !checkChecksum {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sum, err := ChecksumReader(f)
	if err != nil {
		return fmt.Errorf("failed to hash %s: %w", ref.Filename, err)
	}
	if sum != ref.Checksum {
		return fmt.Errorf("%w: %s has %016x, expected %016x", dberrors.ErrChecksumMismatch, ref.Filename, sum, ref.Checksum)
	}
	return nil
}
