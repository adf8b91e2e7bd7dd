package segment

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"tabledb/pkg/dberrors"
	"tabledb/pkg/msg"
)

func records(n int) []msg.Object {
	out := make([]msg.Object, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, msg.NewObject(
			msg.F(1, msg.Int64(int64(i))),
			msg.F(2, msg.String("payload payload payload")),
		))
	}
	return out
}

func TestWriteReadFile(t *testing.T) {
	for _, codec := range []Codec{CodecNone, CodecSnappy, CodecZstd} {
		t.Run(codec.String(), func(t *testing.T) {
			dir := t.TempDir()
			want := records(50)

			ref, err := Writer{Codec: codec}.WriteFile(dir, 7, want)
			require.NoError(t, err)
			require.Equal(t, uint64(7), ref.SequenceID)
			require.Equal(t, FileName(7), ref.Filename)
			require.Equal(t, uint64(50), ref.RecordCount)

			info, err := os.Stat(ref.Path(dir))
			require.NoError(t, err)
			require.Equal(t, ref.ByteSize, uint64(info.Size()))

			got, err := ReadFile(ref.Path(dir))
			require.NoError(t, err)
			require.Len(t, got, len(want))
			for i := range want {
				require.True(t, got[i].Equal(want[i]), "record %d differs", i)
			}

			require.NoError(t, Verify(ref.Path(dir), ref, true))
		})
	}
}

func TestEmptySegment(t *testing.T) {
	data, err := Writer{}.Encode(nil)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDecodeCorrupt(t *testing.T) {
	data, err := Writer{}.Encode(records(5))
	require.NoError(t, err)

	cases := map[string][]byte{
		"short":     data[:10],
		"truncated": data[:len(data)-3],
		"bad magic": append([]byte("XSEG"), data[4:]...),
	}
	flipped := append([]byte(nil), data...)
	flipped[headerSize] ^= 0xff
	cases["flipped payload"] = flipped

	for name, blob := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(blob)
			require.True(t, errors.Is(err, dberrors.ErrCorruptSegment), "got %v", err)
		})
	}
}

func TestVerifyDetectsDamage(t *testing.T) {
	dir := t.TempDir()
	ref, err := Writer{}.WriteFile(dir, 1, records(3))
	require.NoError(t, err)
	path := ref.Path(dir)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[headerSize] ^= 0x01
	require.NoError(t, os.WriteFile(path, data, 0o644))

	require.NoError(t, Verify(path, ref, false), "size is unchanged")
	require.ErrorIs(t, Verify(path, ref, true), dberrors.ErrChecksumMismatch)

	require.NoError(t, os.WriteFile(path, data[:len(data)-1], 0o644))
	require.ErrorIs(t, Verify(path, ref, false), dberrors.ErrCorruptSegment)

	require.NoError(t, os.Remove(path))
	require.True(t, os.IsNotExist(Verify(path, ref, false)))
}

func TestFileNames(t *testing.T) {
	seq, ok := ParseFileName(FileName(12345))
	require.True(t, ok)
	require.Equal(t, uint64(12345), seq)

	for _, name := range []string{"chunk-x.seg", "gen-1.json", "chunk-00000000000000000001.seg.tmp", filepath.Join("a", "b")} {
		_, ok := ParseFileName(name)
		require.False(t, ok, name)
	}
}

func TestParseCodec(t *testing.T) {
	for _, name := range []string{"", "none", "snappy", "zstd"} {
		_, err := ParseCodec(name)
		require.NoError(t, err)
	}
	_, err := ParseCodec("lz4")
	require.Error(t, err)
}
