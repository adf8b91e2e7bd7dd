package segment

import (
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Codec selects the compression of a segment payload.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecSnappy
	CodecZstd
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecSnappy:
		return "snappy"
	case CodecZstd:
		return "zstd"
	}
	return fmt.Sprintf("codec(%d)", uint8(c))
}

// ParseCodec maps a configuration name to a Codec. Empty means none.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "none":
		return CodecNone, nil
	case "snappy":
		return CodecSnappy, nil
	case "zstd":
		return CodecZstd, nil
	}
	return 0, fmt.Errorf("unknown segment codec %q", name)
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil)
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

func (c Codec) compress(src []byte) ([]byte, error) {
	switch c {
	case CodecNone:
		return src, nil
	case CodecSnappy:
		return snappy.Encode(nil, src), nil
	case CodecZstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("failed to init zstd: %w", err)
		}
		return enc.EncodeAll(src, nil), nil
	}
	return nil, fmt.Errorf("unknown segment codec %d", uint8(c))
}

func (c Codec) decompress(src []byte) ([]byte, error) {
	switch c {
	case CodecNone:
		return src, nil
	case CodecSnappy:
		return snappy.Decode(nil, src)
	case CodecZstd:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("failed to init zstd: %w", err)
		}
		return dec.DecodeAll(src, nil)
	}
	return nil, fmt.Errorf("unknown segment codec %d", uint8(c))
}
