package rowbin

import (
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the per-block compression algorithm.
type Compression uint8

const (
	// CompressionNone stores blocks raw.
	CompressionNone Compression = 0
	// CompressionSnappy is the fastest, with the lowest ratio.
	CompressionSnappy Compression = 1
	// CompressionLZ4 is fast with a slightly better ratio than snappy.
	CompressionLZ4 Compression = 2
	// CompressionZstd has the best ratio at a moderate cost.
	CompressionZstd Compression = 3
)

var compressionNames = map[Compression]string{
	CompressionNone:   "none",
	CompressionSnappy: "snappy",
	CompressionLZ4:    "lz4",
	CompressionZstd:   "zstd",
}

func (c Compression) String() string {
	if n, ok := compressionNames[c]; ok {
		return n
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

// CompressionByName resolves a compression by its config name.
func CompressionByName(name string) (Compression, error) {
	for c, n := range compressionNames {
		if n == name {
			return c, nil
		}
	}
	return CompressionNone, fmt.Errorf("unknown compression %q", name)
}

// zstd encoder/decoder pools; instances are expensive to create.
var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func putZstdEncoder(enc *zstd.Encoder) {
	zstdEncoderPool.Put(enc)
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func putZstdDecoder(dec *zstd.Decoder) {
	zstdDecoderPool.Put(dec)
}

// compressBlock returns the stored form of raw plus the compression
// actually used. Incompressible blocks (ratio > 0.9) are stored raw so
// readers never pay decompression for no gain.
func compressBlock(raw []byte, c Compression) ([]byte, Compression, error) {
	if c == CompressionNone || len(raw) == 0 {
		return raw, CompressionNone, nil
	}

	var compressed []byte
	switch c {
	case CompressionSnappy:
		compressed = snappy.Encode(nil, raw)
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, buf, nil)
		if err != nil {
			return nil, 0, err
		}
		compressed = buf[:n]
	case CompressionZstd:
		enc := getZstdEncoder()
		defer putZstdEncoder(enc)
		compressed = enc.EncodeAll(raw, nil)
	default:
		return nil, 0, fmt.Errorf("unknown compression %d", c)
	}

	if len(compressed) == 0 || float64(len(compressed)) > float64(len(raw))*0.9 {
		return raw, CompressionNone, nil
	}
	return compressed, c, nil
}

// decompressBlock restores a stored block to its raw form.
func decompressBlock(stored []byte, c Compression, rawLen int) ([]byte, error) {
	switch c {
	case CompressionNone:
		if len(stored) != rawLen {
			return nil, fmt.Errorf("raw block length %d, expected %d", len(stored), rawLen)
		}
		return stored, nil

	case CompressionSnappy:
		raw, err := snappy.Decode(nil, stored)
		if err != nil {
			return nil, err
		}
		if len(raw) != rawLen {
			return nil, fmt.Errorf("decompressed length %d, expected %d", len(raw), rawLen)
		}
		return raw, nil

	case CompressionLZ4:
		raw := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(stored, raw)
		if err != nil {
			return nil, err
		}
		if n != rawLen {
			return nil, fmt.Errorf("decompressed length %d, expected %d", n, rawLen)
		}
		return raw, nil

	case CompressionZstd:
		dec := getZstdDecoder()
		defer putZstdDecoder(dec)

		raw, err := dec.DecodeAll(stored, make([]byte, 0, rawLen))
		if err != nil {
			return nil, err
		}
		if len(raw) != rawLen {
			return nil, fmt.Errorf("decompressed length %d, expected %d", len(raw), rawLen)
		}
		return raw, nil

	default:
		return nil, fmt.Errorf("unknown compression %d", c)
	}
}
