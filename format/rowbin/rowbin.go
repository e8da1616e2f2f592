// Package rowbin implements the built-in block-based row format for
// data files.
//
// A rowbin file is a sequence of compressed record blocks followed by a
// set of metadata sections, a section directory, and a fixed-size
// footer:
//
//	+--------+----------+-----+----------+----------+-----------+--------+
//	| header | block 0  | ... | block N  | sections | directory | footer |
//	+--------+----------+-----+----------+----------+-----------+--------+
//
// Readers locate the directory through the footer at the end of the
// file, so a file is readable without knowing its length in advance of
// the final write. Every block and every section carries a CRC32-C
// checksum; corruption is detected on read, never silently returned.
//
// The sections are a block index (offsets, checksums, row ranges and
// first keys per block), an optional bloom filter over record keys, and
// a small properties document with file-level statistics.
package rowbin

import (
	"errors"

	"github.com/hupe1980/lakego/codec"
	"github.com/hupe1980/lakego/format"
)

var (
	rowbinMagic       = [4]byte{'L', 'R', 'B', '1'}
	rowbinDirMagic    = [4]byte{'L', 'R', 'D', '1'}
	rowbinFooterMagic = [4]byte{'L', 'R', 'F', '1'}
)

const (
	rowbinVersion uint16 = 1

	headerSize = 16
	dirHdrSize = 12
	dirEntSize = 32
	footerSize = 24
)

// Section types within a rowbin file.
const (
	sectionBlockIndex uint16 = 1
	sectionBloom      uint16 = 2
	sectionProps      uint16 = 3
)

// ErrCorrupt reports a structurally invalid or checksum-failing file.
// Callers should treat it as data loss, not as a retryable condition.
var ErrCorrupt = errors.New("rowbin: corrupt file")

const (
	// DefaultBlockSize is the uncompressed block size threshold.
	DefaultBlockSize = 64 * 1024

	defaultBloomFPR = 0.01
)

type options struct {
	blockSize   int
	compression Compression
	bloomFPR    float64
	bloomOff    bool
	codec       codec.Codec
}

// Option configures a Format.
type Option func(*options)

// WithBlockSize sets the uncompressed size at which a block is cut.
func WithBlockSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.blockSize = n
		}
	}
}

// WithCompression sets the per-block compression.
func WithCompression(c Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithBloomFPR sets the false positive rate of the key bloom filter.
// The filter is only written for files that carry record keys.
func WithBloomFPR(fpr float64) Option {
	return func(o *options) {
		if fpr > 0 && fpr < 1 {
			o.bloomFPR = fpr
		}
	}
}

// WithoutBloomFilter disables the key bloom filter.
func WithoutBloomFilter() Option {
	return func(o *options) {
		o.bloomOff = true
	}
}

// WithCodec sets the codec used for the properties section.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// Format is the rowbin implementation of format.Format.
type Format struct {
	opts options
}

var _ format.Format = (*Format)(nil)

// New returns a rowbin format with the given options applied over the
// defaults (64 KiB blocks, zstd compression, bloom filter enabled).
func New(opts ...Option) *Format {
	o := options{
		blockSize:   DefaultBlockSize,
		compression: CompressionZstd,
		bloomFPR:    defaultBloomFPR,
		codec:       codec.Default,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Format{opts: o}
}

// Name implements format.Format.
func (f *Format) Name() string { return "rowbin" }

func init() {
	format.Register(New())
}
