package zipcore

import (
	"hash"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/flate"
)

// newDecompressor returns a streaming decoder for method over src, §4.1/§4.5.
// Store yields src unchanged (wrapped only to satisfy io.ReadCloser); Deflate
// is backed by klauspost/compress/flate rather than the stdlib package, the
// same dependency the wider retrieval pack reaches for (buildbarn-bb-storage,
// elliotnunn-BeHierarchic) wherever it needs a faster drop-in flate.
func newDecompressor(method uint16, src io.Reader) (io.ReadCloser, error) {
	switch method {
	case Store:
		return io.NopCloser(src), nil
	case Deflate:
		return flate.NewReader(src), nil
	default:
		return nil, newErr("extract", "", KindInvalidCompressionMethod, nil)
	}
}

// newCompressor returns a streaming encoder for method writing to dst,
// §4.6. Close flushes the encoder's internal state but never closes dst.
func newCompressor(method uint16, dst io.Writer) (io.WriteCloser, error) {
	switch method {
	case Store:
		return nopWriteCloser{dst}, nil
	case Deflate:
		return flate.NewWriter(dst, flate.DefaultCompression)
	default:
		return nil, newErr("addEntry", "", KindInvalidCompressionMethod, nil)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// crc32Accumulator hashes every byte written to or read through it, letting
// the add/extract pipelines compute a running CRC-32 alongside the
// compress/decompress step without a second pass over the data (§4.5 step 3,
// §4.6 step 4).
type crc32Accumulator struct {
	h hash.Hash32
}

func newCRC32Accumulator() *crc32Accumulator {
	return &crc32Accumulator{h: crc32.NewIEEE()}
}

func (c *crc32Accumulator) Write(p []byte) (int, error) {
	return c.h.Write(p)
}

func (c *crc32Accumulator) Sum32() uint32 { return c.h.Sum32() }

// teeCountReader wraps a reader, counting bytes read and forwarding them to
// an optional hash, used by extractRange to know how many decoded bytes
// have been produced so far (§4.5 "Ranged extraction").
type teeCountReader struct {
	r     io.Reader
	hash  *crc32Accumulator
	count int64
}

func (t *teeCountReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		if t.hash != nil {
			t.hash.Write(p[:n])
		}
		t.count += int64(n)
	}
	return n, err
}
