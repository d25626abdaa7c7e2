package zipcore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
)

// DefaultBufferSize is the default chunk size for streaming reads and
// writes, §6.
const DefaultBufferSize = 16 * 1024

// Consumer receives successive decoded chunks of an entry's data. It must
// not retain chunk beyond the call.
type Consumer func(chunk []byte) error

// ExtractOptions configures Archive.Extract and Archive.ExtractToPath.
type ExtractOptions struct {
	// BufferSize is the chunk size used while streaming; 0 selects
	// DefaultBufferSize.
	BufferSize int
	// SkipCRC32 disables CRC-32 verification of the extracted data.
	SkipCRC32 bool
	// Progress, if non-nil, is polled for cancellation between chunks.
	Progress *Progress
}

func (o *ExtractOptions) bufferSize() int {
	if o == nil || o.BufferSize == 0 {
		return DefaultBufferSize
	}
	return o.BufferSize
}

func (o *ExtractOptions) skipCRC() bool  { return o != nil && o.SkipCRC32 }
func (o *ExtractOptions) progress() *Progress {
	if o == nil {
		return nil
	}
	return o.Progress
}

// ExtractToPathOptions extends ExtractOptions with the symlink containment
// opt-out, §4.8.
type ExtractToPathOptions struct {
	ExtractOptions
	AllowUncontainedSymlinks bool
}

// Extract streams entry's decoded data to consumer and returns the
// observed CRC-32, §4.5.
func (ar *Archive) Extract(entry *Entry, consumer Consumer, opts *ExtractOptions) (uint32, error) {
	var crc uint32
	err := ar.withLock(func() error {
		ctx := context.Background()
		c, err := ar.extractLocked(ctx, entry, consumer, opts)
		crc = c
		return err
	})
	return crc, err
}

// dataRegion locates the compressed-data region for entry: its start
// offset and its effective compressed length, §4.5 step 1.
func (ar *Archive) dataRegion(ctx context.Context, entry *Entry) (offset int64, compressedSize int64, err error) {
	lfh, err := ar.localFileHeaderLocked(ctx, entry)
	if err != nil {
		return 0, 0, err
	}
	offset = int64(entry.relativeLocalHeaderOffset()) + lfh.size()
	return offset, int64(entry.effectiveCompressedSize), nil
}

func (ar *Archive) extractLocked(ctx context.Context, entry *Entry, consumer Consumer, opts *ExtractOptions) (uint32, error) {
	switch entry.Type() {
	case EntryDirectory:
		if err := consumer(nil); err != nil {
			return 0, err
		}
		return 0, nil
	case EntrySymlink:
		return ar.extractSymlinkLocked(ctx, entry, consumer, opts)
	default:
		return ar.extractFileLocked(ctx, entry, consumer, opts)
	}
}

func (ar *Archive) extractSymlinkLocked(ctx context.Context, entry *Entry, consumer Consumer, opts *ExtractOptions) (uint32, error) {
	offset, size, err := ar.dataRegion(ctx, entry)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, size)
	if size > 0 {
		if _, err := readFullAt(ctx, ar.source, buf, offset); err != nil {
			return 0, err
		}
	}
	crc := crc32Of(buf)
	if !opts.skipCRC() && crc != ar.expectedCRC(entry) {
		return 0, newErr("extract", entry.Path(), KindInvalidCRC32, nil)
	}
	if err := consumer(buf); err != nil {
		return 0, err
	}
	return crc, nil
}

func (ar *Archive) expectedCRC(entry *Entry) uint32 {
	if entry.dd != nil {
		return entry.dd.CRC32
	}
	return entry.CRC32()
}

func (ar *Archive) extractFileLocked(ctx context.Context, entry *Entry, consumer Consumer, opts *ExtractOptions) (uint32, error) {
	offset, compressedSize, err := ar.dataRegion(ctx, entry)
	if err != nil {
		return 0, err
	}
	raw := io.NewSectionReader(asIOReaderAt(ctx, ar.source), offset, compressedSize)
	dec, err := newDecompressor(entry.Method(), raw)
	if err != nil {
		return 0, err
	}
	defer dec.Close()

	hash := newCRC32Accumulator()
	final, err := streamWithHoldback(dec, consumer, opts.bufferSize(), hash, opts.progress(), "extract", entry.Path())
	if err != nil {
		return 0, err
	}
	crc := hash.Sum32()
	if !opts.skipCRC() && crc != ar.expectedCRC(entry) {
		return 0, newErr("extract", entry.Path(), KindInvalidCRC32, nil)
	}
	if final != nil {
		if err := consumer(final); err != nil {
			return 0, err
		}
	}
	return crc, nil
}

// streamWithHoldback pumps r through consumer bufferSize bytes at a time,
// delaying delivery of the most recently read chunk by one iteration and
// returning it to the caller instead of delivering it itself, so that the
// final chunk is only handed to consumer once the caller has validated the
// full-stream CRC-32 (§4.5 step 3 / §8 "CRC consistency"). On a CRC mismatch
// the caller must discard the returned chunk rather than deliver it.
func streamWithHoldback(r io.Reader, consumer Consumer, bufferSize int, hash *crc32Accumulator, progress *Progress, op, path string) ([]byte, error) {
	if bufferSize <= 0 {
		return nil, newErr(op, path, KindInvalidBufferSize, nil)
	}
	var pending []byte
	buf := make([]byte, bufferSize)
	for {
		if progress.Cancelled() {
			return nil, newErr(op, path, KindCancelledOperation, nil)
		}
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			hash.Write(buf[:n])
			if pending != nil {
				if cerr := consumer(pending); cerr != nil {
					return nil, cerr
				}
			}
			pending = append([]byte(nil), buf[:n]...)
			progress.addWritten(int64(n))
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return pending, nil
}

func crc32Of(b []byte) uint32 {
	h := newCRC32Accumulator()
	h.Write(b)
	return h.Sum32()
}

// asIOReaderAt adapts a Source bound to a fixed context to io.ReaderAt, for
// use with io.SectionReader / io.LimitReader / compress readers that expect
// stdlib interfaces.
func asIOReaderAt(ctx context.Context, src Source) io.ReaderAt {
	return ioReaderAtFunc(func(p []byte, off int64) (int, error) {
		return src.ReadAt(ctx, p, off)
	})
}

type ioReaderAtFunc func(p []byte, off int64) (int, error)

func (f ioReaderAtFunc) ReadAt(p []byte, off int64) (int, error) { return f(p, off) }

// ExtractToPath extracts entry to a filesystem path under destDir, §4.5
// step 4. It refuses to overwrite an existing target, validates symlink
// containment and path traversal (§4.8), and creates parent directories.
// A regular file receives the entry's POSIX permissions and modification
// time; a directory is created with mode 0755 and receives only the
// modification time; a symlink receives neither.
func (ar *Archive) ExtractToPath(entry *Entry, destDir string, opts *ExtractToPathOptions) (uint32, error) {
	target, err := resolveExtractPath(destDir, entry.Path())
	if err != nil {
		return 0, err
	}

	var extractOpts *ExtractOptions
	allowUncontained := false
	if opts != nil {
		extractOpts = &opts.ExtractOptions
		allowUncontained = opts.AllowUncontainedSymlinks
	}

	switch entry.Type() {
	case EntryDirectory:
		if err := os.MkdirAll(target, 0o755); err != nil {
			return 0, err
		}
		return 0, os.Chtimes(target, entry.Modified(), entry.Modified())

	case EntrySymlink:
		var crc uint32
		var linkTarget string
		_, err := ar.Extract(entry, func(chunk []byte) error {
			linkTarget = string(chunk)
			return nil
		}, extractOpts)
		if err != nil {
			return 0, err
		}
		if err := validateSymlinkTarget(destDir, entry.Path(), linkTarget, allowUncontained); err != nil {
			return 0, err
		}
		if _, err := os.Lstat(target); err == nil {
			return 0, newErr("extract", entry.Path(), KindInvalidEntryPath, errors.New("target already exists"))
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return 0, err
		}
		if err := os.Symlink(linkTarget, target); err != nil {
			return 0, err
		}
		crc = crc32Of([]byte(linkTarget))
		return crc, nil

	default:
		if _, err := os.Lstat(target); err == nil {
			return 0, newErr("extract", entry.Path(), KindInvalidEntryPath, errors.New("target already exists"))
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return 0, err
		}
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return 0, err
		}
		crc, extractErr := ar.Extract(entry, func(chunk []byte) error {
			_, werr := f.Write(chunk)
			return werr
		}, extractOpts)
		closeErr := f.Close()
		if extractErr != nil {
			return 0, extractErr
		}
		if closeErr != nil {
			return 0, closeErr
		}
		if err := os.Chmod(target, entry.Mode().Perm()); err != nil {
			return 0, err
		}
		if err := os.Chtimes(target, entry.Modified(), entry.Modified()); err != nil {
			return 0, err
		}
		return crc, nil
	}
}

// ExtractRange streams bytes [lo, hi) of entry's *decoded* data to
// consumer, §4.5 "Ranged extraction". entry must be of type file.
func (ar *Archive) ExtractRange(entry *Entry, lo, hi int64, consumer Consumer, opts *ExtractOptions) error {
	return ar.withLock(func() error {
		ctx := context.Background()
		if entry.Type() != EntryFile {
			return newErr("extractRange", entry.Path(), KindEntryIsNotAFile, nil)
		}
		if lo < 0 || hi < lo || hi > int64(entry.UncompressedSize()) {
			return newErr("extractRange", entry.Path(), KindRangeOutOfBounds, nil)
		}
		offset, compressedSize, err := ar.dataRegion(ctx, entry)
		if err != nil {
			return err
		}
		bufSize := opts.bufferSize()

		switch entry.Method() {
		case Store:
			if lo == hi {
				return nil
			}
			raw := io.NewSectionReader(asIOReaderAt(ctx, ar.source), offset+lo, hi-lo)
			return copyInChunks(raw, consumer, bufSize, opts.progress(), "extractRange", entry.Path())

		case Deflate:
			raw := io.NewSectionReader(asIOReaderAt(ctx, ar.source), offset, compressedSize)
			dec, err := newDecompressor(Deflate, raw)
			if err != nil {
				return err
			}
			defer dec.Close()
			tc := &teeCountReader{r: dec}

			buf := make([]byte, bufSize)
			for tc.count < hi {
				if opts.progress().Cancelled() {
					return newErr("extractRange", entry.Path(), KindCancelledOperation, nil)
				}
				chunkStart := tc.count
				n, err := tc.Read(buf)
				if n > 0 {
					chunkEnd := tc.count
					sliceLo := max64(lo, chunkStart) - chunkStart
					sliceHi := min64(hi, chunkEnd) - chunkStart
					if sliceHi > sliceLo {
						if cerr := consumer(buf[sliceLo:sliceHi]); cerr != nil {
							return cerr
						}
					}
					if tc.count >= hi {
						return nil
					}
				}
				if err == io.EOF {
					if tc.count < hi {
						return newErr("extractRange", entry.Path(), KindRangeOutOfBounds, nil)
					}
					return nil
				}
				if err != nil {
					return err
				}
			}
			return nil

		default:
			return newErr("extractRange", entry.Path(), KindInvalidCompressionMethod, nil)
		}
	})
}

func copyInChunks(r io.Reader, consumer Consumer, bufferSize int, progress *Progress, op, path string) error {
	if bufferSize <= 0 {
		return newErr(op, path, KindInvalidBufferSize, nil)
	}
	buf := make([]byte, bufferSize)
	for {
		if progress.Cancelled() {
			return newErr(op, path, KindCancelledOperation, nil)
		}
		n, err := r.Read(buf)
		if n > 0 {
			if cerr := consumer(buf[:n]); cerr != nil {
				return cerr
			}
			progress.addWritten(int64(n))
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
