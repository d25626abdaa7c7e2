package zipcore

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"time"
)

// zip64SizeThreshold is the uncompressed-size point past which addEntry
// reserves ZIP64 extra fields up front, so the local file header never has
// to change length once data starts streaming behind it, §4.6 "Promotion
// rule".
const zip64SizeThreshold = uint32max

// AddOptions configures Archive.AddFile, Archive.AddDirectory, and
// Archive.AddSymlink.
type AddOptions struct {
	// BufferSize is the chunk size used while streaming to the backing
	// store; 0 selects DefaultBufferSize.
	BufferSize int
	// Progress, if non-nil, is polled for cancellation between chunks and
	// updated with bytes written so far.
	Progress *Progress
	// Permissions are the POSIX permission bits recorded for the entry; 0
	// selects 0644 for files and 0755 for directories.
	Permissions os.FileMode
	// Modified is the entry's modification time; the zero value selects
	// time.Now().
	Modified time.Time
	// Method is the compression method for file entries (Store or
	// Deflate); directories and symlinks always use Store. 0 (Store) is a
	// legal explicit choice, so the zero value of this field means Store,
	// not "unset" — callers wanting Deflate must set it explicitly.
	Method uint16
	// ForceZip64 reserves ZIP64 extra fields regardless of size, a test
	// knob for exercising the ZIP64 code paths without a multi-gigabyte
	// fixture, §8.
	ForceZip64 bool
}

func (o *AddOptions) bufferSize() int {
	if o == nil || o.BufferSize == 0 {
		return DefaultBufferSize
	}
	return o.BufferSize
}

func (o *AddOptions) progress() *Progress {
	if o == nil {
		return nil
	}
	return o.Progress
}

func (o *AddOptions) modified() time.Time {
	if o == nil || o.Modified.IsZero() {
		return time.Now()
	}
	return o.Modified
}

func (o *AddOptions) permissions(fallback os.FileMode) os.FileMode {
	if o == nil || o.Permissions == 0 {
		return fallback
	}
	return o.Permissions
}

func (o *AddOptions) method() uint16 {
	if o == nil {
		return Store
	}
	return o.Method
}

func (o *AddOptions) forceZip64() bool { return o != nil && o.ForceZip64 }

// AddFile appends a regular file entry streamed from data, §4.6.
func (ar *Archive) AddFile(path string, uncompressedSize uint64, data io.Reader, opts *AddOptions) (*Entry, error) {
	return ar.addEntry(path, EntryFile, uncompressedSize, opts.method(), opts.permissions(0o644), data, opts)
}

// AddDirectory appends a directory entry (its path is normalized to end in
// "/" if it doesn't already), §4.6.
func (ar *Archive) AddDirectory(path string, opts *AddOptions) (*Entry, error) {
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return ar.addEntry(path, EntryDirectory, 0, Store, opts.permissions(0o755), nil, opts)
}

// AddSymlink appends a symlink entry whose data is the link target, §4.6.
func (ar *Archive) AddSymlink(path, target string, opts *AddOptions) (*Entry, error) {
	return ar.addEntry(path, EntrySymlink, uint64(len(target)), Store, opts.permissions(0o777), bytes.NewReader([]byte(target)), opts)
}

// addEntry implements the two-phase local-file-header append protocol,
// §4.6 steps 1-8: write a placeholder header (sized and, if promoted,
// ZIP64-shaped, so its length never changes again), stream the compressed
// data behind it while accumulating CRC-32 and true sizes, seek back and
// rewrite the header with the real values, then rewrite the central
// directory and EOCD to include the new entry. Data descriptors are never
// used for entries this engine creates: the header is always patched in
// place once the true sizes are known.
func (ar *Archive) addEntry(path string, entryType EntryType, uncompressedSize uint64, method uint16, perm os.FileMode, data io.Reader, opts *AddOptions) (*Entry, error) {
	var result *Entry
	err := ar.withLock(func() error {
		ctx := context.Background()
		if !ar.mode.writable() {
			return newErr("addEntry", path, KindUnwritableArchive, nil)
		}
		if err := validateEntryPath(path); err != nil {
			return err
		}

		// Snapshot the pre-operation central directory before anything is
		// written: the new entry's LFH lands at the start of the existing
		// CD, overwriting it, so a failure partway through must be able to
		// reconstruct those bytes rather than just truncate, §4.6 step 8 /
		// "Rollback on failure".
		existing, err := ar.walkCentralDirectory(ctx)
		if err != nil {
			return err
		}
		oldEOCD := ar.eocd
		localStart := int64(oldEOCD.CDOffset)
		rollback := func(cause error) error {
			if rerr := ar.restoreCentralDirectory(ctx, existing, oldEOCD, localStart); rerr != nil {
				return rerr
			}
			return cause
		}

		zip64 := opts.forceZip64() || uncompressedSize >= zip64SizeThreshold || uint64(localStart) >= uint32max

		modDate, modTime := timeToMsDosTime(opts.modified())
		flags := uint16(flagUTF8)

		verNeeded := uint16(zipVersion20)
		if zip64 {
			verNeeded = zipVersion45
		}

		lfh := &localFileHeader{
			ReaderVersion: verNeeded,
			Flags:         flags,
			Method:        method,
			ModifiedTime:  modTime,
			ModifiedDate:  modDate,
			Name:          path,
		}
		var uncompressedPlaceholder, compressedPlaceholder uint64
		if zip64 {
			uncompressedPlaceholder = uncompressedSize
			lfh.UncompressedSize = uint32max
			lfh.CompressedSize = uint32max
			lfh.Extra = encodeZip64Extra(&uncompressedPlaceholder, &compressedPlaceholder, nil)
		} else {
			lfh.UncompressedSize = uint32(uncompressedSize)
		}

		headerBytes := lfh.encode()
		if _, err := ar.ws.WriteAt(ctx, headerBytes, localStart); err != nil {
			return rollback(err)
		}
		dataOffset := localStart + int64(len(headerBytes))

		crc, compressedSize, actualUncompressed, err := ar.streamEntryData(ctx, data, method, dataOffset, opts)
		if err != nil {
			return rollback(err)
		}
		if actualUncompressed != uncompressedSize {
			return rollback(newErr("addEntry", path, KindInvalidEntrySize, nil))
		}

		lfh.CRC32 = crc
		if !zip64 {
			lfh.CompressedSize = uint32(compressedSize)
		} else {
			uncompressedPlaceholder = uncompressedSize
			compressedPlaceholder = compressedSize
			lfh.Extra = encodeZip64Extra(&uncompressedPlaceholder, &compressedPlaceholder, nil)
		}
		finalHeaderBytes := lfh.encode()
		if len(finalHeaderBytes) != len(headerBytes) {
			// Can't happen: the extra field's shape was fixed up front.
			return rollback(newErr("addEntry", path, KindInvalidLocalHeaderSize, nil))
		}
		if _, err := ar.ws.WriteAt(ctx, finalHeaderBytes, localStart); err != nil {
			return rollback(err)
		}

		attrs := externalAttrsForMode(entryTypeMode(entryType, perm))
		cds := &centralDirectoryHeader{
			CreatorVersion: creatorVersionMadeBy,
			ReaderVersion:  verNeeded,
			Flags:          flags,
			Method:         method,
			ModifiedTime:   modTime,
			ModifiedDate:   modDate,
			CRC32:          crc,
			Name:           path,
			ExternalAttrs:  attrs,
		}
		// A promoted CDS holds the sentinel in all three 32-bit fields, so its
		// ZIP64 extra carries all three values.
		if zip64 || compressedSize >= uint32max {
			cds.UncompressedSize = uint32max
			cds.CompressedSize = uint32max
			cds.LocalHeaderOffset = uint32max
			up, cp, op := uncompressedSize, compressedSize, uint64(localStart)
			cds.Extra = encodeZip64Extra(&up, &cp, &op)
		} else {
			cds.UncompressedSize = uint32(uncompressedSize)
			cds.CompressedSize = uint32(compressedSize)
			cds.LocalHeaderOffset = uint32(localStart)
		}

		if err := ar.rewriteCentralDirectory(ctx, existing, dataOffset+int64(compressedSize), cds); err != nil {
			return rollback(err)
		}
		ar.invalidateCaches()
		result = newEntryFromCDS(cds)
		return nil
	})
	return result, err
}

// streamEntryData compresses data (if any) with method and writes it
// starting at offset, returning the observed CRC-32, compressed size, and
// uncompressed size. Cancellation is polled between chunks, §5.
func (ar *Archive) streamEntryData(ctx context.Context, data io.Reader, method uint16, offset int64, opts *AddOptions) (crc uint32, compressedSize, uncompressedSize uint64, err error) {
	if data == nil {
		return 0, 0, 0, nil
	}
	cw := &positionalWriter{ctx: ctx, ws: ar.ws, off: offset}
	comp, err := newCompressor(method, cw)
	if err != nil {
		return 0, 0, 0, err
	}
	hash := newCRC32Accumulator()
	bufferSize := opts.bufferSize()
	progress := opts.progress()
	buf := make([]byte, bufferSize)
	for {
		if progress.Cancelled() {
			comp.Close()
			return 0, 0, 0, newErr("addEntry", "", KindCancelledOperation, nil)
		}
		n, rerr := data.Read(buf)
		if n > 0 {
			hash.Write(buf[:n])
			uncompressedSize += uint64(n)
			if _, werr := comp.Write(buf[:n]); werr != nil {
				comp.Close()
				return 0, 0, 0, werr
			}
			progress.addWritten(int64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			comp.Close()
			return 0, 0, 0, rerr
		}
	}
	if err := comp.Close(); err != nil {
		return 0, 0, 0, err
	}
	return hash.Sum32(), uint64(cw.off - offset), uncompressedSize, nil
}

// positionalWriter adapts a WriteSource to io.Writer, advancing its own
// offset as bytes are written, so a compressor can stream through it like
// any ordinary writer.
type positionalWriter struct {
	ctx context.Context
	ws  WriteSource
	off int64
}

func (w *positionalWriter) Write(p []byte) (int, error) {
	n, err := w.ws.WriteAt(w.ctx, p, w.off)
	w.off += int64(n)
	return n, err
}

// rewriteCentralDirectory writes every existing entry (including encrypted
// ones, which Entries() hides but the central directory must still carry)
// plus the newly appended entry's record, starting at cdStart, followed by
// a fresh EOCD, §4.6 step 7. existing must have been captured before the new
// entry's local file header was written, since that write lands on top of
// the old central directory.
func (ar *Archive) rewriteCentralDirectory(ctx context.Context, existing []*Entry, cdStart int64, newEntry *centralDirectoryHeader) error {
	pos, err := ar.writeExistingCDS(ctx, existing, cdStart)
	if err != nil {
		return err
	}
	newBytes := newEntry.encode()
	if _, err := ar.ws.WriteAt(ctx, newBytes, pos); err != nil {
		return err
	}
	pos += int64(len(newBytes))

	cdSize := uint64(pos - cdStart)
	entriesTotal := uint64(len(existing)) + 1
	anyZip64 := cdSize >= uint32max || uint64(cdStart) >= uint32max || entriesTotal >= uint16max

	ar.eocd = &endOfCentralDirectory{
		EntriesThisDisk: entriesTotal,
		EntriesTotal:    entriesTotal,
		CDSize:          cdSize,
		CDOffset:        uint64(cdStart),
		Comment:         ar.eocd.Comment,
		IsZip64:         anyZip64,
	}
	return ar.writeEOCDAt(ctx, pos)
}

// restoreCentralDirectory re-emits the pre-operation central directory
// (existing entries, unchanged) and EOCD starting at cdStart, producing the
// exact bytes that were there before a failed addEntry began overwriting
// them, then truncates the backing store to the end of that EOCD. Used to
// roll an archive back to its pre-operation state on any failure after the
// new entry's local file header has been written, §4.6 step 8.
func (ar *Archive) restoreCentralDirectory(ctx context.Context, existing []*Entry, oldEOCD *endOfCentralDirectory, cdStart int64) error {
	pos, err := ar.writeExistingCDS(ctx, existing, cdStart)
	if err != nil {
		return err
	}
	ar.eocd = oldEOCD
	return ar.writeEOCDAt(ctx, pos)
}

// writeExistingCDS writes each entry's CDS record in order starting at
// cdStart and returns the offset immediately after the last one written.
func (ar *Archive) writeExistingCDS(ctx context.Context, existing []*Entry, cdStart int64) (int64, error) {
	pos := cdStart
	for _, e := range existing {
		b := e.cds.encode()
		if _, err := ar.ws.WriteAt(ctx, b, pos); err != nil {
			return 0, err
		}
		pos += int64(len(b))
	}
	return pos, nil
}

// entryTypeMode returns the os.FileMode used to compute external
// attributes for a new entry of the given type.
func entryTypeMode(t EntryType, perm os.FileMode) os.FileMode {
	switch t {
	case EntryDirectory:
		return os.ModeDir | perm
	case EntrySymlink:
		return os.ModeSymlink | perm
	default:
		return perm
	}
}
