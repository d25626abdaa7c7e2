// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package zipcore is a random-access ZIP archive engine: it reads, creates,
updates, and removes entries from ZIP archives, including large archives
using the ZIP64 extensions, over a pluggable byte source (a regular file,
an in-memory buffer, or a read-only HTTP range-fetch resource).

See https://www.pkware.com/appnote for the on-disk format this package
implements a faithful subset of (stored + deflate, ZIP64, data descriptors
on read; encryption and split archives are explicitly unsupported).
*/
package zipcore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/valyala/bytebufferpool"
)

// AccessMode selects how Open treats the backing store, §6.
type AccessMode int

const (
	// AccessModeRead opens an existing archive for read-only access.
	AccessModeRead AccessMode = iota
	// AccessModeCreate creates a brand-new, empty archive; the backing
	// store must be empty, and a non-empty one is rejected.
	AccessModeCreate
	// AccessModeUpdate opens an existing archive for read-write access.
	AccessModeUpdate
)

func (m AccessMode) writable() bool { return m == AccessModeCreate || m == AccessModeUpdate }

// Archive is a random-access ZIP archive over a Source. One Archive owns
// one Source; concurrent calls on the same Archive are linearized by an
// internal lock held for the duration of each public operation, §5.
type Archive struct {
	mu     sync.Mutex
	source Source
	ws     WriteSource // == source.(WriteSource) when writable, else nil
	mode   AccessMode

	eocd   *endOfCentralDirectory
	eocdAt int64 // absolute offset where the EOCD record begins

	entriesCache []*Entry
	lfhCache     map[*Entry]*localFileHeader
}

// Open opens path as a ZIP archive backed by a regular file, §6.
func Open(path string, mode AccessMode) (*Archive, error) {
	fs, err := OpenFileSource(path, mode)
	if err != nil {
		return nil, err
	}
	ar, err := OpenSource(fs, mode)
	if err != nil {
		fs.Close()
		return nil, err
	}
	return ar, nil
}

// OpenInMemory opens data (or a new empty buffer if data is nil) as a ZIP
// archive backed by an in-memory byte slice, §6.
func OpenInMemory(data []byte, mode AccessMode) (*Archive, error) {
	return OpenSource(NewMemorySource(data), mode)
}

// OpenSource opens an arbitrary Source as a ZIP archive. This is the
// primitive Open/OpenInMemory/OpenHTTP all build on.
func OpenSource(source Source, mode AccessMode) (*Archive, error) {
	ctx := context.Background()
	ar := &Archive{source: source, mode: mode, lfhCache: make(map[*Entry]*localFileHeader)}

	if mode.writable() {
		ws, ok := AsWriteSource(source)
		if !ok {
			return nil, newErr("open", "", KindUnwritableArchive, nil)
		}
		ar.ws = ws
	}

	switch mode {
	case AccessModeCreate:
		length, err := source.Length(ctx)
		if err != nil {
			return nil, err
		}
		if length != 0 {
			return nil, newErr("open", "", KindUnwritableArchive, fmt.Errorf("create target is not empty"))
		}
		ar.eocd = &endOfCentralDirectory{}
		if err := ar.writeEOCDAt(ctx, 0); err != nil {
			return nil, err
		}
	case AccessModeRead, AccessModeUpdate:
		if err := ar.reload(ctx); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("zipcore: unknown access mode %v", mode)
	}
	return ar, nil
}

// OpenHTTP opens a remote ZIP archive for read-only, range-fetched access,
// §4.1.
func OpenHTTP(ctx context.Context, url string) (*Archive, error) {
	src, err := NewHTTPSource(ctx, nil, url)
	if err != nil {
		return nil, err
	}
	return OpenSource(src, AccessModeRead)
}

// Close releases the underlying Source, §5.
func (ar *Archive) Close() error {
	if c, ok := ar.source.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// withLock serializes public operations on the archive, §5.
func (ar *Archive) withLock(fn func() error) error {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	return fn()
}

// invalidateCaches clears the entry list and LFH map; called after every
// successful mutating operation, §3 "Lifecycle".
func (ar *Archive) invalidateCaches() {
	ar.entriesCache = nil
	ar.lfhCache = make(map[*Entry]*localFileHeader)
}

// reload re-locates the EOCD and forgets cached entries; used on open and
// after remove() replaces the backing file out from under us.
func (ar *Archive) reload(ctx context.Context) error {
	length, err := ar.source.Length(ctx)
	if err != nil {
		return err
	}
	eocd, eocdAt, err := locateEOCD(ctx, ar.source, length)
	if err != nil {
		return err
	}
	ar.eocd = eocd
	ar.eocdAt = eocdAt
	ar.invalidateCaches()
	return nil
}

// Entries returns every non-encrypted entry in the archive's central
// directory, in on-disk order, §4.3. The result is cached until the next
// mutating operation.
func (ar *Archive) Entries() ([]*Entry, error) {
	var result []*Entry
	err := ar.withLock(func() error {
		entries, err := ar.entriesLocked(context.Background())
		if err != nil {
			return err
		}
		result = entries
		return nil
	})
	return result, err
}

func (ar *Archive) entriesLocked(ctx context.Context) ([]*Entry, error) {
	if ar.entriesCache != nil {
		return ar.entriesCache, nil
	}
	all, err := ar.walkCentralDirectory(ctx)
	if err != nil {
		return nil, err
	}
	visible := make([]*Entry, 0, len(all))
	for _, e := range all {
		if !e.Encrypted() {
			visible = append(visible, e)
		}
	}
	ar.entriesCache = visible
	return visible, nil
}

// walkCentralDirectory reads exactly eocd.EntriesTotal CDS records starting
// at eocd.CDOffset, stopping early (without error) if a record fails to
// decode, mirroring tolerant-reader semantics for corrupt archives, §4.3.
func (ar *Archive) walkCentralDirectory(ctx context.Context) ([]*Entry, error) {
	length, err := ar.source.Length(ctx)
	if err != nil {
		return nil, err
	}
	if ar.eocd.CDOffset > uint64(length) {
		return nil, newErr("entries", "", KindInvalidCentralDirectoryOffset, nil)
	}

	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	remaining := length - int64(ar.eocd.CDOffset)
	if remaining < 0 {
		remaining = 0
	}
	bb.B = append(bb.B[:0], make([]byte, remaining)...)
	if remaining > 0 {
		if _, err := readFullAt(ctx, ar.source, bb.B, int64(ar.eocd.CDOffset)); err != nil {
			return nil, err
		}
	}

	r := bytes.NewReader(bb.B)
	entries := make([]*Entry, 0, ar.eocd.EntriesTotal)
	for i := uint64(0); i < ar.eocd.EntriesTotal; i++ {
		cds, ok, err := decodeCentralDirectoryHeader(r)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		entries = append(entries, newEntryFromCDS(cds))
	}
	return entries, nil
}

// Get returns the first entry whose path equals path, or nil if none
// matches (duplicate paths are legal in ZIP; the first wins, §4.3).
func (ar *Archive) Get(path string) (*Entry, error) {
	var found *Entry
	err := ar.withLock(func() error {
		entries, err := ar.entriesLocked(context.Background())
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Path() == path {
				found = e
				return nil
			}
		}
		return nil
	})
	return found, err
}

// localFileHeaderLocked returns (loading and caching on first use) the
// decoded local file header for entry, reading the trailing data
// descriptor too when the archive is writable and the entry uses one,
// §4.3.
func (ar *Archive) localFileHeaderLocked(ctx context.Context, e *Entry) (*localFileHeader, error) {
	if lfh, ok := ar.lfhCache[e]; ok {
		return lfh, nil
	}
	sr := &sourceSectionReader{ctx: ctx, src: ar.source, off: int64(e.relativeLocalHeaderOffset())}
	lfh, ok, err := decodeLocalFileHeader(sr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newErr("extract", e.Path(), KindLocalHeaderNotFound, nil)
	}
	if ar.mode.writable() && e.usesDataDescriptor {
		dataOffset := int64(e.relativeLocalHeaderOffset()) + lfh.size()
		ddr := &sourceSectionReader{ctx: ctx, src: ar.source, off: dataOffset + int64(e.effectiveCompressedSize)}
		if dd, err := decodeDataDescriptor(ddr, e.isZip64); err == nil {
			e.dd = dd
		}
	}
	e.lfh = lfh
	ar.lfhCache[e] = lfh
	return lfh, nil
}

// sourceSectionReader adapts a Source to io.Reader starting at a fixed
// offset, advancing as it's read; used to decode fixed-layout records with
// the decode* helpers, which expect an io.Reader.
type sourceSectionReader struct {
	ctx context.Context
	src Source
	off int64
}

func (s *sourceSectionReader) Read(p []byte) (int, error) {
	n, err := s.src.ReadAt(s.ctx, p, s.off)
	s.off += int64(n)
	return n, err
}

// readFullAt reads exactly len(p) bytes from src at off, following the same
// short-read retry discipline as io.ReadFull.
func readFullAt(ctx context.Context, src Source, p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) {
		n, err := src.ReadAt(ctx, p[total:], off+int64(total))
		total += n
		if err != nil {
			if err == io.EOF && total == len(p) {
				return total, nil
			}
			return total, err
		}
		if n == 0 {
			return total, io.ErrUnexpectedEOF
		}
	}
	return total, nil
}
