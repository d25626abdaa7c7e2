package zipcore

import (
	"context"
	"encoding/binary"
	"fmt"
)

// RemoveOptions configures Archive.Remove.
type RemoveOptions struct {
	// BufferSize is the chunk size used while copying surviving entries; 0
	// selects DefaultBufferSize.
	BufferSize int
	// Progress, if non-nil, is polled for cancellation between chunks.
	Progress *Progress
}

func (o *RemoveOptions) bufferSize() int {
	if o == nil || o.BufferSize == 0 {
		return DefaultBufferSize
	}
	return o.BufferSize
}

func (o *RemoveOptions) progress() *Progress {
	if o == nil {
		return nil
	}
	return o.Progress
}

// Remove deletes entry from the archive, §4.7. It is transactional: the
// replacement archive (every surviving entry's local header, data, and, if
// present, data descriptor, copied verbatim with relativeOffsetOfLocalHeader
// adjusted for the bytes skipped, followed by a fresh central directory and
// EOCD) is built entirely in a staging area obtained from the backing
// store's ReplaceableSource, never touching the original bytes. It is
// published with one atomic commit only once fully written; any error
// before that point discards the staging area and leaves the archive byte
// for byte as it was, §4.7 step 4 / "Errors inside a remove operation leave
// the original untouched".
func (ar *Archive) Remove(entry *Entry, opts *RemoveOptions) error {
	return ar.withLock(func() error {
		ctx := context.Background()
		if !ar.mode.writable() {
			return newErr("remove", entry.Path(), KindUnwritableArchive, nil)
		}
		rs, ok := ar.source.(ReplaceableSource)
		if !ok {
			return newErr("remove", entry.Path(), KindUnwritableArchive, fmt.Errorf("backing store does not support transactional replacement"))
		}

		all, err := ar.walkCentralDirectory(ctx)
		if err != nil {
			return err
		}
		targetIdx := -1
		for i, e := range all {
			if e.Path() == entry.Path() && e.relativeLocalHeaderOffset() == entry.relativeLocalHeaderOffset() {
				targetIdx = i
				break
			}
		}
		if targetIdx < 0 {
			return newErr("remove", entry.Path(), KindLocalHeaderNotFound, nil)
		}

		staging, err := rs.CreateStaging(ctx)
		if err != nil {
			return err
		}
		if err := ar.writeArchiveWithoutEntry(ctx, staging, all, targetIdx, opts); err != nil {
			rs.DiscardStaging(ctx, staging)
			return err
		}
		if err := rs.CommitStaging(ctx, staging); err != nil {
			rs.DiscardStaging(ctx, staging)
			return err
		}
		return ar.reload(ctx)
	})
}

// writeArchiveWithoutEntry writes every entry in all except the one at
// targetIdx, followed by a fresh central directory and EOCD, into staging,
// reading surviving entries' bytes from the archive's own (untouched)
// source, §4.7 steps 2-3.
func (ar *Archive) writeArchiveWithoutEntry(ctx context.Context, staging WriteSource, all []*Entry, targetIdx int, opts *RemoveOptions) error {
	writeCursor := int64(0)
	newCDS := make([]*centralDirectoryHeader, 0, len(all)-1)
	bufferSize := opts.bufferSize()
	progress := opts.progress()

	for i, e := range all {
		if i == targetIdx {
			continue
		}
		oldOffset := int64(e.relativeLocalHeaderOffset())
		blockLen, err := ar.entryBlockLength(ctx, e)
		if err != nil {
			return err
		}
		if err := copyRegion(ctx, ar.source, staging, oldOffset, writeCursor, blockLen, bufferSize, progress, "remove", e.Path()); err != nil {
			return err
		}
		newCDS = append(newCDS, rewriteCDSOffset(e.cds, uint64(writeCursor)))
		writeCursor += blockLen
	}

	cdStart := writeCursor
	pos := cdStart
	for _, cds := range newCDS {
		b := cds.encode()
		if _, err := staging.WriteAt(ctx, b, pos); err != nil {
			return err
		}
		pos += int64(len(b))
	}

	cdSize := uint64(pos - cdStart)
	entriesTotal := uint64(len(newCDS))
	isZip64 := cdSize >= uint32max || uint64(cdStart) >= uint32max || entriesTotal >= uint16max
	newEOCD := &endOfCentralDirectory{
		EntriesThisDisk: entriesTotal,
		EntriesTotal:    entriesTotal,
		CDSize:          cdSize,
		CDOffset:        uint64(cdStart),
		Comment:         ar.eocd.Comment,
		IsZip64:         isZip64,
	}
	_, err := writeEOCDTo(ctx, staging, newEOCD, pos)
	return err
}

// entryBlockLength returns the number of on-disk bytes occupied by entry's
// local header, its data, and (if present) its trailing data descriptor,
// §4.3.
func (ar *Archive) entryBlockLength(ctx context.Context, e *Entry) (int64, error) {
	lfh, err := ar.localFileHeaderLocked(ctx, e)
	if err != nil {
		return 0, err
	}
	length := lfh.size() + int64(e.effectiveCompressedSize)
	if e.usesDataDescriptor {
		ddOffset := int64(e.relativeLocalHeaderOffset()) + lfh.size() + int64(e.effectiveCompressedSize)
		ddLen, err := probeDataDescriptorLen(ctx, ar.source, ddOffset, e.isZip64)
		if err != nil {
			return 0, err
		}
		length += ddLen
	}
	return length, nil
}

// probeDataDescriptorLen determines how many bytes a data descriptor at
// offset actually occupies on disk: the fixed-width fields, plus 4 more if
// the optional signature word precedes them (§3 "Data Descriptor").
func probeDataDescriptorLen(ctx context.Context, src Source, offset int64, zip64 bool) (int64, error) {
	fieldsLen := int64(12)
	if zip64 {
		fieldsLen = 20
	}
	var sig [4]byte
	if _, err := readFullAt(ctx, src, sig[:], offset); err != nil {
		return 0, err
	}
	if binary.LittleEndian.Uint32(sig[:]) == dataDescriptorSignature {
		return 4 + fieldsLen, nil
	}
	return fieldsLen, nil
}

// rewriteCDSOffset returns a copy of cds with its relative local header
// offset updated to newOffset, patching the ZIP64 extra field in place if
// the offset is (or was) sentinel-encoded there rather than in the 32-bit
// header field. Since remove only ever shrinks offsets, an entry whose
// offset previously required ZIP64 never needs to be freshly promoted, and
// one that didn't is guaranteed to still fit in 32 bits.
func rewriteCDSOffset(cds *centralDirectoryHeader, newOffset uint64) *centralDirectoryHeader {
	out := *cds
	if cds.LocalHeaderOffset != uint32max {
		out.LocalHeaderOffset = uint32(newOffset)
		return &out
	}
	needU := cds.UncompressedSize == uint32max
	needC := cds.CompressedSize == uint32max
	out.Extra = patchZip64ExtraOffset(cds.Extra, needU, needC, newOffset)
	return &out
}

// patchZip64ExtraOffset rewrites the offset sub-field of a 0x0001 extra
// block in place, leaving the size sub-fields (if present) untouched. The
// sub-field order is fixed: uncompressed size, compressed size, local
// header offset, disk number start.
func patchZip64ExtraOffset(extra []byte, hasUncompressed, hasCompressed bool, newOffset uint64) []byte {
	out := append([]byte(nil), extra...)
	rest := out
	for len(rest) >= 4 {
		id := binary.LittleEndian.Uint16(rest[0:2])
		size := binary.LittleEndian.Uint16(rest[2:4])
		if len(rest) < 4+int(size) {
			return out
		}
		if id == zip64ExtraID {
			data := rest[4 : 4+int(size)]
			pos := 0
			if hasUncompressed {
				pos += 8
			}
			if hasCompressed {
				pos += 8
			}
			if len(data) >= pos+8 {
				binary.LittleEndian.PutUint64(data[pos:pos+8], newOffset)
			}
			return out
		}
		rest = rest[4+int(size):]
	}
	return out
}

// copyRegion copies length bytes from src at srcOff to ws at dstOff,
// bufferSize bytes at a time, polling progress for cancellation between
// chunks.
func copyRegion(ctx context.Context, src Source, ws WriteSource, srcOff, dstOff, length int64, bufferSize int, progress *Progress, op, path string) error {
	if bufferSize <= 0 {
		return newErr(op, path, KindInvalidBufferSize, nil)
	}
	buf := make([]byte, bufferSize)
	var done int64
	for done < length {
		if progress.Cancelled() {
			return newErr(op, path, KindCancelledOperation, nil)
		}
		n := int64(len(buf))
		if length-done < n {
			n = length - done
		}
		if _, err := readFullAt(ctx, src, buf[:n], srcOff+done); err != nil {
			return err
		}
		if _, err := ws.WriteAt(ctx, buf[:n], dstOff+done); err != nil {
			return err
		}
		done += n
		progress.addWritten(n)
	}
	return nil
}
