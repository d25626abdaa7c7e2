package zipcore

import (
	"bytes"
	"context"

	"github.com/valyala/bytebufferpool"
)

// maxEOCDCommentLen bounds the archive comment length (§3 EOCD invariant).
const maxEOCDCommentLen = uint16max

// locateEOCD scans backward from the end of the archive for the EOCD
// signature within 22+65535 bytes (§3 invariant, §4.4), then, if any
// 32-bit field holds its sentinel, reads the ZIP64 locator and record that
// must immediately precede it. The buffer used for the backward scan comes
// from a pool, the same technique the pack's nguyengg-xy3/zip/scan EOCD
// scanner uses to avoid a fresh allocation per probe.
func locateEOCD(ctx context.Context, src Source, length int64) (*endOfCentralDirectory, int64, error) {
	if length < directoryEndLen {
		return nil, 0, newErr("open", "", KindMissingEOCD, nil)
	}

	window := int64(directoryEndLen + maxEOCDCommentLen)
	if window > length {
		window = length
	}

	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	bb.B = append(bb.B[:0], make([]byte, window)...)
	start := length - window
	if _, err := readFullAt(ctx, src, bb.B, start); err != nil {
		return nil, 0, err
	}

	sig := []byte{0x50, 0x4b, 0x05, 0x06}
	idx := bytes.LastIndex(bb.B, sig)
	if idx < 0 {
		return nil, 0, newErr("open", "", KindMissingEOCD, nil)
	}
	eocdAt := start + int64(idx)

	eocd, ok := decodeEOCD(bb.B[idx:])
	if !ok {
		return nil, 0, newErr("open", "", KindMissingEOCD, nil)
	}

	needsZip64 := eocd.EntriesTotal == uint16max || eocd.CDSize == uint32max || eocd.CDOffset == uint32max
	if needsZip64 {
		if eocdAt < directory64LocLen {
			return nil, 0, newErr("open", "", KindMissingEOCD, nil)
		}
		locBuf := make([]byte, directory64LocLen)
		if _, err := readFullAt(ctx, src, locBuf, eocdAt-directory64LocLen); err != nil {
			return nil, 0, err
		}
		loc, ok := decodeZip64Locator(locBuf)
		if !ok {
			return nil, 0, newErr("open", "", KindMissingEOCD, nil)
		}
		recBuf := make([]byte, directory64EndLen)
		if _, err := readFullAt(ctx, src, recBuf, int64(loc.EOCDOffset)); err != nil {
			return nil, 0, err
		}
		rec, ok := decodeZip64EOCD(recBuf)
		if !ok {
			return nil, 0, newErr("open", "", KindMissingEOCD, nil)
		}
		eocd.EntriesTotal = rec.EntriesTotal
		eocd.CDSize = rec.CDSize
		eocd.CDOffset = rec.CDOffset
		eocd.DiskNumber = uint16(rec.DiskNumber)
		eocd.CDDiskNumber = uint16(rec.CDDiskNumber)
		eocd.IsZip64 = true
	}

	return eocd, eocdAt, nil
}

// writeEOCDAt writes (and, if ar.eocd.IsZip64, first writes the ZIP64
// record + locator immediately before) the current EOCD state starting at
// offset, then truncates the backing store to exactly the end of what was
// written (§4.6 step 7, §4.7 step 3).
func (ar *Archive) writeEOCDAt(ctx context.Context, offset int64) error {
	eocdAt, err := writeEOCDTo(ctx, ar.ws, ar.eocd, offset)
	if err != nil {
		return err
	}
	ar.eocdAt = eocdAt
	return nil
}

// writeEOCDTo writes (and, if eocd.IsZip64, first writes the ZIP64 record +
// locator immediately before) eocd starting at offset into ws, truncates ws
// to exactly the end of what was written, and flushes it. It returns the
// offset the EOCD record itself was written at. Used both by
// Archive.writeEOCDAt (against the live archive) and by remove's temp-archive
// rewrite (against a staging WriteSource), §4.6 step 7, §4.7 step 3.
func writeEOCDTo(ctx context.Context, ws WriteSource, eocd *endOfCentralDirectory, offset int64) (int64, error) {
	pos := offset
	if eocd.IsZip64 {
		rec := &zip64EndOfCentralDirectory{
			VersionMadeBy:   zipVersion45,
			VersionNeeded:   zipVersion45,
			EntriesThisDisk: eocd.EntriesTotal,
			EntriesTotal:    eocd.EntriesTotal,
			CDSize:          eocd.CDSize,
			CDOffset:        eocd.CDOffset,
		}
		recBytes := rec.encode()
		if _, err := ws.WriteAt(ctx, recBytes, pos); err != nil {
			return 0, err
		}
		recAt := pos
		pos += int64(len(recBytes))

		loc := &zip64Locator{EOCDOffset: uint64(recAt), TotalDisks: 1}
		locBytes := loc.encode()
		if _, err := ws.WriteAt(ctx, locBytes, pos); err != nil {
			return 0, err
		}
		pos += int64(len(locBytes))
	}

	eocdAt := pos
	eocdBytes := eocd.encode()
	if _, err := ws.WriteAt(ctx, eocdBytes, pos); err != nil {
		return 0, err
	}
	pos += int64(len(eocdBytes))

	if err := ws.Truncate(ctx, pos); err != nil {
		return 0, err
	}
	if err := ws.Flush(ctx); err != nil {
		return 0, err
	}
	return eocdAt, nil
}
