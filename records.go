// Copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipcore

import (
	"encoding/binary"
	"io"
	"time"
)

// Compression methods.
const (
	Store   uint16 = 0 // no compression
	Deflate uint16 = 8 // DEFLATE compressed
)

const (
	fileHeaderSignature      = 0x04034b50
	directoryHeaderSignature = 0x02014b50
	directoryEndSignature    = 0x06054b50
	directory64LocSignature  = 0x07064b50
	directory64EndSignature  = 0x06064b50
	dataDescriptorSignature  = 0x08074b50 // de-facto standard; required by OS X Finder

	fileHeaderLen      = 30 // + filename + extra
	directoryHeaderLen = 46 // + filename + extra + comment
	directoryEndLen    = 22 // + comment
	dataDescriptorLen  = 16 // signature, crc32, compressed size, size (all uint32)
	dataDescriptor64Len = 24 // descriptor with 8 byte sizes
	directory64LocLen  = 20
	directory64EndLen  = 56 // + extra

	// Version numbers.
	zipVersion20 = 20 // 2.0
	zipVersion45 = 45 // 4.5 (zip64)

	// creatorVersionMadeBy is the fixed version-made-by value this engine
	// records in every CDS entry it writes, independent of the version
	// needed to extract.
	creatorVersionMadeBy = 789

	// Limits for non-zip64 fields.
	uint16max = (1 << 16) - 1
	uint32max = (1 << 32) - 1

	zip64ExtraID = 0x0001 // Zip64 extended information

	// generalPurposeBit flags the engine cares about.
	flagUTF8            = 0x800
	flagDataDescriptor  = 0x8
	flagEncrypted       = 0x1
)

// localFileHeader is the decoded form of a Local File Header (LFH), §3.
type localFileHeader struct {
	ReaderVersion      uint16
	Flags              uint16
	Method             uint16
	ModifiedTime       uint16
	ModifiedDate       uint16
	CRC32              uint32
	CompressedSize     uint32 // may hold uint32max sentinel
	UncompressedSize   uint32 // may hold uint32max sentinel
	Name               string
	Extra              []byte
}

// size returns the total on-disk size of the header including its tail.
func (h *localFileHeader) size() int64 {
	return fileHeaderLen + int64(len(h.Name)) + int64(len(h.Extra))
}

// decodeLocalFileHeader reads and decodes an LFH starting at the current
// read position of r, then reads the name+extra tail from r; a short read
// of the fixed part reports ok=false, a short read of the tail an error.
func decodeLocalFileHeader(r io.Reader) (*localFileHeader, bool, error) {
	var buf [fileHeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, false, nil
		}
		return nil, false, err
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != fileHeaderSignature {
		return nil, false, nil
	}
	h := &localFileHeader{
		ReaderVersion:    binary.LittleEndian.Uint16(buf[4:6]),
		Flags:            binary.LittleEndian.Uint16(buf[6:8]),
		Method:           binary.LittleEndian.Uint16(buf[8:10]),
		ModifiedTime:     binary.LittleEndian.Uint16(buf[10:12]),
		ModifiedDate:     binary.LittleEndian.Uint16(buf[12:14]),
		CRC32:            binary.LittleEndian.Uint32(buf[14:18]),
		CompressedSize:   binary.LittleEndian.Uint32(buf[18:22]),
		UncompressedSize: binary.LittleEndian.Uint32(buf[22:26]),
	}
	nameLen := binary.LittleEndian.Uint16(buf[26:28])
	extraLen := binary.LittleEndian.Uint16(buf[28:30])

	tail := make([]byte, int(nameLen)+int(extraLen))
	if _, err := io.ReadFull(r, tail); err != nil {
		return nil, false, err
	}
	h.Name = string(tail[:nameLen])
	h.Extra = tail[nameLen:]
	return h, true, nil
}

func (h *localFileHeader) encode() []byte {
	buf := make([]byte, h.size())
	b := writeBuf(buf)
	b.uint32(fileHeaderSignature)
	b.uint16(h.ReaderVersion)
	b.uint16(h.Flags)
	b.uint16(h.Method)
	b.uint16(h.ModifiedTime)
	b.uint16(h.ModifiedDate)
	b.uint32(h.CRC32)
	b.uint32(h.CompressedSize)
	b.uint32(h.UncompressedSize)
	b.uint16(uint16(len(h.Name)))
	b.uint16(uint16(len(h.Extra)))
	copy(b, h.Name)
	b = b[len(h.Name):]
	copy(b, h.Extra)
	return buf
}

// centralDirectoryHeader is the decoded form of a Central Directory
// Structure (CDS) record, §3.
type centralDirectoryHeader struct {
	CreatorVersion     uint16
	ReaderVersion      uint16
	Flags              uint16
	Method             uint16
	ModifiedTime       uint16
	ModifiedDate       uint16
	CRC32              uint32
	CompressedSize     uint32 // may hold uint32max sentinel
	UncompressedSize   uint32 // may hold uint32max sentinel
	DiskNumberStart    uint16
	InternalAttrs      uint16
	ExternalAttrs      uint32
	LocalHeaderOffset  uint32 // may hold uint32max sentinel
	Name               string
	Extra              []byte
	Comment            string
}

// recordLen returns the number of bytes occupied on disk by this CDS record,
// used by encode to size its output buffer.
func (h *centralDirectoryHeader) recordLen() int64 {
	return directoryHeaderLen + int64(len(h.Name)) + int64(len(h.Extra)) + int64(len(h.Comment))
}

func decodeCentralDirectoryHeader(r io.Reader) (*centralDirectoryHeader, bool, error) {
	var buf [directoryHeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, false, nil
		}
		return nil, false, err
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != directoryHeaderSignature {
		return nil, false, nil
	}
	h := &centralDirectoryHeader{
		CreatorVersion:   binary.LittleEndian.Uint16(buf[4:6]),
		ReaderVersion:    binary.LittleEndian.Uint16(buf[6:8]),
		Flags:            binary.LittleEndian.Uint16(buf[8:10]),
		Method:           binary.LittleEndian.Uint16(buf[10:12]),
		ModifiedTime:     binary.LittleEndian.Uint16(buf[12:14]),
		ModifiedDate:     binary.LittleEndian.Uint16(buf[14:16]),
		CRC32:            binary.LittleEndian.Uint32(buf[16:20]),
		CompressedSize:   binary.LittleEndian.Uint32(buf[20:24]),
		UncompressedSize: binary.LittleEndian.Uint32(buf[24:28]),
		DiskNumberStart:  binary.LittleEndian.Uint16(buf[34:36]),
		InternalAttrs:    binary.LittleEndian.Uint16(buf[36:38]),
		ExternalAttrs:    binary.LittleEndian.Uint32(buf[38:42]),
		LocalHeaderOffset: binary.LittleEndian.Uint32(buf[42:46]),
	}
	nameLen := binary.LittleEndian.Uint16(buf[28:30])
	extraLen := binary.LittleEndian.Uint16(buf[30:32])
	commentLen := binary.LittleEndian.Uint16(buf[32:34])

	tail := make([]byte, int(nameLen)+int(extraLen)+int(commentLen))
	if _, err := io.ReadFull(r, tail); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, false, nil
		}
		return nil, false, err
	}
	h.Name = string(tail[:nameLen])
	h.Extra = tail[nameLen : int(nameLen)+int(extraLen)]
	h.Comment = string(tail[int(nameLen)+int(extraLen):])
	return h, true, nil
}

func (h *centralDirectoryHeader) encode() []byte {
	buf := make([]byte, h.recordLen())
	b := writeBuf(buf)
	b.uint32(directoryHeaderSignature)
	b.uint16(h.CreatorVersion)
	b.uint16(h.ReaderVersion)
	b.uint16(h.Flags)
	b.uint16(h.Method)
	b.uint16(h.ModifiedTime)
	b.uint16(h.ModifiedDate)
	b.uint32(h.CRC32)
	b.uint32(h.CompressedSize)
	b.uint32(h.UncompressedSize)
	b.uint16(uint16(len(h.Name)))
	b.uint16(uint16(len(h.Extra)))
	b.uint16(uint16(len(h.Comment)))
	b.uint16(h.DiskNumberStart)
	b.uint16(h.InternalAttrs)
	b.uint32(h.ExternalAttrs)
	b.uint32(h.LocalHeaderOffset)
	copy(b, h.Name)
	b = b[len(h.Name):]
	copy(b, h.Extra)
	b = b[len(h.Extra):]
	copy(b, h.Comment)
	return buf
}

// endOfCentralDirectory is the decoded EOCD record, §3, plus (if present)
// the ZIP64 fields that supersede sentinel 32-bit values.
type endOfCentralDirectory struct {
	DiskNumber       uint16
	CDDiskNumber     uint16
	EntriesThisDisk  uint64
	EntriesTotal     uint64
	CDSize           uint64
	CDOffset         uint64
	Comment          string

	IsZip64 bool
}

// zip64EndOfCentralDirectory is the 56-byte ZIP64 EOCD record.
type zip64EndOfCentralDirectory struct {
	VersionMadeBy     uint16
	VersionNeeded     uint16
	DiskNumber        uint32
	CDDiskNumber      uint32
	EntriesThisDisk   uint64
	EntriesTotal      uint64
	CDSize            uint64
	CDOffset          uint64
	Extra             []byte
}

func (r *zip64EndOfCentralDirectory) encode() []byte {
	buf := make([]byte, directory64EndLen+len(r.Extra))
	b := writeBuf(buf)
	b.uint32(directory64EndSignature)
	b.uint64(uint64(directory64EndLen - 12 + len(r.Extra)))
	b.uint16(r.VersionMadeBy)
	b.uint16(r.VersionNeeded)
	b.uint32(r.DiskNumber)
	b.uint32(r.CDDiskNumber)
	b.uint64(r.EntriesThisDisk)
	b.uint64(r.EntriesTotal)
	b.uint64(r.CDSize)
	b.uint64(r.CDOffset)
	copy(b, r.Extra)
	return buf
}

func decodeZip64EOCD(buf []byte) (*zip64EndOfCentralDirectory, bool) {
	if len(buf) < directory64EndLen || binary.LittleEndian.Uint32(buf[0:4]) != directory64EndSignature {
		return nil, false
	}
	size := binary.LittleEndian.Uint64(buf[4:12])
	r := &zip64EndOfCentralDirectory{
		VersionMadeBy:   binary.LittleEndian.Uint16(buf[12:14]),
		VersionNeeded:   binary.LittleEndian.Uint16(buf[14:16]),
		DiskNumber:      binary.LittleEndian.Uint32(buf[16:20]),
		CDDiskNumber:    binary.LittleEndian.Uint32(buf[20:24]),
		EntriesThisDisk: binary.LittleEndian.Uint64(buf[24:32]),
		EntriesTotal:    binary.LittleEndian.Uint64(buf[32:40]),
		CDSize:          binary.LittleEndian.Uint64(buf[40:48]),
		CDOffset:        binary.LittleEndian.Uint64(buf[48:56]),
	}
	extraLen := int64(size) - (directory64EndLen - 12)
	if extraLen > 0 && int64(len(buf)) >= directory64EndLen+extraLen {
		r.Extra = buf[directory64EndLen : int64(directory64EndLen)+extraLen]
	}
	return r, true
}

type zip64Locator struct {
	CDDiskNumber uint32
	EOCDOffset   uint64
	TotalDisks   uint32
}

func (l *zip64Locator) encode() []byte {
	buf := make([]byte, directory64LocLen)
	b := writeBuf(buf)
	b.uint32(directory64LocSignature)
	b.uint32(l.CDDiskNumber)
	b.uint64(l.EOCDOffset)
	b.uint32(l.TotalDisks)
	return buf
}

func decodeZip64Locator(buf []byte) (*zip64Locator, bool) {
	if len(buf) < directory64LocLen || binary.LittleEndian.Uint32(buf[0:4]) != directory64LocSignature {
		return nil, false
	}
	return &zip64Locator{
		CDDiskNumber: binary.LittleEndian.Uint32(buf[4:8]),
		EOCDOffset:   binary.LittleEndian.Uint64(buf[8:16]),
		TotalDisks:   binary.LittleEndian.Uint32(buf[16:20]),
	}, true
}

func decodeEOCD(buf []byte) (*endOfCentralDirectory, bool) {
	if len(buf) < directoryEndLen || binary.LittleEndian.Uint32(buf[0:4]) != directoryEndSignature {
		return nil, false
	}
	e := &endOfCentralDirectory{
		DiskNumber:      binary.LittleEndian.Uint16(buf[4:6]),
		CDDiskNumber:    binary.LittleEndian.Uint16(buf[6:8]),
		EntriesThisDisk: uint64(binary.LittleEndian.Uint16(buf[8:10])),
		EntriesTotal:    uint64(binary.LittleEndian.Uint16(buf[10:12])),
		CDSize:          uint64(binary.LittleEndian.Uint32(buf[12:16])),
		CDOffset:        uint64(binary.LittleEndian.Uint32(buf[16:20])),
	}
	commentLen := binary.LittleEndian.Uint16(buf[20:22])
	if int(commentLen) <= len(buf)-directoryEndLen {
		e.Comment = string(buf[directoryEndLen : directoryEndLen+int(commentLen)])
	}
	return e, true
}

func (e *endOfCentralDirectory) encode() []byte {
	records := e.EntriesTotal
	size := e.CDSize
	offset := e.CDOffset
	if e.IsZip64 {
		records = uint16max
		size = uint32max
		offset = uint32max
	}
	buf := make([]byte, directoryEndLen+len(e.Comment))
	b := writeBuf(buf)
	b.uint32(directoryEndSignature)
	b.uint16(e.DiskNumber)
	b.uint16(e.CDDiskNumber)
	b.uint16(uint16(records))
	b.uint16(uint16(records))
	b.uint32(uint32(size))
	b.uint32(uint32(offset))
	b.uint16(uint16(len(e.Comment)))
	copy(b, e.Comment)
	return buf
}

// dataDescriptor is the optional post-data trailer, §3.
type dataDescriptor struct {
	CRC32            uint32
	CompressedSize   uint64
	UncompressedSize uint64
	Zip64            bool
}

func (d *dataDescriptor) encode() []byte {
	var buf []byte
	if d.Zip64 {
		buf = make([]byte, dataDescriptor64Len)
	} else {
		buf = make([]byte, dataDescriptorLen)
	}
	b := writeBuf(buf)
	b.uint32(dataDescriptorSignature)
	b.uint32(d.CRC32)
	if d.Zip64 {
		b.uint64(d.CompressedSize)
		b.uint64(d.UncompressedSize)
	} else {
		b.uint32(uint32(d.CompressedSize))
		b.uint32(uint32(d.UncompressedSize))
	}
	return buf
}

// decodeDataDescriptor reads a data descriptor from r. zip64 selects the
// 20-byte wide-size variant. The signature word is optional per spec; this
// engine (like most writers) always emits it, but a descriptor written by
// another tool may omit it, so the first word is sniffed and, if it isn't
// the signature, it is treated as the start of the CRC32 field instead of
// being consumed as a fifth word.
func decodeDataDescriptor(r io.Reader, zip64 bool) (*dataDescriptor, error) {
	fieldsLen := 12
	if zip64 {
		fieldsLen = 20
	}
	var first [4]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		return nil, err
	}
	b := make([]byte, fieldsLen)
	if binary.LittleEndian.Uint32(first[:]) == dataDescriptorSignature {
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
	} else {
		copy(b, first[:])
		if _, err := io.ReadFull(r, b[4:]); err != nil {
			return nil, err
		}
	}
	d := &dataDescriptor{Zip64: zip64}
	d.CRC32 = binary.LittleEndian.Uint32(b[0:4])
	if zip64 {
		d.CompressedSize = binary.LittleEndian.Uint64(b[4:12])
		d.UncompressedSize = binary.LittleEndian.Uint64(b[12:20])
	} else {
		d.CompressedSize = uint64(binary.LittleEndian.Uint32(b[4:8]))
		d.UncompressedSize = uint64(binary.LittleEndian.Uint32(b[8:12]))
	}
	return d, nil
}

// zip64Extra is the decoded, ordered subset of 64-bit fields carried by a
// ZIP64 extended-information extra field (header id 0x0001). Only fields
// whose 32-bit counterpart held the sentinel are present, in the fixed
// order: uncompressed size, compressed size, local header offset, disk
// number start.
type zip64Extra struct {
	UncompressedSize *uint64
	CompressedSize   *uint64
	LocalHeaderOffset *uint64
	DiskNumberStart   *uint32
}

// parseZip64Extra scans extra for a 0x0001 block and decodes the fields
// that are actually present (needUncompressed/needCompressed/needOffset
// flag which 32-bit fields held the sentinel and therefore are expected).
func parseZip64Extra(extra []byte, needUncompressed, needCompressed, needOffset bool) *zip64Extra {
	for len(extra) >= 4 {
		id := binary.LittleEndian.Uint16(extra[0:2])
		size := binary.LittleEndian.Uint16(extra[2:4])
		if len(extra) < 4+int(size) {
			return nil
		}
		data := extra[4 : 4+int(size)]
		if id == zip64ExtraID {
			z := &zip64Extra{}
			if needUncompressed && len(data) >= 8 {
				v := binary.LittleEndian.Uint64(data[0:8])
				z.UncompressedSize = &v
				data = data[8:]
			}
			if needCompressed && len(data) >= 8 {
				v := binary.LittleEndian.Uint64(data[0:8])
				z.CompressedSize = &v
				data = data[8:]
			}
			if needOffset && len(data) >= 8 {
				v := binary.LittleEndian.Uint64(data[0:8])
				z.LocalHeaderOffset = &v
				data = data[8:]
			}
			if len(data) >= 4 {
				v := binary.LittleEndian.Uint32(data[0:4])
				z.DiskNumberStart = &v
			}
			return z
		}
		extra = extra[4+int(size):]
	}
	return nil
}

// encodeZip64Extra builds a 0x0001 extra block carrying exactly the fields
// requested (non-nil pointers), in the fixed order the spec mandates.
func encodeZip64Extra(uncompressed, compressed, offset *uint64) []byte {
	var payload []byte
	push := func(v uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		payload = append(payload, b[:]...)
	}
	if uncompressed != nil {
		push(*uncompressed)
	}
	if compressed != nil {
		push(*compressed)
	}
	if offset != nil {
		push(*offset)
	}
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], zip64ExtraID)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[4:], payload)
	return buf
}

// writeBuf is a small positional byte-buffer writer, used the same way the
// teacher's writer.go uses it: a slice that is consumed field by field.
type writeBuf []byte

func (b *writeBuf) uint8(v uint8) {
	(*b)[0] = v
	*b = (*b)[1:]
}

func (b *writeBuf) uint16(v uint16) {
	binary.LittleEndian.PutUint16(*b, v)
	*b = (*b)[2:]
}

func (b *writeBuf) uint32(v uint32) {
	binary.LittleEndian.PutUint32(*b, v)
	*b = (*b)[4:]
}

func (b *writeBuf) uint64(v uint64) {
	binary.LittleEndian.PutUint64(*b, v)
	*b = (*b)[8:]
}

// timeToMsDosTime converts a time.Time to an MS-DOS date and time.
// The resolution is 2s. See timeToMsDosTime in the teacher's struct.go.
func timeToMsDosTime(t time.Time) (date uint16, time_ uint16) {
	date = uint16(t.Day() + int(t.Month())<<5 + (t.Year()-1980)<<9)
	time_ = uint16(t.Second()/2 + t.Minute()<<5 + t.Hour()<<11)
	return
}

// msDosTimeToTime converts an MS-DOS (date, time) pair back to a time.Time
// in UTC (the spec leaves timezone unspecified; callers that need a
// timezone-aware timestamp should use the extended-timestamp extra field).
func msDosTimeToTime(date, time_ uint16) time.Time {
	return time.Date(
		int(date>>9)+1980,
		time.Month(date>>5&0xf),
		int(date&0x1f),
		int(time_>>11),
		int(time_>>5&0x3f),
		int(time_&0x1f)*2,
		0,
		time.UTC,
	)
}
