package zipcore

import (
	"bytes"
	"testing"
	"time"
)

func TestLocalFileHeaderRoundTrip(t *testing.T) {
	h := &localFileHeader{
		ReaderVersion:    zipVersion20,
		Flags:            flagUTF8,
		Method:           Deflate,
		ModifiedTime:     1234,
		ModifiedDate:     5678,
		CRC32:            0xdeadbeef,
		CompressedSize:   100,
		UncompressedSize: 200,
		Name:             "hello.txt",
		Extra:            []byte{1, 2, 3, 4},
	}
	encoded := h.encode()
	got, ok, err := decodeLocalFileHeader(bytes.NewReader(encoded))
	if err != nil || !ok {
		t.Fatalf("decodeLocalFileHeader: ok=%v err=%v", ok, err)
	}
	if got.Name != h.Name || got.CRC32 != h.CRC32 || got.CompressedSize != h.CompressedSize {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
	if !bytes.Equal(got.Extra, h.Extra) {
		t.Fatalf("extra mismatch: got %v want %v", got.Extra, h.Extra)
	}
}

func TestDecodeLocalFileHeaderTruncated(t *testing.T) {
	_, ok, err := decodeLocalFileHeader(bytes.NewReader([]byte{1, 2, 3}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for truncated header")
	}
}

func TestCentralDirectoryHeaderRoundTrip(t *testing.T) {
	h := &centralDirectoryHeader{
		CreatorVersion:    uint16(creatorUnix)<<8 | zipVersion20,
		ReaderVersion:     zipVersion20,
		Method:            Store,
		CRC32:             42,
		CompressedSize:    10,
		UncompressedSize:  10,
		ExternalAttrs:     0x81a40000,
		LocalHeaderOffset: 999,
		Name:              "dir/file.bin",
		Extra:             nil,
		Comment:           "a comment",
	}
	encoded := h.encode()
	got, ok, err := decodeCentralDirectoryHeader(bytes.NewReader(encoded))
	if err != nil || !ok {
		t.Fatalf("decode failed: ok=%v err=%v", ok, err)
	}
	if got.Name != h.Name || got.Comment != h.Comment || got.LocalHeaderOffset != h.LocalHeaderOffset {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
}

func TestEOCDRoundTripNonZip64(t *testing.T) {
	e := &endOfCentralDirectory{
		EntriesThisDisk: 3,
		EntriesTotal:    3,
		CDSize:          500,
		CDOffset:        1000,
		Comment:         "note",
	}
	encoded := e.encode()
	got, ok := decodeEOCD(encoded)
	if !ok {
		t.Fatalf("decodeEOCD failed")
	}
	if got.EntriesTotal != 3 || got.CDSize != 500 || got.CDOffset != 1000 || got.Comment != "note" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestEOCDEncodeZip64UsesSentinels(t *testing.T) {
	e := &endOfCentralDirectory{
		EntriesTotal: 70000,
		CDSize:       1 << 33,
		CDOffset:     1 << 34,
		IsZip64:      true,
	}
	encoded := e.encode()
	got, ok := decodeEOCD(encoded)
	if !ok {
		t.Fatalf("decodeEOCD failed")
	}
	if got.EntriesTotal != uint16max || got.CDSize != uint32max || got.CDOffset != uint32max {
		t.Fatalf("expected sentinels, got %+v", got)
	}
}

func TestZip64LocatorRoundTrip(t *testing.T) {
	l := &zip64Locator{EOCDOffset: 123456789, TotalDisks: 1}
	got, ok := decodeZip64Locator(l.encode())
	if !ok || got.EOCDOffset != l.EOCDOffset {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestZip64EOCDRoundTrip(t *testing.T) {
	r := &zip64EndOfCentralDirectory{
		VersionMadeBy:   zipVersion45,
		VersionNeeded:   zipVersion45,
		EntriesThisDisk: 5,
		EntriesTotal:    5,
		CDSize:          1 << 40,
		CDOffset:        1 << 41,
	}
	got, ok := decodeZip64EOCD(r.encode())
	if !ok || got.CDSize != r.CDSize || got.CDOffset != r.CDOffset {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestDataDescriptorRoundTripWithSignature(t *testing.T) {
	d := &dataDescriptor{CRC32: 111, CompressedSize: 222, UncompressedSize: 333}
	got, err := decodeDataDescriptor(bytes.NewReader(d.encode()), false)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CRC32 != d.CRC32 || got.CompressedSize != d.CompressedSize {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestDataDescriptorDecodeWithoutSignature(t *testing.T) {
	// Some writers omit the optional signature word; the fields start
	// immediately.
	buf := make([]byte, 12)
	wb := writeBuf(buf)
	wb.uint32(55)
	wb.uint32(66)
	wb.uint32(77)
	got, err := decodeDataDescriptor(bytes.NewReader(buf), false)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CRC32 != 55 || got.CompressedSize != 66 || got.UncompressedSize != 77 {
		t.Fatalf("unexpected fields: %+v", got)
	}
}

func TestDataDescriptorRoundTripZip64(t *testing.T) {
	d := &dataDescriptor{CRC32: 1, CompressedSize: 1 << 34, UncompressedSize: 1 << 35, Zip64: true}
	got, err := decodeDataDescriptor(bytes.NewReader(d.encode()), true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CompressedSize != d.CompressedSize || got.UncompressedSize != d.UncompressedSize {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestZip64ExtraRoundTrip(t *testing.T) {
	u, c, o := uint64(1<<33), uint64(1<<34), uint64(1<<35)
	extra := encodeZip64Extra(&u, &c, &o)
	got := parseZip64Extra(extra, true, true, true)
	if got == nil {
		t.Fatalf("expected a parsed extra block")
	}
	if *got.UncompressedSize != u || *got.CompressedSize != c || *got.LocalHeaderOffset != o {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestZip64ExtraPartial(t *testing.T) {
	o := uint64(1 << 40)
	extra := encodeZip64Extra(nil, nil, &o)
	got := parseZip64Extra(extra, false, false, true)
	if got == nil || got.LocalHeaderOffset == nil || *got.LocalHeaderOffset != o {
		t.Fatalf("expected just the offset field, got %+v", got)
	}
}

func TestMsDosTimeRoundTrip(t *testing.T) {
	want := time.Date(2023, time.June, 15, 13, 42, 30, 0, time.UTC)
	date, tm := timeToMsDosTime(want)
	got := msDosTimeToTime(date, tm)
	if !got.Equal(want.Truncate(2 * time.Second)) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
