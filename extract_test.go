package zipcore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openFreshArchive(t *testing.T) *Archive {
	t.Helper()
	ar, err := OpenInMemory(nil, AccessModeCreate)
	require.NoError(t, err)
	return ar
}

func TestExtractFileStoreAndDeflateRoundTrip(t *testing.T) {
	content := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 500)
	for _, method := range []uint16{Store, Deflate} {
		ar := openFreshArchive(t)
		opts := &AddOptions{Method: method}
		_, err := ar.AddFile("payload.bin", uint64(len(content)), bytes.NewReader(content), opts)
		require.NoError(t, err)

		e, err := ar.Get("payload.bin")
		require.NoError(t, err)

		var got bytes.Buffer
		crc, err := ar.Extract(e, func(chunk []byte) error {
			_, werr := got.Write(chunk)
			return werr
		}, nil)
		require.NoError(t, err)
		require.Equal(t, content, got.Bytes())
		require.Equal(t, crc32Of(content), crc)
	}
}

func TestExtractEmptyFile(t *testing.T) {
	ar := openFreshArchive(t)
	_, err := ar.AddFile("empty.txt", 0, bytes.NewReader(nil), nil)
	require.NoError(t, err)

	e, err := ar.Get("empty.txt")
	require.NoError(t, err)

	var chunks int
	_, err = ar.Extract(e, func(chunk []byte) error {
		chunks++
		return nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 0, chunks)
}

func TestExtractDirectoryYieldsNoData(t *testing.T) {
	ar := openFreshArchive(t)
	_, err := ar.AddDirectory("assets", nil)
	require.NoError(t, err)

	e, err := ar.Get("assets/")
	require.NoError(t, err)
	require.Equal(t, EntryDirectory, e.Type())

	var called bool
	_, err = ar.Extract(e, func(chunk []byte) error {
		called = true
		require.Empty(t, chunk)
		return nil
	}, nil)
	require.NoError(t, err)
	require.True(t, called)
}

func TestExtractSymlink(t *testing.T) {
	ar := openFreshArchive(t)
	_, err := ar.AddSymlink("link", "../target.txt", nil)
	require.NoError(t, err)

	e, err := ar.Get("link")
	require.NoError(t, err)
	require.Equal(t, EntrySymlink, e.Type())

	var target string
	_, err = ar.Extract(e, func(chunk []byte) error {
		target = string(chunk)
		return nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "../target.txt", target)
}

func TestExtractDetectsCRCMismatchWithoutDeliveringLastChunk(t *testing.T) {
	ar := openFreshArchive(t)
	content := bytes.Repeat([]byte("x"), 40000)
	_, err := ar.AddFile("corrupt.bin", uint64(len(content)), bytes.NewReader(content), &AddOptions{Method: Store})
	require.NoError(t, err)

	e, err := ar.Get("corrupt.bin")
	require.NoError(t, err)
	e.cds.CRC32 ^= 0xffffffff // corrupt the recorded checksum

	var delivered [][]byte
	_, err = ar.Extract(e, func(chunk []byte) error {
		delivered = append(delivered, append([]byte(nil), chunk...))
		return nil
	}, &ExtractOptions{BufferSize: 4096})
	require.Error(t, err)
	require.True(t, Is(err, KindInvalidCRC32))

	var total int
	for _, c := range delivered {
		total += len(c)
	}
	require.Less(t, total, len(content), "the final chunk must not have been delivered")
}

func TestExtractSkipCRC32(t *testing.T) {
	ar := openFreshArchive(t)
	content := []byte("hello")
	_, err := ar.AddFile("f.txt", uint64(len(content)), bytes.NewReader(content), nil)
	require.NoError(t, err)
	e, err := ar.Get("f.txt")
	require.NoError(t, err)
	e.cds.CRC32 ^= 0xffffffff

	_, err = ar.Extract(e, func(chunk []byte) error { return nil }, &ExtractOptions{SkipCRC32: true})
	require.NoError(t, err)
}

func TestExtractToPathRefusesExistingTarget(t *testing.T) {
	ar := openFreshArchive(t)
	_, err := ar.AddFile("f.txt", 5, bytes.NewReader([]byte("hello")), nil)
	require.NoError(t, err)
	e, err := ar.Get("f.txt")
	require.NoError(t, err)

	dir := t.TempDir()
	existing := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(existing, []byte("occupied"), 0o644))

	_, err = ar.ExtractToPath(e, dir, nil)
	require.Error(t, err)
}

func TestExtractToPathRejectsPathTraversal(t *testing.T) {
	ar := openFreshArchive(t)
	_, err := ar.AddFile("../escape.txt", 1, bytes.NewReader([]byte("x")), nil)
	require.NoError(t, err)
	e, err := ar.Get("../escape.txt")
	require.NoError(t, err)

	dir := t.TempDir()
	_, err = ar.ExtractToPath(e, dir, nil)
	require.Error(t, err)
	require.True(t, Is(err, KindInvalidEntryPath))
}

func TestExtractToPathWritesFileWithPermissions(t *testing.T) {
	ar := openFreshArchive(t)
	content := []byte("contents")
	_, err := ar.AddFile("out.txt", uint64(len(content)), bytes.NewReader(content), &AddOptions{Permissions: 0o640})
	require.NoError(t, err)
	e, err := ar.Get("out.txt")
	require.NoError(t, err)

	dir := t.TempDir()
	_, err = ar.ExtractToPath(e, dir, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	require.Equal(t, content, got)

	info, err := os.Stat(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o640), info.Mode().Perm())
}

func TestExtractRangeStore(t *testing.T) {
	ar := openFreshArchive(t)
	content := []byte("0123456789abcdef")
	_, err := ar.AddFile("range.bin", uint64(len(content)), bytes.NewReader(content), &AddOptions{Method: Store})
	require.NoError(t, err)
	e, err := ar.Get("range.bin")
	require.NoError(t, err)

	for _, tc := range []struct{ lo, hi int64 }{
		{0, 4}, {4, 10}, {0, int64(len(content))},
	} {
		var got bytes.Buffer
		err := ar.ExtractRange(e, tc.lo, tc.hi, func(chunk []byte) error {
			_, werr := got.Write(chunk)
			return werr
		}, nil)
		require.NoError(t, err)
		require.Equal(t, content[tc.lo:tc.hi], got.Bytes())
	}
}

func TestExtractRangeDeflate(t *testing.T) {
	ar := openFreshArchive(t)
	content := bytes.Repeat([]byte("abcdefghij"), 5000)
	_, err := ar.AddFile("range.bin", uint64(len(content)), bytes.NewReader(content), &AddOptions{Method: Deflate})
	require.NoError(t, err)
	e, err := ar.Get("range.bin")
	require.NoError(t, err)

	for _, tc := range []struct{ lo, hi int64 }{
		{0, 10}, {25000, 25100}, {int64(len(content)) - 3, int64(len(content))},
	} {
		var got bytes.Buffer
		err := ar.ExtractRange(e, tc.lo, tc.hi, func(chunk []byte) error {
			_, werr := got.Write(chunk)
			return werr
		}, &ExtractOptions{BufferSize: 1024})
		require.NoError(t, err)
		require.Equal(t, content[tc.lo:tc.hi], got.Bytes())
	}
}

func TestExtractRangeRejectsOutOfBounds(t *testing.T) {
	ar := openFreshArchive(t)
	content := []byte("short")
	_, err := ar.AddFile("s.bin", uint64(len(content)), bytes.NewReader(content), nil)
	require.NoError(t, err)
	e, err := ar.Get("s.bin")
	require.NoError(t, err)

	err = ar.ExtractRange(e, 0, int64(len(content))+1, func([]byte) error { return nil }, nil)
	require.Error(t, err)
	require.True(t, Is(err, KindRangeOutOfBounds))
}

func TestExtractRangeRejectsNonFileEntry(t *testing.T) {
	ar := openFreshArchive(t)
	_, err := ar.AddDirectory("d", nil)
	require.NoError(t, err)
	e, err := ar.Get("d/")
	require.NoError(t, err)

	err = ar.ExtractRange(e, 0, 0, func([]byte) error { return nil }, nil)
	require.Error(t, err)
	require.True(t, Is(err, KindEntryIsNotAFile))
}

func TestExtractCancellation(t *testing.T) {
	ar := openFreshArchive(t)
	content := bytes.Repeat([]byte("z"), 100000)
	_, err := ar.AddFile("big.bin", uint64(len(content)), bytes.NewReader(content), &AddOptions{Method: Store})
	require.NoError(t, err)
	e, err := ar.Get("big.bin")
	require.NoError(t, err)

	progress := &Progress{}
	var chunks int
	_, err = ar.Extract(e, func(chunk []byte) error {
		chunks++
		if chunks == 2 {
			progress.Cancel()
		}
		return nil
	}, &ExtractOptions{BufferSize: 1024, Progress: progress})
	require.Error(t, err)
	require.True(t, Is(err, KindCancelledOperation))
}
