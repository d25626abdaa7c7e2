package zipcore

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildThreeEntryArchive(t *testing.T) *Archive {
	t.Helper()
	ar := openFreshArchive(t)
	for _, pair := range []struct {
		name    string
		content string
	}{
		{"first.txt", "first entry contents"},
		{"second.txt", "second entry contents, somewhat longer than the first"},
		{"third.txt", "third"},
	} {
		_, err := ar.AddFile(pair.name, uint64(len(pair.content)), bytes.NewReader([]byte(pair.content)), nil)
		require.NoError(t, err)
	}
	return ar
}

func TestRemoveMiddleEntryPreservesOthers(t *testing.T) {
	ar := buildThreeEntryArchive(t)

	middle, err := ar.Get("second.txt")
	require.NoError(t, err)
	require.NoError(t, ar.Remove(middle, nil))

	entries, err := ar.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	names := []string{entries[0].Path(), entries[1].Path()}
	require.ElementsMatch(t, []string{"first.txt", "third.txt"}, names)

	first, err := ar.Get("first.txt")
	require.NoError(t, err)
	var got bytes.Buffer
	_, err = ar.Extract(first, func(chunk []byte) error {
		_, werr := got.Write(chunk)
		return werr
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "first entry contents", got.String())

	third, err := ar.Get("third.txt")
	require.NoError(t, err)
	got.Reset()
	_, err = ar.Extract(third, func(chunk []byte) error {
		_, werr := got.Write(chunk)
		return werr
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "third", got.String())

	missing, err := ar.Get("second.txt")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestRemoveRewritesLocalHeaderOffsets(t *testing.T) {
	ar := buildThreeEntryArchive(t)
	first, err := ar.Get("first.txt")
	require.NoError(t, err)
	require.NoError(t, ar.Remove(first, nil))

	// Everything after the removed entry must have shifted down; extracting
	// by entry (rather than by raw offset) must still work after the shift.
	third, err := ar.Get("third.txt")
	require.NoError(t, err)
	var got bytes.Buffer
	_, err = ar.Extract(third, func(chunk []byte) error {
		_, werr := got.Write(chunk)
		return werr
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "third", got.String())
}

func TestRemoveOnReadOnlyArchiveFails(t *testing.T) {
	ar := buildThreeEntryArchive(t)
	src, _ := ar.source.(*MemorySource)
	data := append([]byte(nil), src.Bytes()...)

	ro, err := OpenInMemory(data, AccessModeRead)
	require.NoError(t, err)
	e, err := ro.Get("first.txt")
	require.NoError(t, err)

	err = ro.Remove(e, nil)
	require.Error(t, err)
	require.True(t, Is(err, KindUnwritableArchive))
}

func TestRemoveThenAddReusesFreedSpace(t *testing.T) {
	ar := buildThreeEntryArchive(t)
	middle, err := ar.Get("second.txt")
	require.NoError(t, err)
	require.NoError(t, ar.Remove(middle, nil))

	_, err = ar.AddFile("fourth.txt", 6, bytes.NewReader([]byte("fourth")), nil)
	require.NoError(t, err)

	entries, err := ar.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
}
