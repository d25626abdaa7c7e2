package zipcore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateEntryPathRejectsTraversalAndAbsolute(t *testing.T) {
	for _, p := range []string{"/etc/passwd", "..", "C:\\evil", "a\x00b"} {
		require.Error(t, validateEntryPath(p), "path %q should be rejected", p)
	}
	for _, p := range []string{"a/b.txt", "dir/", "../ok-but-not-escaping-when-joined/x"} {
		require.NoError(t, validateEntryPath(p), "path %q should be accepted", p)
	}
}

func TestResolveExtractPathRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	_, err := resolveExtractPath(dir, "../../etc/passwd")
	require.Error(t, err)
	require.True(t, Is(err, KindInvalidEntryPath))
}

func TestResolveExtractPathAcceptsNestedPath(t *testing.T) {
	dir := t.TempDir()
	got, err := resolveExtractPath(dir, "a/b/c.txt")
	require.NoError(t, err)
	want, _ := filepath.Abs(filepath.Join(dir, "a", "b", "c.txt"))
	require.Equal(t, want, got)
}

func TestValidateSymlinkTargetRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	err := validateSymlinkTarget(dir, "link", "../../../etc/passwd", false)
	require.Error(t, err)
	require.True(t, Is(err, KindUncontainedSymlink))
}

func TestValidateSymlinkTargetAcceptsContainedRelativeLink(t *testing.T) {
	dir := t.TempDir()
	err := validateSymlinkTarget(dir, "nested/link", "../sibling.txt", false)
	require.NoError(t, err)
}

func TestValidateSymlinkTargetAllowUncontainedOptOut(t *testing.T) {
	dir := t.TempDir()
	err := validateSymlinkTarget(dir, "link", "/etc/passwd", true)
	require.NoError(t, err)
}
