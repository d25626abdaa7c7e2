package zipcore

import (
	"path/filepath"
	"strings"
)

// validateEntryPath rejects entry paths that cannot be safely joined to a
// destination directory: NUL bytes, absolute paths, and paths that are
// already lexically identical to "..". Actual containment (resolving ".."
// components against the destination root) is checked by resolveExtractPath
// once the destination is known (§4.8).
func validateEntryPath(path string) error {
	if strings.IndexByte(path, 0) >= 0 {
		return newErr("extract", path, KindInvalidEntryPath, nil)
	}
	if filepath.IsAbs(path) {
		return newErr("extract", path, KindInvalidEntryPath, nil)
	}
	if path == ".." {
		return newErr("extract", path, KindInvalidEntryPath, nil)
	}
	// Reject a leading volume name (e.g. "C:") even on platforms where
	// filepath.IsAbs wouldn't catch it (we may be extracting Windows-style
	// paths on a POSIX host).
	if len(path) >= 2 && path[1] == ':' {
		return newErr("extract", path, KindInvalidEntryPath, nil)
	}
	return nil
}

// resolveExtractPath joins entryPath under destDir and verifies the result
// still lies within destDir, rejecting ".." components that would escape it
// before any filesystem write occurs (§4.8 "Path traversal on extraction").
func resolveExtractPath(destDir, entryPath string) (string, error) {
	if err := validateEntryPath(entryPath); err != nil {
		return "", err
	}
	destAbs, err := filepath.Abs(destDir)
	if err != nil {
		return "", err
	}
	joined := filepath.Join(destAbs, filepath.FromSlash(entryPath))
	if joined != destAbs && !strings.HasPrefix(joined, destAbs+string(filepath.Separator)) {
		return "", newErr("extract", entryPath, KindInvalidEntryPath, nil)
	}
	return joined, nil
}

// validateSymlinkTarget resolves a symlink's target (relative links are
// interpreted relative to the symlink's own parent directory, absolute
// links as given) and, unless allowUncontained is set, rejects targets that
// escape destDir (§4.8 "Symlink containment"), grounded on the chroot check
// in saracen/fastzip's Extractor.Extract.
func validateSymlinkTarget(destDir, entryPath, target string, allowUncontained bool) error {
	if allowUncontained {
		return nil
	}
	destAbs, err := filepath.Abs(destDir)
	if err != nil {
		return err
	}
	var resolved string
	if filepath.IsAbs(target) {
		resolved = filepath.Clean(target)
	} else {
		parent := filepath.Dir(filepath.Join(destAbs, filepath.FromSlash(entryPath)))
		resolved = filepath.Join(parent, filepath.FromSlash(target))
	}
	if resolved != destAbs && !strings.HasPrefix(resolved, destAbs+string(filepath.Separator)) {
		return newErr("extract", entryPath, KindUncontainedSymlink, nil)
	}
	return nil
}
