// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipcore

import "errors"

// Kind classifies the errors this package can return, so that callers can
// branch on failure category with errors.As instead of string matching.
type Kind int

const (
	// KindOther is the zero Kind, for errors that don't fit any of the
	// kinds below. The engine itself never constructs it; I/O errors from
	// the byte source are returned verbatim, not as an *ArchiveError.
	KindOther Kind = iota

	// Structural errors: the bytes on disk don't describe a valid archive.
	KindMissingEOCD
	KindLocalHeaderNotFound
	KindInvalidCompressionMethod
	KindInvalidEntryPath
	KindInvalidEntrySize
	KindInvalidCentralDirectorySize
	KindInvalidCentralDirectoryOffset
	KindInvalidCentralDirectoryEntryCount
	KindInvalidLocalHeaderSize
	KindInvalidLocalHeaderDataOffset

	// Integrity errors.
	KindInvalidCRC32
	KindCorruptedData

	// Policy errors.
	KindUnreadableArchive
	KindUnwritableArchive
	KindInvalidBufferSize
	KindRangeOutOfBounds
	KindEntryIsNotAFile
	KindUncontainedSymlink

	// Lifecycle errors.
	KindCancelledOperation
)

// ArchiveError is the concrete error type returned by every exported
// operation in this package that fails for a reason internal to the engine
// (as opposed to an I/O error from the byte source, which is returned as
// is, with its own type).
type ArchiveError struct {
	Kind Kind
	Op   string // operation that failed, e.g. "extract", "addEntry"
	Path string // entry path involved, if any
	Err  error  // underlying cause, may be nil
}

func (e *ArchiveError) Error() string {
	msg := "zipcore: " + e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ArchiveError) Unwrap() error { return e.Err }

func (k Kind) String() string {
	switch k {
	case KindMissingEOCD:
		return "missing end of central directory record"
	case KindLocalHeaderNotFound:
		return "local file header not found"
	case KindInvalidCompressionMethod:
		return "invalid compression method"
	case KindInvalidEntryPath:
		return "invalid entry path"
	case KindInvalidEntrySize:
		return "invalid entry size"
	case KindInvalidCentralDirectorySize:
		return "invalid central directory size"
	case KindInvalidCentralDirectoryOffset:
		return "invalid central directory offset"
	case KindInvalidCentralDirectoryEntryCount:
		return "invalid central directory entry count"
	case KindInvalidLocalHeaderSize:
		return "invalid local header size"
	case KindInvalidLocalHeaderDataOffset:
		return "invalid local header data offset"
	case KindInvalidCRC32:
		return "CRC-32 mismatch"
	case KindCorruptedData:
		return "corrupted compressed data"
	case KindUnreadableArchive:
		return "archive is not readable in this mode"
	case KindUnwritableArchive:
		return "archive is not writable in this mode"
	case KindInvalidBufferSize:
		return "invalid buffer size"
	case KindRangeOutOfBounds:
		return "requested range is out of bounds"
	case KindEntryIsNotAFile:
		return "entry is not a regular file"
	case KindUncontainedSymlink:
		return "symlink target escapes destination directory"
	case KindCancelledOperation:
		return "operation cancelled"
	default:
		return "zip error"
	}
}

func newErr(op, path string, kind Kind, cause error) error {
	return &ArchiveError{Kind: kind, Op: op, Path: path, Err: cause}
}

// Is reports whether err (or any error it wraps) was constructed with kind.
func Is(err error, kind Kind) bool {
	var ae *ArchiveError
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}
