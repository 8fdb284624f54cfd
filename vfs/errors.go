package vfs

import "errors"

// Errors returned by store and handle operations, matching spec.md §7's
// taxonomy. Callers should compare with errors.Is; a kernel bridge maps
// each to its platform errno.
var (
	ErrNotFound    = errors.New("vfs: not found")
	ErrExists      = errors.New("vfs: already exists")
	ErrNotEmpty    = errors.New("vfs: directory not empty")
	ErrNotDir      = errors.New("vfs: not a directory")
	ErrIsDir       = errors.New("vfs: is a directory")
	ErrReadOnly    = errors.New("vfs: filesystem is read-only")
	ErrInvalidName = errors.New("vfs: invalid name")
	ErrStale       = errors.New("vfs: stale handle")
)
