// Package atomicfile implements the write-temp/fsync/rename/fsync-parent
// sequence (C10) used to publish every inode record, directory entry,
// and key-store file spec.md §4.9 requires.
//
// Grounded in spec.md §4.9 directly; the temp-file-then-rename mechanics
// are delegated to google/renameio/v2, the same atomic-replace library
// distr1-distri uses throughout its build and mirror commands
// (cmd/distri/build.go, mirror.go, scaffold.go: renameio.WriteFile,
// renameio.TempFile). renameio fsyncs the temp file before renaming; this
// package adds the parent-directory fsync spec.md's sequence also
// requires, which renameio does not do on the caller's behalf.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// Write publishes data at path: write to a sibling temp file, fsync,
// rename over path, then fsync the containing directory.
func Write(path string, data []byte) error {
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("atomicfile: writing %s: %w", path, err)
	}
	return syncParent(path)
}

// Create returns a PendingFile the caller writes an arbitrary body
// into (e.g. a crypto-stream encoder's sink); CloseAtomicallyReplace
// commits it in place of path, after which the caller must still call
// SyncParent to fsync the containing directory.
func Create(path string) (*renameio.PendingFile, error) {
	f, err := renameio.TempFile("", path)
	if err != nil {
		return nil, fmt.Errorf("atomicfile: creating temp file for %s: %w", path, err)
	}
	return f, nil
}

// SyncParent fsyncs the directory containing path, completing the
// publish sequence after a PendingFile's CloseAtomicallyReplace.
func SyncParent(path string) error {
	return syncParent(path)
}

func syncParent(path string) error {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("atomicfile: opening parent of %s: %w", path, err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("atomicfile: fsyncing parent of %s: %w", path, err)
	}
	return nil
}
