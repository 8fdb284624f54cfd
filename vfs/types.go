// Package vfs implements the inode store, directory index, and
// open-file manager (C7–C9) of the encrypted-content engine: the parts
// of spec.md that live above the crypto primitives and below the
// out-of-scope kernel bridge.
//
// Grounded throughout in go-fuse's fs package (fs/api.go's StableAttr
// and Attr conventions, fs/inode_children.go's persistent tree
// bookkeeping, fs/files.go's FileHandle table) generalized from an
// in-memory node tree backed by a real POSIX filesystem to a tree whose
// nodes are themselves encrypted records on a backing directory.
package vfs

import (
	"log/slog"
	"time"

	"github.com/vaultfs/vaultfs/internal/aead"
)

// Kind names the type of filesystem object an inode represents,
// mirroring spec.md §3's Inode.kind.
type Kind uint8

const (
	RegularFile Kind = iota + 1
	Directory
	Symlink
)

func (k Kind) String() string {
	switch k {
	case RegularFile:
		return "file"
	case Directory:
		return "dir"
	case Symlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// RootIno is the reserved inode number of the filesystem root
// directory (spec.md §3).
const RootIno uint64 = 1

// Attr is the persistent attribute record for one inode: everything
// spec.md §3 lists besides the content itself. Size is always the
// authoritative plaintext length, never a function of the on-disk
// ciphertext.
type Attr struct {
	Ino     uint64
	Kind    Kind
	Mode    uint32 // permission bits
	UID     uint32
	GID     uint32
	Size    uint64
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
	Crtime  time.Time
	Nlink   uint32
	Rdev    uint32
	Flags   uint32
	Target  string // symlink target; empty for non-symlinks
	Deleted bool   // unlinked but kept alive by an open handle
}

// SetAttrChanges carries the subset of Attr a setattr call wants to
// change; a nil field pointer means "leave unchanged."
type SetAttrChanges struct {
	Mode  *uint32
	UID   *uint32
	GID   *uint32
	Size  *uint64
	Atime *time.Time
	Mtime *time.Time
}

// DirEntry is one record in a directory's index: spec.md §3's
// (name, inode, kind) triple.
type DirEntry struct {
	Name  string
	Ino   uint64
	Kind  Kind
	Token string // the on-disk hashed token this entry is stored under
}

// Config carries the mount-time options spec.md §6 enumerates. The
// core only acts on ReadOnly; the rest are passed through for a kernel
// bridge to read back via Filesystem.Config (SPEC_FULL.md §4.12).
type Config struct {
	DataDir string
	Cipher  aead.Cipher
	// ReadOnly makes every mutating operation fail with ErrReadOnly.
	ReadOnly bool

	AllowOther bool
	AllowRoot  bool
	DirectIO   bool
	Suid       bool

	// Logger receives lifecycle and error events (SPEC_FULL.md §4.11).
	// A nil Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Statfs summarizes filesystem-wide usage, grounded in go-fuse's
// fs/api.go StatfsOut shape but sourced from the backing directory's
// real statfs call plus the persisted inode counter (SPEC_FULL.md §6).
type Statfs struct {
	BlockSize  uint32
	Blocks     uint64
	BlocksFree uint64
	Inodes     uint64
	InodesFree uint64
}
