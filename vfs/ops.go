package vfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/vaultfs/vaultfs/internal/cryptio"
	"github.com/vaultfs/vaultfs/internal/names"
)

// Lookup resolves name inside parent: hash the name to its token, read
// the entry file, and load the target inode's attributes (spec.md
// §4.7).
func (fs *Filesystem) Lookup(parent uint64, name string) (Attr, error) {
	lock := fs.lockFor(parent)
	lock.RLock()
	defer lock.RUnlock()

	e, err := fs.readDirEntry(parent, names.Hash(name))
	if err != nil {
		return Attr{}, err
	}
	return fs.readAttr(e.Ino)
}

// Create allocates a new inode of kind RegularFile under parent and
// installs its directory entry (spec.md §4.7). openHandle requests a
// write handle be returned already open, matching `create`'s optional
// handle return.
func (fs *Filesystem) Create(parent uint64, name string, mode, uid, gid uint32, openHandle bool) (Attr, *Handle, error) {
	if fs.cfg.ReadOnly {
		return Attr{}, nil, ErrReadOnly
	}
	attr, err := fs.createInode(parent, name, RegularFile, mode, uid, gid, "")
	if err != nil {
		return Attr{}, nil, err
	}
	if err := os.MkdirAll(contentsDir(fs.dataDir), 0o700); err != nil {
		return Attr{}, nil, fmt.Errorf("vfs: preparing contents dir: %w", err)
	}
	f, err := os.OpenFile(contentPath(fs.dataDir, attr.Ino), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return Attr{}, nil, fmt.Errorf("vfs: creating content file for inode %d: %w", attr.Ino, err)
	}
	f.Close()

	var h *Handle
	if openHandle {
		h, err = fs.Open(attr.Ino, true, true)
		if err != nil {
			return Attr{}, nil, err
		}
	}
	return attr, h, nil
}

// Mkdir allocates a new inode of kind Directory, creates its backing
// content directory, and installs `$.`/`$..` entries (spec.md §4.7).
func (fs *Filesystem) Mkdir(parent uint64, name string, mode, uid, gid uint32) (Attr, error) {
	if fs.cfg.ReadOnly {
		return Attr{}, ErrReadOnly
	}
	attr, err := fs.createInode(parent, name, Directory, mode, uid, gid, "")
	if err != nil {
		return Attr{}, err
	}
	dir := filepath.Join(contentsDir(fs.dataDir), fmt.Sprintf("%d", attr.Ino))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Attr{}, fmt.Errorf("vfs: creating directory content %s: %w", dir, err)
	}
	if err := fs.writeDirEntry(attr.Ino, names.SelfToken, dirEntryBody{Ino: attr.Ino, Kind: Directory, Name: names.SelfToken}); err != nil {
		return Attr{}, err
	}
	if err := fs.writeDirEntry(attr.Ino, names.ParentToken, dirEntryBody{Ino: parent, Kind: Directory, Name: names.ParentToken}); err != nil {
		return Attr{}, err
	}
	return attr, nil
}

// Symlink allocates a new inode of kind Symlink carrying target as its
// attribute record's Target field; symlinks have no content file
// (SPEC_FULL.md §8.1).
func (fs *Filesystem) Symlink(parent uint64, name, target string, uid, gid uint32) (Attr, error) {
	if fs.cfg.ReadOnly {
		return Attr{}, ErrReadOnly
	}
	attr, err := fs.createInode(parent, name, Symlink, 0o777, uid, gid, target)
	if err != nil {
		return Attr{}, err
	}
	attr.Size = uint64(len(target))
	if err := fs.writeAttr(attr); err != nil {
		return Attr{}, err
	}
	return attr, nil
}

// Readlink returns a symlink inode's target.
func (fs *Filesystem) Readlink(ino uint64) (string, error) {
	lock := fs.lockFor(ino)
	lock.RLock()
	defer lock.RUnlock()
	attr, err := fs.readAttr(ino)
	if err != nil {
		return "", err
	}
	if attr.Kind != Symlink {
		return "", fmt.Errorf("vfs: inode %d is not a symlink", ino)
	}
	return attr.Target, nil
}

// Getattr loads an inode's attribute record directly, without going
// through a parent lookup (spec.md §6).
func (fs *Filesystem) Getattr(ino uint64) (Attr, error) {
	lock := fs.lockFor(ino)
	lock.RLock()
	defer lock.RUnlock()
	return fs.readAttr(ino)
}

// DirEntryPlus pairs a directory entry with its target's full
// attribute record, saving a lookup round trip for a kernel bridge's
// readdir_plus (SPEC_FULL.md §6).
type DirEntryPlus struct {
	DirEntry
	Attr Attr
}

// ReaddirPlus lists dir's entries like Readdir, additionally loading
// each entry's attribute record. Attribute loads fan out across an
// errgroup since each is an independent decrypt of its own inode
// record.
func (fs *Filesystem) ReaddirPlus(dir uint64, includeDot bool) ([]DirEntryPlus, error) {
	entries, err := fs.Readdir(dir, includeDot)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntryPlus, len(entries))
	var g errgroup.Group
	g.SetLimit(readdirPlusConcurrency)
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			attr, err := fs.Getattr(e.Ino)
			if err != nil {
				return err
			}
			out[i] = DirEntryPlus{DirEntry: e, Attr: attr}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// readdirPlusConcurrency bounds the number of inode records decrypted
// in parallel per ReaddirPlus call.
const readdirPlusConcurrency = 8

func (fs *Filesystem) createInode(parent uint64, name string, kind Kind, mode, uid, gid uint32, target string) (Attr, error) {
	if name == "" || name == names.SelfToken || name == names.ParentToken {
		return Attr{}, ErrInvalidName
	}

	parentLock := fs.lockFor(parent)
	parentLock.Lock()
	defer parentLock.Unlock()

	token := names.Hash(name)
	if _, err := fs.readDirEntry(parent, token); err == nil {
		return Attr{}, ErrExists
	} else if !errors.Is(err, ErrNotFound) {
		return Attr{}, err
	}

	ino, err := fs.allocateIno()
	if err != nil {
		return Attr{}, err
	}

	now := fs.now()
	nlink := uint32(1)
	if kind == Directory {
		nlink = 2
	}
	attr := Attr{
		Ino: ino, Kind: kind, Mode: mode, UID: uid, GID: gid,
		Atime: now, Mtime: now, Ctime: now, Crtime: now,
		Nlink: nlink, Target: target,
	}
	if err := fs.writeAttr(attr); err != nil {
		return Attr{}, err
	}
	if err := fs.writeDirEntry(parent, token, dirEntryBody{Ino: ino, Kind: kind, Name: name}); err != nil {
		return Attr{}, err
	}

	parentAttr, err := fs.readAttr(parent)
	if err != nil {
		return Attr{}, err
	}
	parentAttr.Mtime = now
	parentAttr.Ctime = now
	if kind == Directory {
		parentAttr.Nlink++
	}
	if err := fs.writeAttr(parentAttr); err != nil {
		return Attr{}, err
	}
	return attr, nil
}

// Unlink removes name's entry from parent. If the target's link count
// drops to zero and no handle has it open, its record and content are
// destroyed immediately; otherwise it is marked for deferred delete,
// completed by Release (spec.md §4.7's state machine).
func (fs *Filesystem) Unlink(parent uint64, name string) error {
	if fs.cfg.ReadOnly {
		return ErrReadOnly
	}
	parentLock := fs.lockFor(parent)
	parentLock.Lock()
	defer parentLock.Unlock()

	token := names.Hash(name)
	e, err := fs.readDirEntry(parent, token)
	if err != nil {
		return err
	}
	if e.Kind == Directory {
		return ErrIsDir
	}

	childLock := fs.lockFor(e.Ino)
	childLock.Lock()
	defer childLock.Unlock()

	attr, err := fs.readAttr(e.Ino)
	if err != nil {
		return err
	}
	if err := fs.removeDirEntry(parent, token); err != nil {
		return err
	}

	now := fs.now()
	if attr.Nlink > 0 {
		attr.Nlink--
	}
	attr.Ctime = now

	if attr.Nlink == 0 {
		if fs.handles.openCount(attr.Ino) > 0 {
			fs.log.Info("unlink deferring delete to last release", "op", "unlink", "ino", attr.Ino)
			attr.Deleted = true
			if err := fs.writeAttr(attr); err != nil {
				return err
			}
		} else {
			if err := fs.destroy(attr); err != nil {
				return err
			}
		}
	} else if err := fs.writeAttr(attr); err != nil {
		return err
	}

	parentAttr, err := fs.readAttr(parent)
	if err != nil {
		return err
	}
	parentAttr.Mtime = now
	parentAttr.Ctime = now
	return fs.writeAttr(parentAttr)
}

// Rmdir removes an empty directory entry, requiring it contain only
// the synthetic `$.`/`$..` entries (spec.md §4.7).
func (fs *Filesystem) Rmdir(parent uint64, name string) error {
	if fs.cfg.ReadOnly {
		return ErrReadOnly
	}
	parentLock := fs.lockFor(parent)
	parentLock.Lock()
	defer parentLock.Unlock()

	token := names.Hash(name)
	e, err := fs.readDirEntry(parent, token)
	if err != nil {
		return err
	}
	if e.Kind != Directory {
		return ErrNotDir
	}

	childLock := fs.lockFor(e.Ino)
	childLock.Lock()
	defer childLock.Unlock()

	empty, err := fs.dirIsEmpty(e.Ino)
	if err != nil {
		return err
	}
	if !empty {
		return ErrNotEmpty
	}

	attr, err := fs.readAttr(e.Ino)
	if err != nil {
		return err
	}
	if err := fs.removeDirEntry(parent, token); err != nil {
		return err
	}
	if err := fs.destroy(attr); err != nil {
		return err
	}

	now := fs.now()
	parentAttr, err := fs.readAttr(parent)
	if err != nil {
		return err
	}
	parentAttr.Mtime = now
	parentAttr.Ctime = now
	if parentAttr.Nlink > 0 {
		parentAttr.Nlink--
	}
	return fs.writeAttr(parentAttr)
}

// dirIsEmpty lists ino's entries without acquiring ino's lock: callers
// that already hold it (Rmdir) call this directly, while Readdir wraps
// listEntries with its own locking for external callers.
func (fs *Filesystem) dirIsEmpty(ino uint64) (bool, error) {
	entries, err := fs.listEntries(ino, false)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

// Readdir lists dir's entries, decrypting each one to recover its
// plaintext name (hashed tokens are not reversible, so the name lives
// inside the entry body). includeDot controls whether the synthetic
// `$.`/`$..` entries are returned, matching the filtered/unfiltered
// iterator policy spec.md §9 Open Question b leaves to the caller.
func (fs *Filesystem) Readdir(dir uint64, includeDot bool) ([]DirEntry, error) {
	lock := fs.lockFor(dir)
	lock.RLock()
	defer lock.RUnlock()
	return fs.listEntries(dir, includeDot)
}

func (fs *Filesystem) listEntries(dir uint64, includeDot bool) ([]DirEntry, error) {
	dirPath := filepath.Join(contentsDir(fs.dataDir), fmt.Sprintf("%d", dir))
	tokens, err := os.ReadDir(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("vfs: listing directory %d: %w", dir, err)
	}

	out := make([]DirEntry, 0, len(tokens))
	for _, t := range tokens {
		token := t.Name()
		if !includeDot && (token == names.SelfToken || token == names.ParentToken) {
			continue
		}
		e, err := fs.readDirEntry(dir, token)
		if err != nil {
			return nil, err
		}
		out = append(out, DirEntry{Name: e.Name, Ino: e.Ino, Kind: e.Kind, Token: token})
	}
	return out, nil
}

// Rename moves old_name under oldParent to new_name under newParent.
// If a conflicting entry exists and is of an incompatible kind
// (directory vs. non-directory) it fails with ErrExists, and if it is a
// non-empty directory it fails with ErrNotEmpty; otherwise it replaces
// that entry. It writes the new entry, fsyncs, then removes the old one, matching
// spec.md §4.7's crash-safety requirement.
func (fs *Filesystem) Rename(oldParent uint64, oldName string, newParent uint64, newName string) error {
	if fs.cfg.ReadOnly {
		return ErrReadOnly
	}
	// Lock parents in a fixed order to avoid lock-order inversion when
	// two renames cross the same pair of directories in opposite
	// directions.
	first, second := oldParent, newParent
	if second < first {
		first, second = second, first
	}
	l1 := fs.lockFor(first)
	l1.Lock()
	defer l1.Unlock()
	if second != first {
		l2 := fs.lockFor(second)
		l2.Lock()
		defer l2.Unlock()
	}

	oldToken := names.Hash(oldName)
	e, err := fs.readDirEntry(oldParent, oldToken)
	if err != nil {
		return err
	}

	newToken := names.Hash(newName)
	if existing, err := fs.readDirEntry(newParent, newToken); err == nil {
		if (existing.Kind == Directory) != (e.Kind == Directory) {
			return ErrExists
		}
		if existing.Kind == Directory {
			empty, err := fs.dirIsEmpty(existing.Ino)
			if err != nil {
				return err
			}
			if !empty {
				return ErrNotEmpty
			}
		}
		existingAttr, err := fs.readAttr(existing.Ino)
		if err != nil {
			return err
		}
		// A replaced regular file already open through a handle must
		// survive until Release, the same deferred-delete rule Unlink
		// applies (spec.md §4.7).
		if existing.Kind != Directory && fs.handles.openCount(existing.Ino) > 0 {
			fs.log.Info("rename replaced an open file, deferring delete",
				"op", "rename", "ino", existing.Ino)
			existingAttr.Nlink = 0
			existingAttr.Deleted = true
			if err := fs.writeAttr(existingAttr); err != nil {
				return err
			}
		} else {
			fs.log.Info("rename collision, replacing existing target",
				"op", "rename", "ino", existing.Ino, "new_parent", newParent, "new_name", newName)
			if err := fs.destroy(existingAttr); err != nil {
				return err
			}
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	if err := fs.writeDirEntry(newParent, newToken, dirEntryBody{Ino: e.Ino, Kind: e.Kind, Name: newName}); err != nil {
		return err
	}
	if err := fs.removeDirEntry(oldParent, oldToken); err != nil {
		return err
	}

	if e.Kind == Directory && newParent != oldParent {
		if err := fs.writeDirEntry(e.Ino, names.ParentToken, dirEntryBody{Ino: newParent, Kind: Directory, Name: names.ParentToken}); err != nil {
			return err
		}
	}

	now := fs.now()
	for _, p := range []uint64{oldParent, newParent} {
		pAttr, err := fs.readAttr(p)
		if err != nil {
			return err
		}
		pAttr.Mtime = now
		pAttr.Ctime = now
		if err := fs.writeAttr(pAttr); err != nil {
			return err
		}
	}
	return nil
}

// Setattr applies the requested changes and republishes the inode
// record (spec.md §4.7).
func (fs *Filesystem) Setattr(ino uint64, changes SetAttrChanges) (Attr, error) {
	if fs.cfg.ReadOnly {
		return Attr{}, ErrReadOnly
	}
	lock := fs.lockFor(ino)
	lock.Lock()
	defer lock.Unlock()

	attr, err := fs.readAttr(ino)
	if err != nil {
		return Attr{}, err
	}
	if changes.Mode != nil {
		attr.Mode = *changes.Mode
	}
	if changes.UID != nil {
		attr.UID = *changes.UID
	}
	if changes.GID != nil {
		attr.GID = *changes.GID
	}
	if changes.Atime != nil {
		attr.Atime = *changes.Atime
	}
	if changes.Mtime != nil {
		attr.Mtime = *changes.Mtime
	}
	attr.Ctime = fs.now()
	if changes.Size != nil && *changes.Size != attr.Size {
		if err := fs.truncateContent(ino, int64(*changes.Size)); err != nil {
			return Attr{}, err
		}
		attr.Size = *changes.Size
	}
	if err := fs.writeAttr(attr); err != nil {
		return Attr{}, err
	}
	return attr, nil
}

// Truncate resizes inode's content to newSize (spec.md §4.7) and
// republishes the attribute record with the new size and mtime/ctime.
// Setattr with a Size change does the same while also applying any
// other attribute changes.
func (fs *Filesystem) Truncate(ino uint64, newSize int64) error {
	if fs.cfg.ReadOnly {
		return ErrReadOnly
	}
	lock := fs.lockFor(ino)
	lock.Lock()
	defer lock.Unlock()
	if err := fs.truncateContent(ino, newSize); err != nil {
		return err
	}
	attr, err := fs.readAttr(ino)
	if err != nil {
		return err
	}
	attr.Size = uint64(newSize)
	attr.Mtime = fs.now()
	attr.Ctime = attr.Mtime
	return fs.writeAttr(attr)
}

func (fs *Filesystem) truncateContent(ino uint64, newSize int64) error {
	f, err := os.OpenFile(contentPath(fs.dataDir, ino), os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("vfs: opening content file for inode %d: %w", ino, err)
	}
	defer f.Close()
	w, err := cryptio.NewSeekWriter(cryptio.FileSource{File: f}, fs.aead)
	if err != nil {
		return err
	}
	if err := w.Truncate(newSize); err != nil {
		return fmt.Errorf("vfs: truncating inode %d: %w", ino, err)
	}
	return w.Sync()
}

// Statfs reports aggregate usage, combining the backing filesystem's
// real statfs(2) result with the persisted inode counter (SPEC_FULL.md
// §6).
func (fs *Filesystem) Statfs() (Statfs, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(fs.dataDir, &st); err != nil {
		return Statfs{}, fmt.Errorf("vfs: statfs %s: %w", fs.dataDir, err)
	}
	fs.counterMu.Lock()
	next, err := fs.readNextIno()
	fs.counterMu.Unlock()
	if err != nil {
		return Statfs{}, err
	}
	return Statfs{
		BlockSize:  uint32(st.Bsize),
		Blocks:     st.Blocks,
		BlocksFree: st.Bfree,
		Inodes:     next - 1,
		InodesFree: st.Ffree,
	}, nil
}
