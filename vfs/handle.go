package vfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/vaultfs/vaultfs/internal/cryptio"
)

// Handle is one entry in the open-file table (C9): spec.md §4.8's
// `{ inode, mode, reader?, writer?, dirty }`, generalized from go-fuse's
// fs/files.go FileHandle interface to the concrete seek reader/writer
// pair this engine always uses.
type Handle struct {
	id    uint64
	ino   uint64
	read  bool
	write bool

	file   *os.File
	reader *cryptio.SeekReader
	writer *cryptio.SeekWriter
	dirty  bool
}

// handleTable is the process-wide table of live handles plus an
// open-handle refcount per inode, the bookkeeping spec.md §4.7's
// deferred-delete state machine needs to know whether an unlinked
// inode may be destroyed yet.
type handleTable struct {
	mu       sync.Mutex
	nextID   uint64
	handles  map[uint64]*Handle
	refcount map[uint64]int
}

func (t *handleTable) init() {
	if t.handles == nil {
		t.handles = make(map[uint64]*Handle)
		t.refcount = make(map[uint64]int)
		t.nextID = 1
	}
}

func (t *handleTable) add(h *Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.init()
	h.id = t.nextID
	t.nextID++
	t.handles[h.id] = h
	t.refcount[h.ino]++
}

// remove deletes h from the table and returns the remaining open-handle
// count for its inode.
func (t *handleTable) remove(h *Handle) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handles, h.id)
	t.refcount[h.ino]--
	n := t.refcount[h.ino]
	if n <= 0 {
		delete(t.refcount, h.ino)
		n = 0
	}
	return n
}

func (t *handleTable) openCount(ino uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refcount[ino]
}

// Open allocates a handle over inode's content file: a seek reader when
// read is requested, a seek writer when write is requested (spec.md
// §4.8). Both may be set for a read-write handle.
func (fs *Filesystem) Open(ino uint64, read, write bool) (*Handle, error) {
	if write && fs.cfg.ReadOnly {
		return nil, ErrReadOnly
	}
	lock := fs.lockFor(ino)
	lock.RLock()
	attr, err := fs.readAttr(ino)
	lock.RUnlock()
	if err != nil {
		return nil, err
	}
	if attr.Kind != RegularFile {
		return nil, ErrIsDir
	}

	flags := os.O_RDONLY
	if write {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(contentPath(fs.dataDir, ino), flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("vfs: opening content file for inode %d: %w", ino, err)
	}

	h := &Handle{ino: ino, read: read, write: write, file: f}
	src := cryptio.FileSource{File: f}
	if read {
		r, err := cryptio.NewSeekReader(src, fs.aead)
		if err != nil {
			f.Close()
			return nil, err
		}
		h.reader = r
	}
	if write {
		w, err := cryptio.NewSeekWriter(src, fs.aead)
		if err != nil {
			f.Close()
			return nil, err
		}
		h.writer = w
	}
	fs.handles.add(h)
	return h, nil
}

// Read seeks the handle's reader and reads into buf. On a read-write
// handle it first commits the writer's buffered block and rebuilds the
// reader, so the read observes this handle's own writes. Read does not
// update atime.
func (fs *Filesystem) Read(h *Handle, offset int64, buf []byte) (int, error) {
	if h.reader == nil {
		return 0, fmt.Errorf("vfs: handle for inode %d not opened for read", h.ino)
	}
	lock := fs.lockFor(h.ino)
	if h.writer == nil {
		lock.RLock()
		defer lock.RUnlock()
	} else {
		lock.Lock()
		defer lock.Unlock()
		if err := h.writer.Flush(); err != nil {
			return 0, fmt.Errorf("vfs: reading inode %d: %w", h.ino, err)
		}
		r, err := cryptio.NewSeekReader(cryptio.FileSource{File: h.file}, fs.aead)
		if err != nil {
			return 0, err
		}
		h.reader = r
	}
	if err := h.reader.Seek(offset); err != nil {
		return 0, err
	}
	n, err := h.reader.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("vfs: reading inode %d: %w", h.ino, err)
	}
	return n, err
}

// Write seeks the handle's writer and writes buf, marking the handle
// dirty and extending its in-memory length if the write advances past
// the current end (spec.md §4.8).
func (fs *Filesystem) Write(h *Handle, offset int64, buf []byte) (int, error) {
	if h.writer == nil {
		return 0, fmt.Errorf("vfs: handle for inode %d not opened for write", h.ino)
	}
	if fs.cfg.ReadOnly {
		return 0, ErrReadOnly
	}
	lock := fs.lockFor(h.ino)
	lock.Lock()
	defer lock.Unlock()
	if err := h.writer.Seek(offset); err != nil {
		return 0, err
	}
	n, err := h.writer.Write(buf)
	if err != nil {
		return n, fmt.Errorf("vfs: writing inode %d: %w", h.ino, err)
	}
	h.dirty = true
	return n, nil
}

// Flush commits the writer's buffered block, fsyncs the content file,
// and persists the updated size/mtime attribute record, matching
// spec.md §4.8's "not on every write" publish cadence.
func (fs *Filesystem) Flush(h *Handle) error {
	if !h.dirty || h.writer == nil {
		return nil
	}
	lock := fs.lockFor(h.ino)
	lock.Lock()
	defer lock.Unlock()

	if err := h.writer.Flush(); err != nil {
		return fmt.Errorf("vfs: flushing inode %d: %w", h.ino, err)
	}
	if err := h.writer.Sync(); err != nil {
		return fmt.Errorf("vfs: syncing inode %d: %w", h.ino, err)
	}

	attr, err := fs.readAttr(h.ino)
	if err != nil {
		return err
	}
	attr.Size = uint64(h.writer.Len())
	attr.Mtime = fs.now()
	attr.Ctime = attr.Mtime
	if err := fs.writeAttr(attr); err != nil {
		return err
	}
	h.dirty = false
	return nil
}

// Release flushes h, closes its backing file, and—if this was the last
// open handle on an inode already marked deleted—destroys the inode's
// record and content (spec.md §4.7's deferred-delete completion).
func (fs *Filesystem) Release(h *Handle) error {
	if err := fs.Flush(h); err != nil {
		return err
	}
	if err := h.file.Close(); err != nil {
		return fmt.Errorf("vfs: closing inode %d: %w", h.ino, err)
	}
	remaining := fs.handles.remove(h)
	if remaining > 0 {
		return nil
	}

	lock := fs.lockFor(h.ino)
	lock.Lock()
	defer lock.Unlock()
	attr, err := fs.readAttr(h.ino)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if !attr.Deleted {
		return nil
	}
	fs.log.Info("deferred delete complete", "op", "release", "ino", attr.Ino)
	return fs.destroy(attr)
}

// destroy removes an inode's attribute record and content, the
// terminal transition of spec.md §4.7's state machine.
func (fs *Filesystem) destroy(attr Attr) error {
	if err := fs.deleteAttr(attr.Ino); err != nil {
		return err
	}
	var err error
	if attr.Kind == Directory {
		err = os.RemoveAll(filepath.Join(contentsDir(fs.dataDir), fmt.Sprintf("%d", attr.Ino)))
	} else {
		err = os.Remove(contentPath(fs.dataDir, attr.Ino))
	}
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("vfs: removing content for inode %d: %w", attr.Ino, err)
	}
	return nil
}
