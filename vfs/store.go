package vfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vaultfs/vaultfs/internal/aead"
	"github.com/vaultfs/vaultfs/internal/atomicfile"
	"github.com/vaultfs/vaultfs/internal/cryptio"
	"github.com/vaultfs/vaultfs/internal/keystore"
	"github.com/vaultfs/vaultfs/internal/names"
)

const nextInoFile = ".next"

// Filesystem is the process-wide inode store, directory index, and
// open-file manager: C7–C9 of the engine, generalized from go-fuse's
// fs.Inode tree (fs/inode.go's id/parent bookkeeping and fs/api.go's
// NodeLookuper/NodeCreater/NodeMkdirer method-set split) into a set of
// free functions over an encrypted on-disk tree instead of an in-memory
// node graph the kernel driver walks directly.
type Filesystem struct {
	dataDir string
	cfg     Config
	ks      *keystore.KeyStore
	aead    aead.AEAD
	log     *slog.Logger

	counterMu sync.Mutex

	locksMu sync.Mutex
	locks   map[uint64]*sync.RWMutex

	handles handleTable
}

func securityDir(dataDir string) string { return filepath.Join(dataDir, "security") }
func inodesDir(dataDir string) string   { return filepath.Join(dataDir, "inodes") }
func contentsDir(dataDir string) string { return filepath.Join(dataDir, "contents") }

func inodePath(dataDir string, ino uint64) string {
	return filepath.Join(inodesDir(dataDir), fmt.Sprintf("%d", ino))
}

func contentPath(dataDir string, ino uint64) string {
	return filepath.Join(contentsDir(dataDir), fmt.Sprintf("%d", ino))
}

func entryPath(dataDir string, dirIno uint64, token string) string {
	return filepath.Join(contentsDir(dataDir), fmt.Sprintf("%d", dirIno), token)
}

// Create initializes a brand-new filesystem at dataDir: the directory
// skeleton, a fresh key store under password, and the root directory's
// inode record and self/parent entries.
func Create(dataDir string, cipher aead.Cipher, password []byte, cfg Config) (*Filesystem, error) {
	log := loggerFor(cfg)
	for _, d := range []string{securityDir(dataDir), inodesDir(dataDir), contentsDir(dataDir)} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return nil, fmt.Errorf("vfs: creating %s: %w", d, err)
		}
	}
	log.Info("deriving data key", "op", "create", "cipher", cipher)
	ks, err := keystore.Create(securityDir(dataDir), cipher, password)
	if err != nil {
		log.Error("key derivation failed", "op", "create", "err", err)
		return nil, err
	}
	a, err := aead.New(ks.Cipher(), ks.Key())
	if err != nil {
		ks.Close()
		log.Error("key derivation failed", "op", "create", "err", err)
		return nil, err
	}
	log.Info("key derivation complete", "op", "create")
	fs := &Filesystem{
		dataDir: dataDir,
		cfg:     cfg,
		ks:      ks,
		aead:    a,
		log:     log,
		locks:   make(map[uint64]*sync.RWMutex),
	}
	if err := fs.persistNextIno(RootIno + 1); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(contentsDir(dataDir), fmt.Sprintf("%d", RootIno)), 0o700); err != nil {
		return nil, fmt.Errorf("vfs: creating root content dir: %w", err)
	}
	now := fs.now()
	root := Attr{
		Ino: RootIno, Kind: Directory, Mode: 0o755,
		Atime: now, Mtime: now, Ctime: now, Crtime: now,
		Nlink: 2,
	}
	if err := fs.writeAttr(root); err != nil {
		return nil, err
	}
	if err := fs.writeDirEntry(RootIno, names.SelfToken, dirEntryBody{Ino: RootIno, Kind: Directory, Name: names.SelfToken}); err != nil {
		return nil, err
	}
	if err := fs.writeDirEntry(RootIno, names.ParentToken, dirEntryBody{Ino: RootIno, Kind: Directory, Name: names.ParentToken}); err != nil {
		return nil, err
	}
	log.Info("filesystem created", "op", "create", "data_dir", dataDir)
	return fs, nil
}

// Open mounts an existing filesystem at dataDir, deriving the data key
// from password via the key store (spec.md §4.5).
func Open(dataDir string, password []byte, cfg Config) (*Filesystem, error) {
	log := loggerFor(cfg)
	log.Info("deriving data key", "op", "open", "data_dir", dataDir)
	ks, err := keystore.Open(securityDir(dataDir), password)
	if err != nil {
		log.Error("key derivation failed", "op", "open", "err", err)
		return nil, err
	}
	a, err := aead.New(ks.Cipher(), ks.Key())
	if err != nil {
		ks.Close()
		log.Error("key derivation failed", "op", "open", "err", err)
		return nil, err
	}
	log.Info("filesystem open", "op", "open", "data_dir", dataDir)
	return &Filesystem{
		dataDir: dataDir,
		cfg:     cfg,
		ks:      ks,
		aead:    a,
		log:     log,
		locks:   make(map[uint64]*sync.RWMutex),
	}, nil
}

// loggerFor returns cfg.Logger, defaulting to slog.Default() when unset
// (SPEC_FULL.md §4.11).
func loggerFor(cfg Config) *slog.Logger {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	return slog.Default()
}

// Exists reports whether a filesystem has already been created at
// dataDir.
func Exists(dataDir string) bool {
	return keystore.Exists(securityDir(dataDir))
}

// Config returns the options the filesystem was created or opened with,
// including the pass-through flags the core does not act on.
func (fs *Filesystem) Config() Config {
	return fs.cfg
}

// Close releases the in-memory data key. Open handles must be released
// first; Close does not implicitly flush them.
func (fs *Filesystem) Close() {
	fs.log.Info("filesystem closed", "op", "close", "data_dir", fs.dataDir)
	fs.ks.Close()
}

// ChangePassword re-wraps the data key under a new password, matching
// spec.md §4.5's atomic re-encrypt-and-replace sequence.
func (fs *Filesystem) ChangePassword(newPassword []byte) error {
	fs.log.Info("deriving data key", "op", "change_password")
	if err := fs.ks.ChangePassword(newPassword); err != nil {
		fs.log.Error("key derivation failed", "op", "change_password", "err", err)
		return err
	}
	fs.log.Info("password changed", "op", "change_password")
	return nil
}

func (fs *Filesystem) now() time.Time { return time.Now().UTC() }

// lockFor returns the per-inode RWMutex, creating it on first use.
// Locks are never removed: a deleted inode's lock is simply never
// looked up again, which is cheaper than reference-counted eviction
// for the lifetime of one mount.
func (fs *Filesystem) lockFor(ino uint64) *sync.RWMutex {
	fs.locksMu.Lock()
	defer fs.locksMu.Unlock()
	l, ok := fs.locks[ino]
	if !ok {
		l = &sync.RWMutex{}
		fs.locks[ino] = l
	}
	return l
}

// allocateIno reads, increments, and persists the next-inode counter
// under its own lock, matching spec.md §5's "process-wide next-inode
// counter incremented under its own lock and persisted before the ID
// is returned."
func (fs *Filesystem) allocateIno() (uint64, error) {
	fs.counterMu.Lock()
	defer fs.counterMu.Unlock()
	next, err := fs.readNextIno()
	if err != nil {
		return 0, err
	}
	if err := fs.persistNextIno(next + 1); err != nil {
		return 0, err
	}
	return next, nil
}

func (fs *Filesystem) readNextIno() (uint64, error) {
	raw, err := os.ReadFile(filepath.Join(inodesDir(fs.dataDir), nextInoFile))
	if err != nil {
		return 0, fmt.Errorf("vfs: reading inode counter: %w", err)
	}
	r := &byteReader{b: raw}
	return r.uint64()
}

func (fs *Filesystem) persistNextIno(next uint64) error {
	buf := appendUint64(nil, next)
	return atomicfile.Write(filepath.Join(inodesDir(fs.dataDir), nextInoFile), buf)
}

// readAttr decrypts and decodes the inode record at inodes/<ino>.
func (fs *Filesystem) readAttr(ino uint64) (Attr, error) {
	raw, err := os.ReadFile(inodePath(fs.dataDir, ino))
	if err != nil {
		if os.IsNotExist(err) {
			return Attr{}, ErrNotFound
		}
		return Attr{}, fmt.Errorf("vfs: reading inode %d: %w", ino, err)
	}
	r := cryptio.NewReader(bytes.NewReader(raw), fs.aead)
	body, err := io.ReadAll(r)
	if err != nil {
		if errors.Is(err, aead.ErrIntegrity) {
			fs.log.Error("integrity check failed", "op", "read_attr", "ino", ino, "err", err)
		}
		return Attr{}, fmt.Errorf("vfs: decrypting inode %d: %w", ino, err)
	}
	return decodeAttr(body)
}

// writeAttr encrypts and atomically publishes the inode record,
// routing through C10 as spec.md §4.9 requires of every record write.
func (fs *Filesystem) writeAttr(a Attr) error {
	var buf bytes.Buffer
	w := cryptio.NewWriter(&buf, fs.aead)
	if _, err := w.Write(encodeAttr(a)); err != nil {
		return fmt.Errorf("vfs: encrypting inode %d: %w", a.Ino, err)
	}
	if err := w.Finish(); err != nil {
		return fmt.Errorf("vfs: encrypting inode %d: %w", a.Ino, err)
	}
	return atomicfile.Write(inodePath(fs.dataDir, a.Ino), buf.Bytes())
}

func (fs *Filesystem) deleteAttr(ino uint64) error {
	if err := os.Remove(inodePath(fs.dataDir, ino)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("vfs: removing inode %d record: %w", ino, err)
	}
	return nil
}

// readDirEntry decrypts the entry file at contents/<dirIno>/<token>.
func (fs *Filesystem) readDirEntry(dirIno uint64, token string) (dirEntryBody, error) {
	raw, err := os.ReadFile(entryPath(fs.dataDir, dirIno, token))
	if err != nil {
		if os.IsNotExist(err) {
			return dirEntryBody{}, ErrNotFound
		}
		return dirEntryBody{}, fmt.Errorf("vfs: reading entry %d/%s: %w", dirIno, token, err)
	}
	r := cryptio.NewReader(bytes.NewReader(raw), fs.aead)
	body, err := io.ReadAll(r)
	if err != nil {
		if errors.Is(err, aead.ErrIntegrity) {
			fs.log.Error("integrity check failed", "op", "read_dir_entry", "dir_ino", dirIno, "err", err)
		}
		return dirEntryBody{}, fmt.Errorf("vfs: decrypting entry %d/%s: %w", dirIno, token, err)
	}
	return decodeDirEntry(body)
}

func (fs *Filesystem) writeDirEntry(dirIno uint64, token string, e dirEntryBody) error {
	var buf bytes.Buffer
	w := cryptio.NewWriter(&buf, fs.aead)
	if _, err := w.Write(encodeDirEntry(e)); err != nil {
		return fmt.Errorf("vfs: encrypting entry %s: %w", token, err)
	}
	if err := w.Finish(); err != nil {
		return fmt.Errorf("vfs: encrypting entry %s: %w", token, err)
	}
	return atomicfile.Write(entryPath(fs.dataDir, dirIno, token), buf.Bytes())
}

func (fs *Filesystem) removeDirEntry(dirIno uint64, token string) error {
	if err := os.Remove(entryPath(fs.dataDir, dirIno, token)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("vfs: removing entry %s: %w", token, err)
	}
	return nil
}
