// Package keystore implements key derivation and the persisted data-key
// wrapper (C5): an Argon2id key-encrypting key derived from the mount
// password, and a random data-encrypting key written under it at
// security/key.enc alongside a cleartext security/key.salt.
//
// Grounded in original_source/src/crypto.rs's derive_key (Argon2::default
// over the cipher's key length) and the key.salt/key.enc filenames used
// throughout original_source/examples (crypto_check.rs, change_password.rs,
// crypto2.rs). Argon2id itself comes from golang.org/x/crypto/argon2, the
// same package other_examples/0a3dce20_rclone-rclone__crypt-cipher.go.go
// and other_examples/87db59e3_markkurossi-ephemelier__cmd-fs-tool-main.go.go
// use for password-based key derivation.
package keystore

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"lukechampine.com/blake3"

	"github.com/vaultfs/vaultfs/internal/aead"
	"github.com/vaultfs/vaultfs/internal/atomicfile"
	"github.com/vaultfs/vaultfs/internal/cryptio"
	"github.com/vaultfs/vaultfs/internal/secret"
)

const (
	saltFileName = "key.salt"
	keyFileName  = "key.enc"

	saltMagic   = "VFS1"
	saltMinLen  = 16
	saltMaxLen  = 32
	saltDefault = 32

	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
)

// ErrInvalidPassword is returned by Open when the supplied password
// cannot decrypt the key store, or the embedded integrity hash does
// not match (spec.md §7).
var ErrInvalidPassword = errors.New("keystore: invalid password")

// Header is the cleartext content of key.salt: enough to mount without
// out-of-band configuration (spec.md §9 Open Question a).
type Header struct {
	Cipher aead.Cipher
	Salt   []byte
}

// KeyStore holds the data-encrypting key in memory, wrapped so it is
// zeroed when Close is called.
type KeyStore struct {
	dir    string
	cipher aead.Cipher
	key    *secret.Bytes
}

// Cipher reports the algorithm this key store was created with.
func (ks *KeyStore) Cipher() aead.Cipher {
	return ks.cipher
}

// Key exposes the raw data-encrypting key bytes. The returned slice
// aliases the key store's storage and must not be retained past Close.
func (ks *KeyStore) Key() []byte {
	return ks.key.Expose()
}

// Close zeroes the in-memory data key.
func (ks *KeyStore) Close() {
	ks.key.Close()
}

func saltPath(dir string) string { return filepath.Join(dir, saltFileName) }
func keyPath(dir string) string  { return filepath.Join(dir, keyFileName) }

// Exists reports whether a key store has already been created at dir.
func Exists(dir string) bool {
	_, err := os.Stat(saltPath(dir))
	return err == nil
}

// Create initializes a new key store at dir: a random salt, a random
// data key, and the data key wrapped under the password-derived KEK.
func Create(dir string, cipher aead.Cipher, password []byte) (*KeyStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("keystore: creating %s: %w", dir, err)
	}

	salt := make([]byte, saltDefault)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("keystore: generating salt: %w", err)
	}
	if err := writeHeader(dir, Header{Cipher: cipher, Salt: salt}); err != nil {
		return nil, err
	}

	dataKey := make([]byte, cipher.KeyLen())
	if _, err := rand.Read(dataKey); err != nil {
		return nil, fmt.Errorf("keystore: generating data key: %w", err)
	}

	kek, err := deriveKEK(password, cipher, salt)
	if err != nil {
		return nil, err
	}
	defer kek.Close()

	if err := wrapAndPersist(dir, cipher, kek.Expose(), dataKey); err != nil {
		secret.Wipe(dataKey)
		return nil, err
	}

	return &KeyStore{dir: dir, cipher: cipher, key: secret.New(dataKey)}, nil
}

// Open derives the KEK from password and unwraps the persisted data
// key. It returns ErrInvalidPassword if the wrap cannot be decrypted or
// its embedded hash fails to verify.
func Open(dir string, password []byte) (*KeyStore, error) {
	header, err := readHeader(dir)
	if err != nil {
		return nil, err
	}

	kek, err := deriveKEK(password, header.Cipher, header.Salt)
	if err != nil {
		return nil, err
	}
	defer kek.Close()

	dataKey, err := unwrap(dir, header.Cipher, kek.Expose())
	if err != nil {
		return nil, err
	}

	return &KeyStore{dir: dir, cipher: header.Cipher, key: secret.New(dataKey)}, nil
}

// ChangePassword re-wraps the existing data key under a KEK derived
// from newPassword and atomically replaces key.enc. The salt and
// cipher are unchanged; every file encrypted under the data key
// remains readable after the swap.
func (ks *KeyStore) ChangePassword(newPassword []byte) error {
	header, err := readHeader(ks.dir)
	if err != nil {
		return err
	}
	newKEK, err := deriveKEK(newPassword, header.Cipher, header.Salt)
	if err != nil {
		return err
	}
	defer newKEK.Close()

	return wrapAndPersist(ks.dir, ks.cipher, newKEK.Expose(), ks.key.Expose())
}

func deriveKEK(password []byte, c aead.Cipher, salt []byte) (*secret.Bytes, error) {
	dk := argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, uint32(c.KeyLen()))
	return secret.New(dk), nil
}

// wrapRecord is the canonical length-prefixed serialization spec.md §6
// requires for the crypto-stream-encoded key.enc body: { key_bytes,
// blake3(key_bytes) }.
func wrapRecord(key []byte) []byte {
	sum := blake3.Sum256(key)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(key)))
	out := make([]byte, 0, 4+len(key)+len(sum))
	out = append(out, lenBuf[:]...)
	out = append(out, key...)
	out = append(out, sum[:]...)
	return out
}

func parseWrapRecord(record []byte) (key, wantHash []byte, err error) {
	if len(record) < 4 {
		return nil, nil, fmt.Errorf("keystore: wrap record too short")
	}
	n := binary.LittleEndian.Uint32(record[:4])
	rest := record[4:]
	if uint64(n)+32 != uint64(len(rest)) {
		return nil, nil, fmt.Errorf("keystore: wrap record length mismatch")
	}
	return rest[:n], rest[n:], nil
}

func wrapAndPersist(dir string, c aead.Cipher, kek, dataKey []byte) error {
	a, err := aead.New(c, kek)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	w := cryptio.NewWriter(&buf, a)
	record := wrapRecord(dataKey)
	if _, err := w.Write(record); err != nil {
		return fmt.Errorf("keystore: encrypting key record: %w", err)
	}
	if err := w.Finish(); err != nil {
		return fmt.Errorf("keystore: encrypting key record: %w", err)
	}
	return atomicfile.Write(keyPath(dir), buf.Bytes())
}

func unwrap(dir string, c aead.Cipher, kek []byte) ([]byte, error) {
	raw, err := os.ReadFile(keyPath(dir))
	if err != nil {
		return nil, fmt.Errorf("keystore: reading key store: %w", err)
	}
	a, err := aead.New(c, kek)
	if err != nil {
		return nil, err
	}
	r := cryptio.NewReader(bytes.NewReader(raw), a)
	record, err := io.ReadAll(r)
	if err != nil {
		return nil, ErrInvalidPassword
	}
	key, wantHash, err := parseWrapRecord(record)
	if err != nil {
		return nil, ErrInvalidPassword
	}
	gotHash := blake3.Sum256(key)
	if !bytes.Equal(gotHash[:], wantHash) {
		return nil, ErrInvalidPassword
	}
	return append([]byte(nil), key...), nil
}

func writeHeader(dir string, h Header) error {
	if len(h.Salt) < saltMinLen || len(h.Salt) > saltMaxLen {
		return fmt.Errorf("keystore: salt length %d out of range [%d,%d]", len(h.Salt), saltMinLen, saltMaxLen)
	}
	buf := make([]byte, 0, len(saltMagic)+2+len(h.Salt))
	buf = append(buf, saltMagic...)
	buf = append(buf, 1, byte(h.Cipher))
	buf = append(buf, h.Salt...)
	return atomicfile.Write(saltPath(dir), buf)
}

func readHeader(dir string) (Header, error) {
	raw, err := os.ReadFile(saltPath(dir))
	if err != nil {
		return Header{}, fmt.Errorf("keystore: reading salt file: %w", err)
	}
	if len(raw) < len(saltMagic)+2+saltMinLen {
		return Header{}, fmt.Errorf("keystore: salt file too short")
	}
	if string(raw[:len(saltMagic)]) != saltMagic {
		return Header{}, fmt.Errorf("keystore: bad salt file magic")
	}
	version := raw[len(saltMagic)]
	if version != 1 {
		return Header{}, fmt.Errorf("keystore: unsupported salt file version %d", version)
	}
	cipher := aead.Cipher(raw[len(saltMagic)+1])
	salt := append([]byte(nil), raw[len(saltMagic)+2:]...)
	return Header{Cipher: cipher, Salt: salt}, nil
}
