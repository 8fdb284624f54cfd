// Package aead wraps the two authenticated-encryption algorithms this
// filesystem supports behind one small interface, binding key material
// and exposing the fixed nonce/tag sizes the block codec needs.
//
// Grounded in original_source/src/crypto.rs's Cipher enum (ChaCha20Poly1305,
// Aes256Gcm dispatching to the `ring` crate's AES_256_GCM/CHACHA20_POLY1305
// algorithms) and, for the Go construction, the golang.org/x/crypto AEAD
// constructors used throughout the retrieved pack (e.g.
// other_examples/f36b49ce_DataDog-go-secure-sdk ... d4-aead.go.go, which
// seals chunks with chacha20poly1305.New under the same chunked-file
// pattern this package supports).
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize and TagSize are fixed across both supported algorithms, as
// required by the block codec (C2): every on-disk frame is
// nonce(12) ‖ ciphertext ‖ tag(16) regardless of cipher.
const (
	NonceSize = 12
	TagSize   = 16
)

// Cipher names an AEAD algorithm. The value is persisted on disk (see
// internal/keystore) so a mount doesn't need out-of-band configuration.
type Cipher byte

const (
	ChaCha20Poly1305 Cipher = 1
	AES256GCM        Cipher = 2
)

func (c Cipher) String() string {
	switch c {
	case ChaCha20Poly1305:
		return "ChaCha20-Poly1305"
	case AES256GCM:
		return "AES-256-GCM"
	default:
		return fmt.Sprintf("Cipher(%d)", byte(c))
	}
}

// KeyLen returns the key length in bytes required by c.
func (c Cipher) KeyLen() int {
	switch c {
	case ChaCha20Poly1305:
		return chacha20poly1305.KeySize
	case AES256GCM:
		return 32
	default:
		return 0
	}
}

// MaxBlocks bounds the number of blocks a filesystem using c may
// encrypt under one key before random 12-byte nonces risk collision.
// ChaCha20-Poly1305 and AES-GCM with random 12-byte nonces are both
// safe for the block counts below this bound that this filesystem
// targets; the bound is recorded here rather than enforced, matching the rationale in spec.md
// §4.2.
const MaxBlocks = 1 << 48

// AEAD is the primitive C1 exposes to the block codec: seal and open a
// single frame, key-bound at construction.
type AEAD interface {
	// Seal encrypts plaintext and appends the result (including the
	// authentication tag) to dst, which must not alias plaintext.
	Seal(dst, nonce, plaintext, aad []byte) []byte
	// Open authenticates and decrypts ciphertext (which includes the
	// trailing tag), appending the plaintext to dst. Returns
	// ErrIntegrity if the tag does not verify.
	Open(dst, nonce, ciphertext, aad []byte) ([]byte, error)
	// Overhead is the number of bytes Seal adds beyond len(plaintext).
	Overhead() int
}

// New builds an AEAD bound to key, which must be exactly cipher.KeyLen()
// bytes.
func New(c Cipher, key []byte) (AEAD, error) {
	if len(key) != c.KeyLen() {
		return nil, fmt.Errorf("aead: key length %d does not match %s (want %d)", len(key), c, c.KeyLen())
	}
	switch c {
	case ChaCha20Poly1305:
		a, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("aead: %w", err)
		}
		return &stdAEAD{aead: a}, nil
	case AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("aead: %w", err)
		}
		a, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("aead: %w", err)
		}
		return &stdAEAD{aead: a}, nil
	default:
		return nil, fmt.Errorf("aead: unknown cipher %d", byte(c))
	}
}

// stdAEAD adapts the stdlib/x-crypto cipher.AEAD interface, which already
// matches the shape C1 needs (Seal/Open with append semantics, Overhead).
type stdAEAD struct {
	aead cipher.AEAD
}

func (s *stdAEAD) Seal(dst, nonce, plaintext, aad []byte) []byte {
	return s.aead.Seal(dst, nonce, plaintext, aad)
}

func (s *stdAEAD) Open(dst, nonce, ciphertext, aad []byte) ([]byte, error) {
	p, err := s.aead.Open(dst, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrIntegrity
	}
	return p, nil
}

func (s *stdAEAD) Overhead() int {
	return s.aead.Overhead()
}
