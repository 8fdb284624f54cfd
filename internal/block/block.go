// Package block implements the on-disk frame format for a single
// encrypted block: nonce(12) ‖ ciphertext(≤Size) ‖ tag(16), with the
// block's 0-based index bound into the associated data so reordering
// frames on disk is detected as a tamper rather than silently accepted.
//
// Grounded in original_source/src/crypto/writer.rs's RingCryptoWriter
// (encrypt_and_write: seal_in_place_separate_tag, nonce ‖ data ‖ tag
// layout) and src/crypto/reader.rs's mirror decode path.
package block

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/vaultfs/vaultfs/internal/aead"
)

// Size is the fixed plaintext block size, B in spec.md. A single
// process-wide constant, per spec.md §3.
const Size = 16 * 1024

// Overhead is the number of bytes a non-empty frame adds over its
// plaintext: nonce + tag.
const Overhead = aead.NonceSize + aead.TagSize

// AAD returns the 8-byte little-endian encoding of block index i, the
// associated data bound into every frame.
func AAD(i uint64) [8]byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], i)
	return b
}

// Encode seals plaintext (which must be at most Size bytes) as the
// frame for block index i, appending the result to dst.
func Encode(a aead.AEAD, index uint64, plaintext, dst []byte) ([]byte, error) {
	if len(plaintext) > Size {
		return nil, fmt.Errorf("block: plaintext length %d exceeds block size %d", len(plaintext), Size)
	}
	nonce := make([]byte, aead.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("block: generating nonce: %w", err)
	}
	aadBytes := AAD(index)
	dst = append(dst, nonce...)
	dst = a.Seal(dst, nonce, plaintext, aadBytes[:])
	return dst, nil
}

// Decode authenticates and decrypts a frame (nonce ‖ ciphertext ‖ tag)
// for block index i, appending the plaintext to dst.
//
// frame must be exactly Overhead+n bytes for some 0 <= n <= Size.
// ErrTruncated is returned for a frame shorter than Overhead; a frame
// holding more than Size plaintext bytes returns a different error.
func Decode(a aead.AEAD, index uint64, frame, dst []byte) ([]byte, error) {
	if len(frame) < Overhead {
		return nil, ErrTruncated
	}
	if len(frame)-Overhead > Size {
		return nil, fmt.Errorf("block: frame holds %d plaintext bytes, exceeds block size %d", len(frame)-Overhead, Size)
	}
	nonce := frame[:aead.NonceSize]
	ciphertextAndTag := frame[aead.NonceSize:]
	aadBytes := AAD(index)
	return a.Open(dst, nonce, ciphertextAndTag, aadBytes[:])
}

// FrameLen returns the on-disk length of a frame holding n plaintext
// bytes, 0 for n == 0 (an absent trailing frame is not written at all
// by the stream writer, but truncate computations need the formula for
// n > 0 frames explicitly).
func FrameLen(n int) int {
	if n == 0 {
		return 0
	}
	return n + Overhead
}
