// Package names implements the filename codec (C6): a reversible mode
// that round-trips a name through the crypto stream, and a one-way
// hashed mode used as the on-disk token so a lookup never needs to
// decrypt every sibling. The vfs package uses only the hashed mode; it
// keeps the plaintext name inside each encrypted directory-entry body.
//
// Grounded in original_source/src/crypto.rs's encrypt_file_name (replace
// path separators with spaces, encrypt, base64, '/' → '|') and
// hash_file_name (hex-encoded blake3 of the plaintext name), including
// the $./$.. passthrough both functions special-case.
package names

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"lukechampine.com/blake3"

	"github.com/vaultfs/vaultfs/internal/aead"
	"github.com/vaultfs/vaultfs/internal/cryptio"
)

// SelfToken and ParentToken are the reserved directory-entry tokens
// naming a directory's own listing and its parent; both codec modes
// pass them through unchanged.
const (
	SelfToken   = "$."
	ParentToken = "$.."
)

func reserved(name string) bool {
	return name == SelfToken || name == ParentToken
}

// normalize replaces path separators with spaces so an encrypted name
// can never be mistaken for containing one, matching spec.md §4.6's
// "normalize" step.
func normalize(name string) string {
	r := strings.NewReplacer("/", " ", "\\", " ")
	return r.Replace(name)
}

// Encrypt returns the filesystem-safe reversible token for name.
func Encrypt(a aead.AEAD, name string) (string, error) {
	if reserved(name) {
		return name, nil
	}
	var buf strings.Builder
	enc := base64.NewEncoder(base64.StdEncoding, &buf)
	w := cryptio.NewWriter(enc, a)
	if _, err := w.Write([]byte(normalize(name))); err != nil {
		return "", fmt.Errorf("names: encrypting %q: %w", name, err)
	}
	if err := w.Finish(); err != nil {
		return "", fmt.Errorf("names: encrypting %q: %w", name, err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("names: encrypting %q: %w", name, err)
	}
	return strings.ReplaceAll(buf.String(), "/", "|"), nil
}

// Decrypt reverses Encrypt.
func Decrypt(a aead.AEAD, token string) (string, error) {
	if reserved(token) {
		return token, nil
	}
	std := strings.ReplaceAll(token, "|", "/")
	dec := base64.NewDecoder(base64.StdEncoding, strings.NewReader(std))
	r := cryptio.NewReader(dec, a)
	var buf strings.Builder
	tmp := make([]byte, 256)
	for {
		n, err := r.Read(tmp)
		if n > 0 {
			buf.Write(tmp[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", fmt.Errorf("names: decrypting token %q: %w", token, err)
		}
		if n == 0 {
			break
		}
	}
	return buf.String(), nil
}

// Hash returns the one-way hashed token for name: hex(blake3(name)),
// or the reserved token unchanged.
func Hash(name string) string {
	if reserved(name) {
		return name
	}
	sum := blake3.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])
}
