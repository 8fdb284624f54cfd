package aead

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	for _, c := range []Cipher{ChaCha20Poly1305, AES256GCM} {
		c := c
		t.Run(c.String(), func(t *testing.T) {
			key := make([]byte, c.KeyLen())
			if _, err := rand.Read(key); err != nil {
				t.Fatal(err)
			}
			a, err := New(c, key)
			if err != nil {
				t.Fatal(err)
			}
			nonce := make([]byte, NonceSize)
			if _, err := rand.Read(nonce); err != nil {
				t.Fatal(err)
			}
			plaintext := []byte("Hello, world! this spans more than one block boundary maybe")
			aad := []byte{0, 1, 2, 3, 4, 5, 6, 7}

			sealed := a.Seal(nil, nonce, plaintext, aad)
			if len(sealed) != len(plaintext)+a.Overhead() {
				t.Fatalf("sealed length = %d, want %d", len(sealed), len(plaintext)+a.Overhead())
			}

			opened, err := a.Open(nil, nonce, sealed, aad)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(opened, plaintext) {
				t.Fatalf("opened = %q, want %q", opened, plaintext)
			}
		})
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key := make([]byte, ChaCha20Poly1305.KeyLen())
	a, err := New(ChaCha20Poly1305, key)
	if err != nil {
		t.Fatal(err)
	}
	nonce := make([]byte, NonceSize)
	sealed := a.Seal(nil, nonce, []byte("tamper me"), nil)
	sealed[0] ^= 0xff

	if _, err := a.Open(nil, nonce, sealed, nil); err != ErrIntegrity {
		t.Fatalf("Open on tampered ciphertext = %v, want ErrIntegrity", err)
	}
}

func TestOpenRejectsWrongAAD(t *testing.T) {
	key := make([]byte, AES256GCM.KeyLen())
	a, err := New(AES256GCM, key)
	if err != nil {
		t.Fatal(err)
	}
	nonce := make([]byte, NonceSize)
	sealed := a.Seal(nil, nonce, []byte("block zero"), []byte{0, 0, 0, 0, 0, 0, 0, 0})

	if _, err := a.Open(nil, nonce, sealed, []byte{1, 0, 0, 0, 0, 0, 0, 0}); err != ErrIntegrity {
		t.Fatalf("Open with mismatched AAD = %v, want ErrIntegrity", err)
	}
}

func TestNewRejectsWrongKeyLength(t *testing.T) {
	if _, err := New(ChaCha20Poly1305, make([]byte, 10)); err == nil {
		t.Fatal("expected error for short key")
	}
}
