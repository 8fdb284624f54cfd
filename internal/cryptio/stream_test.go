package cryptio

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/vaultfs/vaultfs/internal/aead"
	"github.com/vaultfs/vaultfs/internal/block"
)

func testAEAD(t *testing.T) aead.AEAD {
	t.Helper()
	a, err := aead.New(aead.ChaCha20Poly1305, make([]byte, aead.ChaCha20Poly1305.KeyLen()))
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestStreamRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, block.Size - 1, block.Size, block.Size + 1, 10 * block.Size} {
		var sink bytes.Buffer
		a := testAEAD(t)
		w := NewWriter(&sink, a)
		plaintext := bytes.Repeat([]byte{0x5A}, n)
		if _, err := w.Write(plaintext); err != nil {
			t.Fatal(err)
		}
		if err := w.Finish(); err != nil {
			t.Fatal(err)
		}

		r := NewReader(bytes.NewReader(sink.Bytes()), testAEADSameKey(t))
		got, err := readAll(r)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("n=%d: round trip mismatch: got %d bytes, want %d", n, len(got), n)
		}
	}
}

func testAEADSameKey(t *testing.T) aead.AEAD {
	t.Helper()
	a, err := aead.New(aead.ChaCha20Poly1305, make([]byte, aead.ChaCha20Poly1305.KeyLen()))
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func readAll(r *Reader) ([]byte, error) {
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		if n == 0 {
			return out, nil
		}
	}
}

func TestWriteAfterFinishFails(t *testing.T) {
	var sink bytes.Buffer
	w := NewWriter(&sink, testAEAD(t))
	if err := w.Finish(); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("x")); err != ErrAlreadyFinished {
		t.Fatalf("Write after Finish = %v, want ErrAlreadyFinished", err)
	}
}
