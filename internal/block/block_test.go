package block

import (
	"bytes"
	"testing"

	"github.com/vaultfs/vaultfs/internal/aead"
)

func testAEAD(t *testing.T) aead.AEAD {
	t.Helper()
	a, err := aead.New(aead.ChaCha20Poly1305, make([]byte, aead.ChaCha20Poly1305.KeyLen()))
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	a := testAEAD(t)
	for _, n := range []int{0, 1, 13, Size - 1, Size} {
		plaintext := bytes.Repeat([]byte{0xAB}, n)
		frame, err := Encode(a, 7, plaintext, nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(frame) != FrameLen(n) && n > 0 {
			t.Fatalf("frame length = %d, want %d", len(frame), FrameLen(n))
		}
		got, err := Decode(a, 7, frame, nil)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("decoded length %d, want %d", len(got), n)
		}
	}
}

func TestDecodeRejectsWrongBlockIndex(t *testing.T) {
	a := testAEAD(t)
	frame, err := Encode(a, 3, []byte("block three"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(a, 4, frame, nil); err != aead.ErrIntegrity {
		t.Fatalf("Decode with wrong index = %v, want ErrIntegrity", err)
	}
}

func TestDecodeRejectsSwappedFrames(t *testing.T) {
	a := testAEAD(t)
	f0, _ := Encode(a, 0, []byte("first block"), nil)
	f1, _ := Encode(a, 1, []byte("second block"), nil)

	// Swap on-disk order: decode frame meant for index 1 as if it were
	// index 0, and vice versa.
	if _, err := Decode(a, 0, f1, nil); err != aead.ErrIntegrity {
		t.Fatalf("Decode(0, f1) = %v, want ErrIntegrity", err)
	}
	if _, err := Decode(a, 1, f0, nil); err != aead.ErrIntegrity {
		t.Fatalf("Decode(1, f0) = %v, want ErrIntegrity", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	a := testAEAD(t)
	frame, _ := Encode(a, 0, []byte("hello"), nil)
	if _, err := Decode(a, 0, frame[:Overhead-1], nil); err != ErrTruncated {
		t.Fatalf("Decode(truncated) = %v, want ErrTruncated", err)
	}
}

func TestEncodeRejectsOversizePlaintext(t *testing.T) {
	a := testAEAD(t)
	if _, err := Encode(a, 0, make([]byte, Size+1), nil); err == nil {
		t.Fatal("expected error for oversize plaintext")
	}
}
