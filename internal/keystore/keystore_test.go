package keystore

import (
	"testing"

	"github.com/vaultfs/vaultfs/internal/aead"
)

func TestCreateOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ks, err := Create(dir, aead.ChaCha20Poly1305, []byte("correct horse"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	key := append([]byte(nil), ks.Key()...)
	ks.Close()

	opened, err := Open(dir, []byte("correct horse"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer opened.Close()
	if string(opened.Key()) != string(key) {
		t.Fatal("reopened data key does not match the one created")
	}
	if opened.Cipher() != aead.ChaCha20Poly1305 {
		t.Fatalf("Cipher = %v, want ChaCha20Poly1305", opened.Cipher())
	}
}

func TestOpenWrongPasswordFails(t *testing.T) {
	dir := t.TempDir()
	ks, err := Create(dir, aead.ChaCha20Poly1305, []byte("right"))
	if err != nil {
		t.Fatal(err)
	}
	ks.Close()

	if _, err := Open(dir, []byte("wrong")); err != ErrInvalidPassword {
		t.Fatalf("Open(wrong password) = %v, want ErrInvalidPassword", err)
	}
}

func TestChangePassword(t *testing.T) {
	dir := t.TempDir()
	ks, err := Create(dir, aead.AES256GCM, []byte("old"))
	if err != nil {
		t.Fatal(err)
	}
	key := append([]byte(nil), ks.Key()...)
	if err := ks.ChangePassword([]byte("new")); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	ks.Close()

	if _, err := Open(dir, []byte("old")); err != ErrInvalidPassword {
		t.Fatalf("Open(old password) after change = %v, want ErrInvalidPassword", err)
	}
	reopened, err := Open(dir, []byte("new"))
	if err != nil {
		t.Fatalf("Open(new password): %v", err)
	}
	defer reopened.Close()
	if string(reopened.Key()) != string(key) {
		t.Fatal("data key changed across password change")
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	if Exists(dir) {
		t.Fatal("Exists on empty dir = true")
	}
	ks, err := Create(dir, aead.ChaCha20Poly1305, []byte("pw"))
	if err != nil {
		t.Fatal(err)
	}
	ks.Close()
	if !Exists(dir) {
		t.Fatal("Exists after Create = false")
	}
}
