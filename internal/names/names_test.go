package names

import (
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

func TestEncryptDecryptRoundTrip(t *testing.T) {
	a := testAEAD(t)
	names := []string{
		"file1", "a name with spaces", "日本語.txt", "very-long-" + string(make([]byte, 200)),
		"slashes/are\\normalized",
	}
	for _, n := range names {
		token, err := Encrypt(a, n)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", n, err)
		}
		if contains(token, '/') {
			t.Fatalf("token %q contains unescaped '/'", token)
		}
		got, err := Decrypt(a, token)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", n, err)
		}
		want := n
		if n == "slashes/are\\normalized" {
			want = "slashes are normalized"
		}
		if got != want {
			t.Fatalf("round trip: got %q, want %q", got, want)
		}
	}
}

func contains(s string, b byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return true
		}
	}
	return false
}

func TestReservedTokensPassThrough(t *testing.T) {
	a := testAEAD(t)
	for _, tok := range []string{SelfToken, ParentToken} {
		enc, err := Encrypt(a, tok)
		if err != nil {
			t.Fatal(err)
		}
		if enc != tok {
			t.Fatalf("Encrypt(%q) = %q, want unchanged", tok, enc)
		}
		dec, err := Decrypt(a, tok)
		if err != nil {
			t.Fatal(err)
		}
		if dec != tok {
			t.Fatalf("Decrypt(%q) = %q, want unchanged", tok, dec)
		}
		if Hash(tok) != tok {
			t.Fatalf("Hash(%q) = %q, want unchanged", tok, Hash(tok))
		}
	}
}

func TestHashDeterministicAndCollisionFree(t *testing.T) {
	h1 := Hash("alpha")
	h2 := Hash("alpha")
	if h1 != h2 {
		t.Fatal("Hash not deterministic")
	}
	if Hash("alpha") == Hash("beta") {
		t.Fatal("Hash collision between distinct names")
	}
}
