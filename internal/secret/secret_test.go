package secret

import (
	"errors"
	"testing"
)

func TestEncryptDecrypt(t *testing.T) {
	box, err := New("correct horse")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for _, plain := range []string{"", "hunter2", "pässwörd with spaces"} {
		enc, err := box.Encrypt(plain)
		if err != nil {
			t.Fatalf("Encrypt(%q) error = %v", plain, err)
		}
		if plain != "" && enc == plain {
			t.Errorf("Encrypt(%q) returned plaintext", plain)
		}

		dec, err := box.Decrypt(enc)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if dec != plain {
			t.Errorf("Decrypt() = %q, want %q", dec, plain)
		}
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	box, _ := New("k")
	a, _ := box.Encrypt("same")
	b, _ := box.Encrypt("same")
	if a == b {
		t.Error("two encryptions of the same value should differ")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	a, _ := New("key-a")
	b, _ := New("key-b")

	enc, err := a.Encrypt("secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Decrypt(enc); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Decrypt() with wrong key error = %v, want ErrDecrypt", err)
	}
	if _, err := a.Decrypt("not base64!"); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Decrypt() garbage error = %v, want ErrDecrypt", err)
	}
	if _, err := a.Decrypt("c2hvcnQ"); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Decrypt() short error = %v, want ErrDecrypt", err)
	}
}

func TestNewEmptyKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("New(\"\") expected error")
	}
}
