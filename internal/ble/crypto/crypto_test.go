package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

const (
	testKey = "0123456789abcdef"
	testIV  = "fedcba9876543210"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintexts := []string{
		"CARD-20251023-101500",
		"",
		"a",
		strings.Repeat("x", 16),
		"출입 카드 \U0001F511",
	}
	for _, p := range plaintexts {
		enc, err := Encrypt(p, testKey, testIV)
		if err != nil {
			t.Fatalf("Encrypt(%q) error = %v", p, err)
		}
		got, err := DecryptBase64(enc, testKey, testIV)
		if err != nil {
			t.Fatalf("DecryptBase64(%q) error = %v", enc, err)
		}
		if got != p {
			t.Errorf("round trip = %q, want %q", got, p)
		}
	}
}

func TestEncryptOutputIsPaddedBase64(t *testing.T) {
	enc, err := Encrypt(strings.Repeat("a", 16), testKey, testIV)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		t.Fatalf("output is not standard base64: %v", err)
	}
	// A full block of plaintext gains a full block of PKCS7 padding.
	if len(raw) != 32 {
		t.Errorf("ciphertext length = %d, want 32", len(raw))
	}
}

func TestEncryptDeterministicForSameIV(t *testing.T) {
	a, _ := Encrypt("CARD-1", testKey, testIV)
	b, _ := Encrypt("CARD-1", testKey, testIV)
	if a != b {
		t.Error("same key/iv/plaintext should give the same ciphertext")
	}
	c, _ := Encrypt("CARD-1", testKey, "0000000000000000")
	if a == c {
		t.Error("different IVs should give different ciphertext")
	}
}

func TestEncryptRejectsBadKeyAndIVLength(t *testing.T) {
	tests := []struct {
		name    string
		key, iv string
		want    error
	}{
		{"short key", "0123456789", testIV, ErrInvalidKeyLength},
		{"long key", testKey + "x", testIV, ErrInvalidKeyLength},
		{"multibyte key", "키0123456789abcd", testIV, ErrInvalidKeyLength},
		{"short iv", testKey, "short", ErrInvalidIVLength},
		{"long iv", testKey, testIV + testIV, ErrInvalidIVLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Encrypt("CARD", tt.key, tt.iv)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Encrypt() error = %v, want %v", err, tt.want)
			}
			if out != "" {
				t.Errorf("Encrypt() returned partial output %q", out)
			}
		})
	}
}

func TestEncryptRejectsInvalidUTF8(t *testing.T) {
	_, err := Encrypt(string([]byte{0xff, 0xfe}), testKey, testIV)
	if !errors.Is(err, ErrInvalidPlaintext) {
		t.Fatalf("Encrypt() error = %v, want ErrInvalidPlaintext", err)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	enc, _ := Encrypt("CARD-20251023-101500", testKey, testIV)
	got, err := DecryptBase64(enc, "ffffffffffffffff", testIV)
	if err == nil && got == "CARD-20251023-101500" {
		t.Error("DecryptBase64() with wrong key should not recover plaintext")
	}
}

func TestDecryptBadLength(t *testing.T) {
	_, err := Decrypt([]byte("short"), testKey, testIV)
	if !errors.Is(err, ErrDecrypt) {
		t.Fatalf("Decrypt() error = %v, want ErrDecrypt", err)
	}
}

func TestGenerateIV(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		iv, err := GenerateIV()
		if err != nil {
			t.Fatalf("GenerateIV() error = %v", err)
		}
		if len(iv) != IVLength {
			t.Fatalf("len(iv) = %d, want %d", len(iv), IVLength)
		}
		for _, r := range iv {
			if !strings.ContainsRune(ivAlphabet, r) {
				t.Fatalf("iv %q contains %q outside the alphabet", iv, r)
			}
		}
		if seen[iv] {
			t.Fatalf("GenerateIV() repeated %q", iv)
		}
		seen[iv] = true

		// Every generated IV must be usable directly.
		if _, err := Encrypt("CARD", testKey, iv); err != nil {
			t.Fatalf("Encrypt with generated iv: %v", err)
		}
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := DeriveSealKey([]byte("store secret"))
	if err != nil {
		t.Fatalf("DeriveSealKey() error = %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("key length = %d, want 32", len(key))
	}
	key2, _ := DeriveSealKey([]byte("store secret"))
	if !bytes.Equal(key, key2) {
		t.Error("DeriveSealKey is not deterministic")
	}

	plain := []byte(`{"card_id":"CARD-1"}`)
	sealed, err := Seal(key, plain)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if bytes.Contains(sealed, []byte("CARD-1")) {
		t.Error("sealed record leaks plaintext")
	}
	got, err := Open(key, sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("Open() = %q, want %q", got, plain)
	}
}

func TestOpenTampered(t *testing.T) {
	key, _ := DeriveSealKey([]byte("s"))
	sealed, _ := Seal(key, []byte("secret"))
	sealed[len(sealed)-1] ^= 0xFF
	if _, err := Open(key, sealed); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Open() tampered error = %v, want ErrDecrypt", err)
	}
	if _, err := Open(key, []byte("tiny")); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Open() short error = %v, want ErrDecrypt", err)
	}
}

func TestDeriveSealKeyEmpty(t *testing.T) {
	if _, err := DeriveSealKey(nil); err == nil {
		t.Error("DeriveSealKey(nil) should fail")
	}
}
