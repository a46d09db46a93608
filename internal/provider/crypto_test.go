package provider

import (
	"strings"
	"testing"
)

const testKeyHex = "6368616e676520746869732070617373776f726420746f206120736563726574"

func TestNewTokenCipher_KeyValidation(t *testing.T) {
	if _, err := NewTokenCipher("not-hex"); err == nil {
		t.Error("non-hex key accepted")
	}
	if _, err := NewTokenCipher("deadbeef"); err == nil {
		t.Error("short key accepted")
	}
	if _, err := NewTokenCipher(testKeyHex); err != nil {
		t.Errorf("valid 32-byte key rejected: %v", err)
	}
}

func TestSealOpen_Roundtrip(t *testing.T) {
	cipher, err := NewTokenCipher(testKeyHex)
	if err != nil {
		t.Fatal(err)
	}

	plaintext := "ya29.a0AfB_example_access_token"
	sealed, err := cipher.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	if strings.Contains(sealed, plaintext) {
		t.Error("sealed token contains the plaintext")
	}

	got, err := cipher.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if got != plaintext {
		t.Errorf("Open() = %q, want %q", got, plaintext)
	}
}

func TestSeal_NoncesDiffer(t *testing.T) {
	cipher, err := NewTokenCipher(testKeyHex)
	if err != nil {
		t.Fatal(err)
	}

	a, _ := cipher.Seal("same token")
	b, _ := cipher.Seal("same token")
	if a == b {
		t.Error("two Seal() calls produced identical ciphertext")
	}
}

func TestOpen_RejectsTamperedInput(t *testing.T) {
	cipher, err := NewTokenCipher(testKeyHex)
	if err != nil {
		t.Fatal(err)
	}

	sealed, err := cipher.Seal("refresh-token")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		input string
	}{
		{"not base64", "@@@not base64@@@"},
		{"too short", "QQ=="},
		{"flipped byte", flipLastChar(sealed)},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := cipher.Open(tt.input); err == nil {
				t.Errorf("Open(%q) succeeded, want error", tt.input)
			}
		})
	}
}

func flipLastChar(s string) string {
	b := []byte(s)
	if b[len(b)-1] == 'A' {
		b[len(b)-1] = 'B'
	} else {
		b[len(b)-1] = 'A'
	}
	return string(b)
}
