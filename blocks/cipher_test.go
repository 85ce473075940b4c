package blocks

import (
	"bytes"
	"errors"
	"testing"
)

func TestSuiteNames(t *testing.T) {
	tests := []struct {
		suite Suite
		name  string
	}{
		{SuiteAuto, "auto"},
		{SuiteAES256GCM, "aes-256-gcm"},
		{SuiteChaCha20Poly1305, "chacha20-poly1305"},
		{SuiteXChaCha20Poly1305, "xchacha20-poly1305"},
	}

	for _, tt := range tests {
		if got := tt.suite.String(); got != tt.name {
			t.Errorf("Suite(%d).String() = %q, want %q", tt.suite, got, tt.name)
		}
		parsed, err := SuiteFromName(tt.name)
		if err != nil {
			t.Errorf("SuiteFromName(%q) error: %v", tt.name, err)
		}
		if parsed != tt.suite {
			t.Errorf("SuiteFromName(%q) = %v, want %v", tt.name, parsed, tt.suite)
		}
	}

	if _, err := SuiteFromName("rot13"); !errors.Is(err, ErrUnsupportedCipher) {
		t.Errorf("SuiteFromName(rot13) = %v, want ErrUnsupportedCipher", err)
	}
}

func TestSuiteResolve(t *testing.T) {
	if got := SuiteAuto.Resolve(); got != SuiteAES256GCM {
		t.Errorf("SuiteAuto.Resolve() = %v, want SuiteAES256GCM", got)
	}
	if got := SuiteChaCha20Poly1305.Resolve(); got != SuiteChaCha20Poly1305 {
		t.Errorf("Resolve() changed a concrete suite: %v", got)
	}
}

func TestEngineRoundTrip(t *testing.T) {
	for _, suite := range Suites() {
		t.Run(suite.String(), func(t *testing.T) {
			key, err := GenerateKey(suite)
			if err != nil {
				t.Fatalf("GenerateKey: %v", err)
			}
			engine, err := NewEngine(suite, key)
			if err != nil {
				t.Fatalf("NewEngine: %v", err)
			}

			plaintext := []byte("block payload under test")
			ad := []byte("identity binding")
			nonce, err := GenerateNonce(engine)
			if err != nil {
				t.Fatalf("GenerateNonce: %v", err)
			}

			ciphertext, err := engine.Encrypt(nonce, plaintext, ad)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			if bytes.Contains(ciphertext, plaintext) {
				t.Error("ciphertext contains plaintext")
			}
			if len(ciphertext) != len(plaintext)+engine.Overhead() {
				t.Errorf("ciphertext length = %d, want %d", len(ciphertext), len(plaintext)+engine.Overhead())
			}

			decrypted, err := engine.Decrypt(nonce, ciphertext, ad)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if !bytes.Equal(decrypted, plaintext) {
				t.Errorf("Decrypt = %q, want %q", decrypted, plaintext)
			}
		})
	}
}

func TestEngineRejectsWrongAssociatedData(t *testing.T) {
	key, _ := GenerateKey(SuiteAES256GCM)
	engine, err := NewEngine(SuiteAES256GCM, key)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	nonce, _ := GenerateNonce(engine)
	ciphertext, err := engine.Encrypt(nonce, []byte("data"), []byte("right"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := engine.Decrypt(nonce, ciphertext, []byte("wrong")); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("Decrypt with wrong AD = %v, want ErrAuthFailed", err)
	}
}

func TestNewEngineRejectsBadKeys(t *testing.T) {
	tests := []struct {
		name   string
		keyLen int
	}{
		{"empty", 0},
		{"short", 16},
		{"long", 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(SuiteAES256GCM, make([]byte, tt.keyLen))
			if !errors.Is(err, ErrInvalidKey) {
				t.Errorf("NewEngine with %d-byte key = %v, want ErrInvalidKey", tt.keyLen, err)
			}
		})
	}
}

func TestNonceSizes(t *testing.T) {
	key := make([]byte, 32)
	tests := []struct {
		suite Suite
		size  int
	}{
		{SuiteAES256GCM, 12},
		{SuiteChaCha20Poly1305, 12},
		{SuiteXChaCha20Poly1305, 24},
	}

	for _, tt := range tests {
		engine, err := NewEngine(tt.suite, key)
		if err != nil {
			t.Fatalf("NewEngine(%s): %v", tt.suite, err)
		}
		if got := engine.NonceSize(); got != tt.size {
			t.Errorf("%s NonceSize() = %d, want %d", tt.suite, got, tt.size)
		}
	}
}
