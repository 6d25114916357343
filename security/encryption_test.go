package security

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	if len(key) != KeySize {
		t.Errorf("GenerateKey() returned key of length %d, want %d", len(key), KeySize)
	}

	key2, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	if bytes.Equal(key, key2) {
		t.Error("GenerateKey() returned identical keys")
	}
}

func TestNewEncryptor(t *testing.T) {
	tests := []struct {
		name       string
		key        []byte
		wantErr    bool
		wantEnable bool
	}{
		{name: "valid 32-byte key", key: make([]byte, 32), wantEnable: true},
		{name: "nil key (disabled)", key: nil},
		{name: "empty key (disabled)", key: []byte{}},
		{name: "16-byte key", key: make([]byte, 16), wantErr: true},
		{name: "64-byte key", key: make([]byte, 64), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewEncryptor(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewEncryptor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if enc.IsEnabled() != tt.wantEnable {
				t.Errorf("IsEnabled() = %v, want %v", enc.IsEnabled(), tt.wantEnable)
			}
		})
	}
}

func TestEncryptor_NilSafe(t *testing.T) {
	var enc *Encryptor
	if enc.IsEnabled() {
		t.Error("nil encryptor must report disabled")
	}
	out, err := enc.Seal([]byte("plain"), "x")
	if err != nil || out != "plain" {
		t.Errorf("nil Seal() = %q, %v", out, err)
	}
}

func TestEncryptor_SealOpen(t *testing.T) {
	key, _ := GenerateKey()
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	plaintext := []byte(`{"access_token":"secret-value"}`)
	sealed, err := enc.Seal(plaintext, "session")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if strings.Contains(sealed, "secret-value") {
		t.Error("sealed value contains plaintext")
	}

	opened, err := enc.Open(sealed, "session")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open() = %q, want %q", opened, plaintext)
	}

	again, _ := enc.Seal(plaintext, "session")
	if again == sealed {
		t.Error("two seals of the same plaintext should differ (random nonce)")
	}
}

func TestEncryptor_OpenFailures(t *testing.T) {
	key, _ := GenerateKey()
	enc, _ := NewEncryptor(key)
	sealed, _ := enc.Seal([]byte("value"), "session")

	otherKey, _ := GenerateKey()
	other, _ := NewEncryptor(otherKey)

	tests := []struct {
		name    string
		enc     *Encryptor
		input   string
		label   string
		wantErr error
	}{
		{name: "wrong label", enc: enc, input: sealed, label: "pending"},
		{name: "wrong key", enc: other, input: sealed, label: "session"},
		{name: "not base64", enc: enc, input: "%%%", label: "session"},
		{name: "too short", enc: enc, input: "AAAA", label: "session", wantErr: ErrCiphertextTooShort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.enc.Open(tt.input, tt.label)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncryptor_EncryptDecrypt(t *testing.T) {
	key, _ := GenerateKey()
	enc, _ := NewEncryptor(key)

	ct, err := enc.Encrypt("hello")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	pt, err := enc.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if pt != "hello" {
		t.Errorf("Decrypt() = %q, want hello", pt)
	}

	disabled, _ := NewEncryptor(nil)
	ct, _ = disabled.Encrypt("hello")
	if ct != "hello" {
		t.Errorf("disabled Encrypt() = %q, want passthrough", ct)
	}
}

func TestKeyBase64RoundTrip(t *testing.T) {
	key, _ := GenerateKey()
	decoded, err := KeyFromBase64(KeyToBase64(key))
	if err != nil {
		t.Fatalf("KeyFromBase64() error = %v", err)
	}
	if !bytes.Equal(decoded, key) {
		t.Error("decoded key differs")
	}

	if _, err := KeyFromBase64(KeyToBase64(make([]byte, 10))); err == nil {
		t.Error("expected error for short key")
	}
	if _, err := KeyFromBase64("not base64!"); err == nil {
		t.Error("expected error for invalid base64")
	}
}
