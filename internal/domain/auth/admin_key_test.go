package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestHashKeyArgon2id(t *testing.T) {
	rawKey := "test-api-key-secure-12345"

	hash, err := HashKeyArgon2id(rawKey)
	if err != nil {
		t.Fatalf("HashKeyArgon2id() error = %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Errorf("HashKeyArgon2id() = %q, want prefix $argon2id$", hash)
	}

	hash2, err := HashKeyArgon2id(rawKey)
	if err != nil {
		t.Fatalf("HashKeyArgon2id() second call error = %v", err)
	}
	if hash == hash2 {
		t.Error("HashKeyArgon2id() produced identical hashes - should use random salt")
	}
}

func TestDetectHashType(t *testing.T) {
	tests := []struct {
		name     string
		hash     string
		wantType string
	}{
		{"argon2id PHC format", "$argon2id$v=19$m=47104,t=1,p=1$abc123$xyz789", "argon2id"},
		{"sha256 prefixed", "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", "sha256"},
		{"bare hex", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", "unknown"},
		{"wrong prefix", "$bcrypt$abc123", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectHashType(tt.hash); got != tt.wantType {
				t.Errorf("DetectHashType(%q) = %q, want %q", tt.hash, got, tt.wantType)
			}
		})
	}
}

func TestVerifyKey(t *testing.T) {
	rawKey := "test-api-key-verify-12345"

	argon2Hash, err := HashKeyArgon2id(rawKey)
	if err != nil {
		t.Fatalf("HashKeyArgon2id() setup error = %v", err)
	}
	sha256Hash := HashKeySHA256(rawKey)

	tests := []struct {
		name       string
		rawKey     string
		storedHash string
		wantMatch  bool
		wantErr    error
	}{
		{"argon2id correct", rawKey, argon2Hash, true, nil},
		{"argon2id wrong", "wrong-key", argon2Hash, false, nil},
		{"sha256 correct", rawKey, sha256Hash, true, nil},
		{"sha256 wrong", "wrong-key", sha256Hash, false, nil},
		{"unknown hash type", rawKey, "invalid-hash-format", false, ErrUnknownHashType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			match, err := VerifyKey(tt.rawKey, tt.storedHash)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("VerifyKey() error = %v, wantErr %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("VerifyKey() unexpected error = %v", err)
			}
			if match != tt.wantMatch {
				t.Errorf("VerifyKey() = %v, want %v", match, tt.wantMatch)
			}
		})
	}
}

func TestVerifyKey_MalformedArgon2idDoesNotPanic(t *testing.T) {
	_, err := VerifyKey("key", "$argon2id$v=19$m=47104,t=0,p=0$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaGhhc2hoYXNoaGFzaGhhc2g")
	if err == nil {
		t.Error("expected error for malformed parameters")
	}
}

func TestKeyVerifier(t *testing.T) {
	hash, err := HashKeyArgon2id("s3cret-admin-key")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	v, err := NewKeyVerifier(hash)
	if err != nil {
		t.Fatalf("NewKeyVerifier: %v", err)
	}

	if err := v.Verify("s3cret-admin-key"); err != nil {
		t.Errorf("Verify(correct) = %v", err)
	}
	// Second call is served from the verified set.
	if err := v.Verify("s3cret-admin-key"); err != nil {
		t.Errorf("Verify(correct, cached) = %v", err)
	}
	if err := v.Verify("nope"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Verify(wrong) = %v, want ErrInvalidKey", err)
	}
	if err := v.Verify(""); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Verify(empty) = %v, want ErrInvalidKey", err)
	}
}

func TestNewKeyVerifier_RejectsUnknownFormat(t *testing.T) {
	if _, err := NewKeyVerifier("plaintext"); !errors.Is(err, ErrUnknownHashType) {
		t.Errorf("err = %v, want ErrUnknownHashType", err)
	}
}
