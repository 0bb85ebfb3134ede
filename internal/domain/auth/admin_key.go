// Package auth verifies the admin API key.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/alexedwards/argon2id"
)

// ErrInvalidKey is returned when a presented key does not match.
var ErrInvalidKey = errors.New("invalid api key")

// ErrUnknownHashType is returned when a stored hash has an unrecognized format.
var ErrUnknownHashType = errors.New("unknown hash type")

// argon2idParams defines OWASP minimum parameters for Argon2id.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024, // KiB
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashKeyArgon2id returns an Argon2id hash of the raw key in PHC format:
// $argon2id$v=19$m=47104,t=1,p=1$<salt>$<hash>
func HashKeyArgon2id(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, argon2idParams)
}

// HashKeySHA256 returns "sha256:<hex>". Only suitable for high-entropy
// generated keys.
func HashKeySHA256(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// DetectHashType returns "argon2id", "sha256" or "unknown".
func DetectHashType(storedHash string) string {
	switch {
	case strings.HasPrefix(storedHash, "$argon2id$"):
		return "argon2id"
	case strings.HasPrefix(storedHash, "sha256:"):
		return "sha256"
	default:
		return "unknown"
	}
}

// VerifyKey verifies a raw key against a stored hash.
// Returns (false, ErrUnknownHashType) for unrecognized formats.
func VerifyKey(rawKey, storedHash string) (bool, error) {
	switch DetectHashType(storedHash) {
	case "argon2id":
		return safeArgon2idCompare(rawKey, storedHash)
	case "sha256":
		want := strings.TrimPrefix(storedHash, "sha256:")
		got := strings.TrimPrefix(HashKeySHA256(rawKey), "sha256:")
		return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1, nil
	default:
		return false, ErrUnknownHashType
	}
}

// safeArgon2idCompare converts the panics argon2 raises on malformed
// parameters (t=0, p=0) into errors.
func safeArgon2idCompare(rawKey, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawKey, storedHash)
}

// KeyVerifier checks presented keys against one configured hash. Keys that
// verified once are remembered by digest so argon2 runs once per key.
type KeyVerifier struct {
	storedHash string

	mu       sync.Mutex
	verified map[[sha256.Size]byte]struct{}
}

// NewKeyVerifier validates storedHash's format and returns a verifier.
func NewKeyVerifier(storedHash string) (*KeyVerifier, error) {
	if DetectHashType(storedHash) == "unknown" {
		return nil, ErrUnknownHashType
	}
	return &KeyVerifier{
		storedHash: storedHash,
		verified:   make(map[[sha256.Size]byte]struct{}),
	}, nil
}

// Verify returns nil when rawKey matches, ErrInvalidKey otherwise.
func (v *KeyVerifier) Verify(rawKey string) error {
	if rawKey == "" {
		return ErrInvalidKey
	}
	digest := sha256.Sum256([]byte(rawKey))

	v.mu.Lock()
	_, ok := v.verified[digest]
	v.mu.Unlock()
	if ok {
		return nil
	}

	match, err := VerifyKey(rawKey, v.storedHash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if !match {
		return ErrInvalidKey
	}

	v.mu.Lock()
	v.verified[digest] = struct{}{}
	v.mu.Unlock()
	return nil
}
