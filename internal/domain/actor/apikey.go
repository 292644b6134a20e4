package actor

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/alexedwards/argon2id"
)

// ErrInvalidKey is returned when an API key does not resolve to a live actor.
var ErrInvalidKey = errors.New("invalid api key")

// argon2idParams are the OWASP minimum parameters for Argon2id.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashKey returns the SHA-256 hex hash of a raw key. Used for fast lookup of
// config-seeded keys; new keys should use HashKeyArgon2id.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// HashKeyArgon2id returns an Argon2id hash of the raw key in PHC format.
func HashKeyArgon2id(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, argon2idParams)
}

// VerifyKey checks a raw key against a stored hash, accepting both Argon2id
// PHC hashes and legacy SHA-256 hex.
func VerifyKey(rawKey, storedHash string) (bool, error) {
	if strings.HasPrefix(storedHash, "$argon2id$") {
		return argon2id.ComparePasswordAndHash(rawKey, storedHash)
	}
	return HashKey(rawKey) == storedHash, nil
}
