// Package crypto implements credential proof hashing and verification.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters (tuned for an interactive device, not a server farm).
const (
	argonTime    uint32 = 2
	argonMemory  uint32 = 32 * 1024 // 32 MB
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32
)

// SaltLen is the per-record salt length in bytes.
const SaltLen = 16

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// HashProof returns the Argon2id proof of secret using the provided salt.
func HashProof(secret, salt []byte) []byte {
	return argon2.IDKey(secret, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyProof verifies secret against the expected Argon2id proof and salt.
func VerifyProof(secret, salt, expected []byte) bool {
	got := HashProof(secret, salt)
	return subtle.ConstantTimeCompare(got, expected) == 1
}
