// Package auth implements credential hashing for stored passwords.
// Passwords are salted per-user and digested with argon2id; only the
// digest and salt ever reach storage.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// argon2id parameters, per the RFC 9106 second recommended option
// (64 MiB memory, 3 passes).
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32

	saltLen = 32
)

// Password is a salted password digest as stored for a user.
type Password struct {
	Hash []byte
	Salt []byte
}

// HashPassword digests a plaintext password with the given salt. A nil salt
// generates a fresh random one, which is the only mode used when creating
// users; passing a salt exists for verification against stored credentials.
func HashPassword(password string, salt []byte) (Password, error) {
	if salt == nil {
		salt = make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return Password{}, fmt.Errorf("failed to generate salt: %w", err)
		}
	}

	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return Password{Hash: hash, Salt: salt}, nil
}

// Verify reports whether the candidate password matches the stored digest.
// The comparison is constant-time.
func (p Password) Verify(candidate string) bool {
	computed := argon2.IDKey([]byte(candidate), p.Salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(p.Hash, computed) == 1
}
