package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashPassword hashes a password using Argon2id as "salt$hash" in base64.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return base64.StdEncoding.EncodeToString(salt) + "$" + base64.StdEncoding.EncodeToString(hash), nil
}

// DummyVerify performs an Argon2id hash with the same cost parameters as real
// verification, so a wrong username costs as much as a wrong password.
func DummyVerify() {
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyPassword checks a password against a HashPassword result.
func VerifyPassword(password, encoded string) (bool, error) {
	saltB64, hashB64, ok := strings.Cut(encoded, "$")
	if !ok {
		return false, fmt.Errorf("auth: invalid hash format")
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}
	expected, err := base64.StdEncoding.DecodeString(hashB64)
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}
	computed := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(expected, computed) == 1, nil
}

// Credentials is the single configured login. The password is kept only as
// its hash.
type Credentials struct {
	username string
	hash     string
}

// NewCredentials hashes password for username.
func NewCredentials(username, password string) (*Credentials, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	return &Credentials{username: username, hash: hash}, nil
}

// Authenticate reports whether username and password match.
func (c *Credentials) Authenticate(username, password string) bool {
	if subtle.ConstantTimeCompare([]byte(username), []byte(c.username)) != 1 {
		DummyVerify()
		return false
	}
	ok, err := VerifyPassword(password, c.hash)
	return err == nil && ok
}
