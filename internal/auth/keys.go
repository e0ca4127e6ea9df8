// ABOUTME: Tenant API key generation, hashing, and verification
// ABOUTME: Keys use the qm_<id>_<secret> format and are bcrypt-hashed at rest

package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// keyPrefix identifies Quarter Master API keys.
	keyPrefix = "qm"

	// keyIDBytes is the random length of the public key identifier.
	// The identifier is used for O(1) credential lookup; it carries no secret.
	keyIDBytes = 6

	// keySecretBytes is the random length of the secret portion.
	keySecretBytes = 32

	// bcryptCost matches the original deployment's hashing rounds.
	bcryptCost = 12
)

// ErrMalformedKey indicates a presented key does not match the expected format.
var ErrMalformedKey = errors.New("malformed api key")

var keyPattern = regexp.MustCompile(`^qm_[0-9a-f]+_[A-Za-z0-9_-]+$`)

// GenerateAPIKey creates a new plaintext API key and its public key ID.
// The plaintext is shown to the operator exactly once; only the bcrypt
// hash is ever stored.
func GenerateAPIKey() (plaintext, keyID string, err error) {
	idBuf := make([]byte, keyIDBytes)
	if _, err := rand.Read(idBuf); err != nil {
		return "", "", fmt.Errorf("generating key id: %w", err)
	}

	secretBuf := make([]byte, keySecretBytes)
	if _, err := rand.Read(secretBuf); err != nil {
		return "", "", fmt.Errorf("generating key secret: %w", err)
	}

	keyID = hex.EncodeToString(idBuf)
	secret := base64.RawURLEncoding.EncodeToString(secretBuf)
	return fmt.Sprintf("%s_%s_%s", keyPrefix, keyID, secret), keyID, nil
}

// KeyIDFromAPIKey extracts the public key ID from a presented plaintext key.
// Returns ErrMalformedKey if the key does not have the qm_<id>_<secret> shape.
func KeyIDFromAPIKey(plaintext string) (string, error) {
	plaintext = strings.TrimSpace(plaintext)
	if !keyPattern.MatchString(plaintext) {
		return "", ErrMalformedKey
	}

	parts := strings.SplitN(plaintext, "_", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return "", ErrMalformedKey
	}
	return parts[1], nil
}

// HashAPIKey hashes a plaintext key for storage.
func HashAPIKey(plaintext string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hashing api key: %w", err)
	}
	return string(hashed), nil
}

// VerifyAPIKey compares a presented plaintext key against a stored hash.
// bcrypt comparison is constant-time with respect to the key material.
func VerifyAPIKey(plaintext, hashed string) bool {
	if plaintext == "" || hashed == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plaintext)) == nil
}
