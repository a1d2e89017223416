package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

const serviceTokenPrefix = "mtr_"

// GenerateServiceToken creates a token for scripted control, format
// mtr_<uuid>_<random_secret>, and returns it with the sha256 hash that
// goes into the server config.
func GenerateServiceToken() (token, hash string, err error) {
	id := uuid.New()

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate secret: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)

	token = fmt.Sprintf("%s%s_%s", serviceTokenPrefix, id.String(), secret)
	return token, HashToken(token), nil
}

// HashToken derives the config-storable hash of a service token.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ValidServiceTokenFormat reports whether a presented token looks like a
// service token at all, before any hash lookup.
func ValidServiceTokenFormat(token string) bool {
	if len(token) < len(serviceTokenPrefix)+36+1+64 {
		return false
	}
	return token[:len(serviceTokenPrefix)] == serviceTokenPrefix
}
