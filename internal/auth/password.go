package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Clients send a digest of the password, never the password itself. The
// credential file stores that digest either verbatim or wrapped in bcrypt.

// SealHash wraps a client password digest in bcrypt for storage.
func SealHash(clientHash string) (string, error) {
	if len(clientHash) == 0 {
		return "", errors.New("password hash is empty")
	}
	sealed, err := bcrypt.GenerateFromPassword([]byte(clientHash), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(sealed), nil
}

// sealed reports whether a stored hash is a bcrypt digest.
func sealed(stored string) bool {
	return strings.HasPrefix(stored, "$2")
}

// VerifyHash compares a client digest with the stored value.
func VerifyHash(stored, clientHash string) bool {
	if stored == "" || clientHash == "" {
		return false
	}
	if sealed(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(clientHash)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(clientHash)) == 1
}
