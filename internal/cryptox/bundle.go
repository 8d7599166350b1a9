// Package cryptox seals and opens the payload bundles exchanged with
// devices.
//
// A bundle is "base64(iv),base64(ciphertext)" where the ciphertext is
// AES-CBC with PKCS#7 padding under the device's shared secret.
package cryptox

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrDecrypt covers every reason a bundle cannot be opened. Callers treat
// it as an authentication failure.
var ErrDecrypt = errors.New("cryptox: cannot decrypt bundle")

// Encrypt seals plaintext under key with a random IV.
//
// The key must be 16, 24 or 32 bytes long.
func Encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("cryptox: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("cryptox: iv: %w", err)
	}
	padded := pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(iv) + "," + base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a bundle produced by Encrypt or by a device. Both the
// standard and the URL-safe base64 alphabets are accepted.
func Decrypt(key []byte, bundle string) (string, error) {
	ivPart, ctPart, ok := strings.Cut(bundle, ",")
	if !ok {
		return "", fmt.Errorf("%w: missing separator", ErrDecrypt)
	}
	iv, err := decode(ivPart)
	if err != nil || len(iv) != aes.BlockSize {
		return "", fmt.Errorf("%w: bad iv", ErrDecrypt)
	}
	ct, err := decode(ctPart)
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: bad ciphertext", ErrDecrypt)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)
	plain, err := unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func decode(s string) ([]byte, error) {
	// Query strings turn an unescaped '+' into a space, so spaces are
	// restored before any trimming.
	s = strings.Trim(strings.ReplaceAll(s, " ", "+"), "\r\n\t")
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(append([]byte(nil), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrDecrypt)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
		}
	}
	return b[:len(b)-n], nil
}
