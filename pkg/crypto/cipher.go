// Package crypto holds the token cipher used for payment-provider
// credentials at rest and the HMAC signer for email tracking links.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	keySize = 32 // AES-256
	ivSize  = 16
	tagSize = 16
)

var (
	// ErrInvalidKeySize is returned when the key is not 32 bytes.
	ErrInvalidKeySize = errors.New("crypto: encryption key must be 32 bytes")
	// ErrMalformedCiphertext is returned when stored data cannot be decoded.
	ErrMalformedCiphertext = errors.New("crypto: malformed ciphertext")
)

// TokenCipher encrypts and decrypts short secrets with AES-256-GCM.
// The stored form is base64(iv || tag || ciphertext) with a fresh random
// 16-byte IV per encryption and the 16-byte auth tag prefixed, so a row
// is self-contained and tampering fails authentication.
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher builds a cipher from a 32-byte key.
func NewTokenCipher(key []byte) (*TokenCipher, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: init cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("crypto: init gcm: %w", err)
	}
	return &TokenCipher{aead: aead}, nil
}

// NewEphemeralTokenCipher generates a random key. Anything encrypted with
// it is unreadable after restart; only development runs use this.
func NewEphemeralTokenCipher() (*TokenCipher, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("crypto: generate ephemeral key: %w", err)
	}
	return NewTokenCipher(key)
}

// Encrypt seals plaintext into the stored form. Empty input passes through
// so unset columns stay unset.
func (c *TokenCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("crypto: generate iv: %w", err)
	}
	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	// Seal appends the tag; the stored layout wants it ahead of the body.
	body, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, ivSize+len(sealed))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, body...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Empty input passes through. Callers decide what
// to do with a failure; reads must not halt on one bad row.
func (c *TokenCipher) Decrypt(stored string) (string, error) {
	if stored == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	if len(raw) < ivSize+tagSize {
		return "", ErrMalformedCiphertext
	}
	iv, tag, body := raw[:ivSize], raw[ivSize:ivSize+tagSize], raw[ivSize+tagSize:]

	sealed := make([]byte, 0, len(body)+tagSize)
	sealed = append(sealed, body...)
	sealed = append(sealed, tag...)
	plain, err := c.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decrypt: %w", err)
	}
	return string(plain), nil
}
