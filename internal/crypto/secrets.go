// Package crypto encrypts secrets that must live in the database, such as
// TOTP seeds. AES-256-GCM with a random nonce per value; ciphertexts carry
// an "enc:" prefix so plaintext rows from before encryption was enabled
// remain readable.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

const encPrefix = "enc:"

// SecretBox seals and opens short secrets with a fixed 32-byte key.
// Safe for concurrent use.
type SecretBox struct {
	aead cipher.AEAD
}

// NewSecretBox builds a box from a hex-encoded 32-byte key, as produced by
// GenerateKey.
func NewSecretBox(keyHex string) (*SecretBox, error) {
	if len(keyHex) != 64 {
		return nil, fmt.Errorf("secret key must be 32 bytes (64 hex characters), got %d characters", len(keyHex))
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("secret key is not valid hex: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM mode: %w", err)
	}
	return &SecretBox{aead: aead}, nil
}

// Encrypt seals plaintext and returns "enc:" + base64(nonce || ciphertext).
// The nonce is random per call; reuse under the same key would break GCM.
func (b *SecretBox) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. GCM authenticates before
// decrypting, so tampered or wrong-key values fail rather than returning
// garbage.
func (b *SecretBox) Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return "", fmt.Errorf("value lacks %q prefix", encPrefix)
	}
	raw, err := base64.StdEncoding.DecodeString(value[len(encPrefix):])
	if err != nil {
		return "", fmt.Errorf("invalid base64 payload: %w", err)
	}

	nonceSize := b.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("payload shorter than nonce")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]

	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether a stored value was sealed by a SecretBox.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix)
}

// GenerateKey returns a fresh hex-encoded 32-byte key suitable for
// NewSecretBox.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
