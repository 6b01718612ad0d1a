package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// ContentKeySize is the AES-256 key length in bytes.
const ContentKeySize = 32

// Protector encrypts and decrypts text message content with one
// process-wide AES-256-GCM key.
//
// This is a best-effort transport confidentiality layer, not end-to-end
// encryption: a single shared key protects all rooms.
type Protector struct {
	aead cipher.AEAD
}

// NewProtector builds a Protector from a raw 32-byte key.
func NewProtector(key []byte) (*Protector, error) {
	if len(key) != ContentKeySize {
		return nil, fmt.Errorf("invalid content key length: got %d want %d", len(key), ContentKeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &Protector{aead: aead}, nil
}

// Protect encrypts plaintext and returns base64(nonce || ciphertext).
// Each call generates a fresh random nonce, so protecting the same input
// twice yields different outputs.
func (p *Protector) Protect(plaintext string) (string, error) {
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := p.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Reveal decodes base64 input, splits the fixed-size nonce prefix, and
// decrypts the remainder. It returns an error rather than panicking on any
// malformed input; callers fall back to passing ciphertext through.
func (p *Protector) Reveal(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode protected content: %w", err)
	}
	if len(raw) <= p.aead.NonceSize() {
		return "", errors.New("protected content shorter than nonce prefix")
	}

	nonce, ciphertext := raw[:p.aead.NonceSize()], raw[p.aead.NonceSize():]
	plaintext, err := p.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt content: %w", err)
	}

	return string(plaintext), nil
}
