// Package crypto seals BYOK provider keys at rest with AES-256-GCM.
// Each ciphertext is bound to the (user, provider) pair it was stored for,
// so a sealed key copied onto another row fails to open.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	ErrInvalidKey    = errors.New("encryption key must be 32 bytes for AES-256")
	ErrInvalidCipher = errors.New("invalid ciphertext")
	ErrEmptySecret   = errors.New("nothing to seal")
)

// Sealer encrypts and decrypts provider keys.
type Sealer struct {
	gcm cipher.AEAD
}

// NewSealer creates a Sealer. key must be exactly 32 bytes.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{gcm: gcm}, nil
}

// binding is the additional authenticated data for a stored key.
func binding(userID, provider string) []byte {
	return []byte("chatgate/byok/v1\x00" + userID + "\x00" + provider)
}

// Seal returns base64(nonce || ciphertext || tag) for plaintext bound to userID and provider.
func (s *Sealer) Seal(plaintext, userID, provider string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptySecret
	}

	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := s.gcm.Seal(nonce, nonce, []byte(plaintext), binding(userID, provider))
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. It fails if the ciphertext was tampered with or was
// sealed for a different user or provider.
func (s *Sealer) Open(sealed, userID, provider string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	ns := s.gcm.NonceSize()
	if len(data) < ns+s.gcm.Overhead()+1 {
		return "", ErrInvalidCipher
	}

	plaintext, err := s.gcm.Open(nil, data[:ns], data[ns:], binding(userID, provider))
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(plaintext), nil
}

// GenerateKey returns a random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// Hint returns the last four characters of a key for display.
func Hint(apiKey string) string {
	r := []rune(apiKey)
	if len(r) <= 4 {
		return ""
	}
	return string(r[len(r)-4:])
}
