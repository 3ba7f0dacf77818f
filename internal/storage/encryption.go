package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const keySize = 32

// ErrCiphertextTooShort is returned for data shorter than the GCM nonce
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// EncryptionKey seals the Nature Remo access token at rest
type EncryptionKey struct {
	key []byte
}

// LoadOrCreateKey loads an existing key or creates a new one
func LoadOrCreateKey(path string) (*EncryptionKey, error) {
	key, err := os.ReadFile(path)
	if err == nil && len(key) == keySize {
		return &EncryptionKey{key: key}, nil
	}

	key = make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key dir: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("failed to save key: %w", err)
	}

	return &EncryptionKey{key: key}, nil
}

// NewEncryptionKey wraps raw key bytes; the key must be 32 bytes (AES-256)
func NewEncryptionKey(key []byte) (*EncryptionKey, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", keySize, len(key))
	}
	return &EncryptionKey{key: append([]byte(nil), key...)}, nil
}

func (e *EncryptionKey) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext with AES-GCM; the nonce is prepended
func (e *EncryptionKey) Encrypt(plaintext []byte) ([]byte, error) {
	gcm, err := e.aead()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens data produced by Encrypt
func (e *EncryptionKey) Decrypt(ciphertext []byte) ([]byte, error) {
	gcm, err := e.aead()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrCiphertextTooShort
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// EncryptString encrypts a string
func (e *EncryptionKey) EncryptString(s string) ([]byte, error) {
	return e.Encrypt([]byte(s))
}

// DecryptString decrypts to a string
func (e *EncryptionKey) DecryptString(ciphertext []byte) (string, error) {
	plaintext, err := e.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
