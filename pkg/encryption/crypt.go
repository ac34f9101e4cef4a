package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	keySize   = 32
	nonceSize = 12
)

var (
	// ErrKeyUnavailable is returned when the key cannot be read, created or validated.
	ErrKeyUnavailable = errors.New("encryption key unavailable")
	// ErrInvalidCiphertext is returned for truncated, tampered or foreign blobs.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// EncryptionManagerInterface defines encryption and decryption methods.
type EncryptionManagerInterface interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// EncryptionManager implements AES-256-GCM encryption. Key material is fetched from the
// KeyProvider for every operation and zeroed once the cipher is built.
type EncryptionManager struct {
	keys KeyProvider
	aad  []byte
}

// NewEncryptionManager creates a new EncryptionManager. associatedData binds blobs to
// their purpose so a blob written for one use cannot be opened as another.
func NewEncryptionManager(keys KeyProvider, associatedData string) *EncryptionManager {
	return &EncryptionManager{keys: keys, aad: []byte(associatedData)}
}

func (a *EncryptionManager) aead() (cipher.AEAD, error) {
	if a.keys == nil {
		return nil, fmt.Errorf("%w: no key provider configured", ErrKeyUnavailable)
	}

	key, err := a.keys.Key()
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	if len(key) != keySize {
		return nil, fmt.Errorf("%w: invalid AES key size: got %d bytes, want %d bytes", ErrKeyUnavailable, len(key), keySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher block: %w", err)
	}

	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES-GCM: %w", err)
	}
	return aesgcm, nil
}

// Encrypt encrypts plaintext using AES-GCM. The output is nonce || ciphertext || tag.
func (a *EncryptionManager) Encrypt(plaintext []byte) ([]byte, error) {
	aesgcm, err := a.aead()
	if err != nil {
		return nil, err
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aesgcm.Seal(nonce[:], nonce[:], plaintext, a.aad), nil
}

// Decrypt decrypts ciphertext produced by Encrypt.
func (a *EncryptionManager) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short: must include nonce and encrypted data", ErrInvalidCiphertext)
	}

	aesgcm, err := a.aead()
	if err != nil {
		return nil, err
	}

	nonce := ciphertext[:nonceSize]
	encryptedData := ciphertext[nonceSize:]

	plaintext, err := aesgcm.Open(nil, nonce, encryptedData, a.aad)
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed: %v", ErrInvalidCiphertext, err)
	}

	return plaintext, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
