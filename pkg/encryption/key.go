package encryption

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"

	"github.com/benmeehan/tractive-agent/pkg/file"
)

// KeyProvider hands out a fresh copy of the symmetric key. Callers own the returned
// slice and are expected to zero it after use.
type KeyProvider interface {
	Key() ([]byte, error)
}

// FileKeyProvider keeps a random 32-byte key in its own owner-only file, apart from the
// encrypted blobs it protects.
type FileKeyProvider struct {
	path       string
	create     bool
	fileClient file.FileOperations
}

// NewFileKeyProvider returns a provider for the key at path. When create is set a
// missing key is generated on first use.
func NewFileKeyProvider(path string, create bool, fileClient file.FileOperations) *FileKeyProvider {
	return &FileKeyProvider{path: path, create: create, fileClient: fileClient}
}

// Key reads (or generates) the key file and validates its size, owner and permissions.
func (p *FileKeyProvider) Key() ([]byte, error) {
	info, err := os.Stat(p.path)
	if errors.Is(err, os.ErrNotExist) {
		if !p.create {
			return nil, fmt.Errorf("%w: key file %s does not exist", ErrKeyUnavailable, p.path)
		}
		return p.generate()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}

	if err := file.CheckPrivate(info); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyUnavailable, p.path, err)
	}

	key, err := p.fileClient.ReadFileRaw(p.path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read key: %v", ErrKeyUnavailable, err)
	}
	if len(key) != keySize {
		wipe(key)
		return nil, fmt.Errorf("%w: invalid AES key size: got %d bytes, want %d bytes", ErrKeyUnavailable, len(key), keySize)
	}
	return key, nil
}

func (p *FileKeyProvider) generate() ([]byte, error) {
	if err := p.fileClient.EnsureDir(filepath.Dir(p.path)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: failed to generate key: %v", ErrKeyUnavailable, err)
	}
	if err := p.fileClient.WriteFileRaw(p.path, key); err != nil {
		wipe(key)
		return nil, fmt.Errorf("%w: failed to write key: %v", ErrKeyUnavailable, err)
	}
	return key, nil
}

// StaticKeyProvider serves a fixed key. Used for tests and externally managed keys.
type StaticKeyProvider struct {
	key []byte
}

// NewStaticKeyProvider copies key into a new provider.
func NewStaticKeyProvider(key []byte) *StaticKeyProvider {
	k := make([]byte, len(key))
	copy(k, key)
	return &StaticKeyProvider{key: k}
}

// Key returns a copy of the static key.
func (p *StaticKeyProvider) Key() ([]byte, error) {
	if len(p.key) == 0 {
		return nil, fmt.Errorf("%w: empty static key", ErrKeyUnavailable)
	}
	k := make([]byte, len(p.key))
	copy(k, p.key)
	return k, nil
}

// Scrypt cost parameters for passcode derivation.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// DerivedKeyProvider turns a base key into a purpose-bound key. With a passcode the
// result is scrypt(passcode, base); without one it is HKDF-SHA256(base, info).
type DerivedKeyProvider struct {
	base     KeyProvider
	info     string
	passcode func() (string, error)
}

// NewDerivedKeyProvider wraps base. passcode may be nil.
func NewDerivedKeyProvider(base KeyProvider, info string, passcode func() (string, error)) *DerivedKeyProvider {
	return &DerivedKeyProvider{base: base, info: info, passcode: passcode}
}

// Key derives the purpose key, zeroing the base key before returning.
func (p *DerivedKeyProvider) Key() ([]byte, error) {
	base, err := p.base.Key()
	if err != nil {
		return nil, err
	}
	defer wipe(base)

	var pass string
	if p.passcode != nil {
		pass, err = p.passcode()
		if err != nil {
			return nil, fmt.Errorf("%w: passcode: %v", ErrKeyUnavailable, err)
		}
	}

	if pass != "" {
		key, err := scrypt.Key([]byte(pass), base, scryptN, scryptR, scryptP, keySize)
		if err != nil {
			return nil, fmt.Errorf("%w: scrypt: %v", ErrKeyUnavailable, err)
		}
		return key, nil
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, base, nil, []byte(p.info)), key); err != nil {
		return nil, fmt.Errorf("%w: hkdf: %v", ErrKeyUnavailable, err)
	}
	return key, nil
}
