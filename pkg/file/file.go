package file

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileOperations defines methods for reading from and writing to files.
type FileOperations interface {
	IsFileExists(filePath string) (bool, error)
	ReadFile(filePath string) (string, error)
	ReadFileRaw(filePath string) ([]byte, error)
	ReadJsonFile(filePath string, v any) error
	ReadYamlFile(filePath string, v any) error
	WriteFileRaw(filePath string, data []byte) error
	WriteJsonFile(filePath string, data any) error
	EnsureDir(dirPath string) error
	Remove(filePath string) error
	Rename(oldPath, newPath string) error
	SecureWipe(filePath string) error
	GetFileHash(filePath string) (string, error)
}

// FileService implements the FileOperations interface using standard file operations.
type FileService struct{}

// NewFileService creates a new instance of FileService.
func NewFileService() *FileService {
	return &FileService{}
}

// IsFileExists checks if the file exists and returns boolean and error
func (fs *FileService) IsFileExists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return false, nil
	}

	// checking err == nil because of permission related error
	return err == nil, err
}

// ReadFile reads the contents of the file at filePath and returns it as a string.
func (fs *FileService) ReadFile(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadFileRaw reads the contents of the file at filePath and returns it as a byte array.
func (fs *FileService) ReadFileRaw(filePath string) ([]byte, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

// ReadJsonFile reads and unmarshals JSON data from the given file.
func (fs *FileService) ReadJsonFile(filePath string, v any) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	return decoder.Decode(v)
}

// ReadYamlFile reads and unmarshals YAML data from the given file.
func (fs *FileService) ReadYamlFile(filePath string, v any) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	err = decoder.Decode(v)
	if errors.Is(err, io.EOF) {
		// empty document
		return nil
	}
	return err
}

// WriteFileRaw atomically replaces filePath with data, readable by the owner only.
func (fs *FileService) WriteFileRaw(filePath string, data []byte) error {
	tempFile := filePath + ".tmp"

	if err := os.WriteFile(tempFile, data, 0600); err != nil {
		os.Remove(tempFile)
		return err
	}
	return os.Rename(tempFile, filePath)
}

// WriteJsonFile writes the JSON data to the file at filePath.
func (fs *FileService) WriteJsonFile(filePath string, data any) error {
	tempFile := filePath + ".tmp"

	file, err := os.OpenFile(tempFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(data); err != nil {
		file.Close()
		os.Remove(tempFile) // Clean up partial file
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tempFile)
		return err
	}

	return os.Rename(tempFile, filePath) // Atomic file update
}

// EnsureDir creates dirPath (and parents) with owner-only permissions.
func (fs *FileService) EnsureDir(dirPath string) error {
	if err := os.MkdirAll(dirPath, 0700); err != nil {
		return fmt.Errorf("mkdir %s: %w", dirPath, err)
	}
	return nil
}

// Remove deletes filePath. A missing file is not an error.
func (fs *FileService) Remove(filePath string) error {
	err := os.Remove(filePath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Rename moves oldPath to newPath.
func (fs *FileService) Rename(oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}

// SecureWipe overwrites the file with zeros, syncs it to disk and unlinks it.
func (fs *FileService) SecureWipe(filePath string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(filePath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open for wipe: %w", err)
	}

	zeros := make([]byte, 4096)
	remaining := info.Size()
	for remaining > 0 {
		n := int64(len(zeros))
		if remaining < n {
			n = remaining
		}
		if _, err := f.Write(zeros[:n]); err != nil {
			f.Close()
			return fmt.Errorf("overwrite %s: %w", filepath.Base(filePath), err)
		}
		remaining -= n
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(filePath), err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Remove(filePath)
}

// GetFileHash returns SHA256 hash of given file path
func (fs *FileService) GetFileHash(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("error opening file: %v", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("error reading file contents: %v", err)
	}

	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}
