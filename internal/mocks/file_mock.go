package mocks

import (
	"github.com/stretchr/testify/mock"
)

// FileOperations is a mock implementation of the file.FileOperations interface
type FileOperations struct {
	mock.Mock
}

func (m *FileOperations) IsFileExists(filePath string) (bool, error) {
	args := m.Called(filePath)
	return args.Bool(0), args.Error(1)
}

func (m *FileOperations) ReadFile(filePath string) (string, error) {
	args := m.Called(filePath)
	return args.String(0), args.Error(1)
}

func (m *FileOperations) ReadFileRaw(filePath string) ([]byte, error) {
	args := m.Called(filePath)
	if b, ok := args.Get(0).([]byte); ok {
		return b, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *FileOperations) ReadJsonFile(filePath string, v any) error {
	args := m.Called(filePath, v)
	return args.Error(0)
}

func (m *FileOperations) ReadYamlFile(filePath string, v any) error {
	args := m.Called(filePath, v)
	return args.Error(0)
}

func (m *FileOperations) WriteFileRaw(filePath string, data []byte) error {
	args := m.Called(filePath, data)
	return args.Error(0)
}

func (m *FileOperations) WriteJsonFile(filePath string, data any) error {
	args := m.Called(filePath, data)
	return args.Error(0)
}

func (m *FileOperations) EnsureDir(dirPath string) error {
	args := m.Called(dirPath)
	return args.Error(0)
}

func (m *FileOperations) Remove(filePath string) error {
	args := m.Called(filePath)
	return args.Error(0)
}

func (m *FileOperations) Rename(oldPath, newPath string) error {
	args := m.Called(oldPath, newPath)
	return args.Error(0)
}

func (m *FileOperations) SecureWipe(filePath string) error {
	args := m.Called(filePath)
	return args.Error(0)
}

func (m *FileOperations) GetFileHash(filePath string) (string, error) {
	args := m.Called(filePath)
	return args.String(0), args.Error(1)
}
