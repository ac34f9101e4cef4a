package file_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/tractive-agent/pkg/file"
)

func TestFileService_WriteFileRawOwnerOnly(t *testing.T) {
	fs := file.NewFileService()
	path := filepath.Join(t.TempDir(), "blob.enc")

	require.NoError(t, fs.WriteFileRaw(path, []byte("secret")))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := fs.ReadFileRaw(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), data)

	exists, err := fs.IsFileExists(path + ".tmp")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFileService_JsonRoundTrip(t *testing.T) {
	fs := file.NewFileService()
	path := filepath.Join(t.TempDir(), "state.json")

	in := map[string]int{"a": 1}
	require.NoError(t, fs.WriteJsonFile(path, in))

	var out map[string]int
	require.NoError(t, fs.ReadJsonFile(path, &out))
	assert.Equal(t, in, out)
}

func TestFileService_ReadYamlFileEmpty(t *testing.T) {
	fs := file.NewFileService()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	var out struct {
		Name string `yaml:"name"`
	}
	assert.NoError(t, fs.ReadYamlFile(path, &out))
	assert.Empty(t, out.Name)
}

func TestFileService_SecureWipe(t *testing.T) {
	fs := file.NewFileService()
	path := filepath.Join(t.TempDir(), "login.conf")
	require.NoError(t, os.WriteFile(path, []byte("user@example.com\nhunter2\n"), 0600))

	require.NoError(t, fs.SecureWipe(path))

	exists, err := fs.IsFileExists(path)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFileService_RemoveMissing(t *testing.T) {
	fs := file.NewFileService()
	assert.NoError(t, fs.Remove(filepath.Join(t.TempDir(), "missing")))
}
