package securestore_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/tractive-agent/pkg/file"
	"github.com/benmeehan/tractive-agent/pkg/s3"
	"github.com/benmeehan/tractive-agent/pkg/securestore"
)

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "vault")
	store := securestore.NewFileStore(dir, file.NewFileService())

	_, err := store.Load(ctx, "credentials")
	assert.ErrorIs(t, err, securestore.ErrNotFound)

	require.NoError(t, store.Store(ctx, "credentials", []byte{1, 2, 3}))

	info, err := os.Stat(filepath.Join(dir, "credentials.enc"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := store.Load(ctx, "credentials")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	require.NoError(t, store.Delete(ctx, "credentials"))
	_, err = store.Load(ctx, "credentials")
	assert.ErrorIs(t, err, securestore.ErrNotFound)
	assert.NoError(t, store.Delete(ctx, "credentials"))
}

func TestFileStore_RejectsReadableBlob(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := securestore.NewFileStore(dir, file.NewFileService())
	require.NoError(t, store.Store(ctx, "credentials", []byte("blob")))
	require.NoError(t, os.Chmod(filepath.Join(dir, "credentials.enc"), 0644))

	_, err := store.Load(ctx, "credentials")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, securestore.ErrNotFound)
}

func TestFileStore_InvalidKey(t *testing.T) {
	store := securestore.NewFileStore(t.TempDir(), file.NewFileService())
	for _, key := range []string{"", "../escape", `a\b`, ".."} {
		assert.Error(t, store.Store(context.Background(), key, []byte("x")), key)
	}
}

func TestMemoryStore_CopiesData(t *testing.T) {
	ctx := context.Background()
	store := securestore.NewMemoryStore()
	in := []byte("abc")
	require.NoError(t, store.Store(ctx, "k", in))
	in[0] = 'z'

	out, err := store.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), out)
}

type mockObjectStorage struct {
	mock.Mock
}

func (m *mockObjectStorage) Upload(ctx context.Context, objectName string, r io.Reader, size int64, contentType string, metadata map[string]string) (string, error) {
	data, _ := io.ReadAll(r)
	args := m.Called(objectName, data, size, contentType)
	return args.String(0), args.Error(1)
}

func (m *mockObjectStorage) Download(ctx context.Context, objectName string) ([]byte, error) {
	args := m.Called(objectName)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *mockObjectStorage) Remove(ctx context.Context, objectName string) error {
	args := m.Called(objectName)
	return args.Error(0)
}

func TestS3Store_KeysUnderPrefix(t *testing.T) {
	ctx := context.Background()
	client := new(mockObjectStorage)
	client.On("Upload", "team/creds/credentials.enc", []byte("blob"), int64(4), "application/octet-stream").Return("https://presigned", nil).Once()
	client.On("Download", "team/creds/credentials.enc").Return([]byte("blob"), nil).Once()
	client.On("Download", "team/creds/other.enc").Return(nil, s3.ErrObjectNotFound).Once()
	client.On("Remove", "team/creds/credentials.enc").Return(nil).Once()

	store := securestore.NewS3Store(client, "team/creds")

	require.NoError(t, store.Store(ctx, "credentials", []byte("blob")))
	data, err := store.Load(ctx, "credentials")
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), data)

	_, err = store.Load(ctx, "other")
	assert.ErrorIs(t, err, securestore.ErrNotFound)

	require.NoError(t, store.Delete(ctx, "credentials"))
	client.AssertExpectations(t)
}

func TestNew_SelectsBackend(t *testing.T) {
	fs := file.NewFileService()

	store, err := securestore.New(securestore.Options{Dir: t.TempDir()}, fs)
	require.NoError(t, err)
	assert.IsType(t, &securestore.FileStore{}, store)

	store, err = securestore.New(securestore.Options{Backend: securestore.BackendMemory}, fs)
	require.NoError(t, err)
	assert.IsType(t, &securestore.MemoryStore{}, store)

	_, err = securestore.New(securestore.Options{Backend: securestore.BackendS3}, fs)
	assert.Error(t, err)

	_, err = securestore.New(securestore.Options{Backend: "keychain"}, fs)
	assert.Error(t, err)
}
