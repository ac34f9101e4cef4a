package services_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/tractive-agent/internal/constants"
	"github.com/benmeehan/tractive-agent/internal/mocks"
	"github.com/benmeehan/tractive-agent/internal/models"
	"github.com/benmeehan/tractive-agent/internal/services"
	"github.com/benmeehan/tractive-agent/pkg/encryption"
	"github.com/benmeehan/tractive-agent/pkg/file"
	"github.com/benmeehan/tractive-agent/pkg/securestore"
)

type vaultFixture struct {
	store  *securestore.MemoryStore
	crypto *encryption.EncryptionManager
	dir    string
	env    map[string]string
}

func newVaultFixture(t *testing.T) *vaultFixture {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	return &vaultFixture{
		store:  securestore.NewMemoryStore(),
		crypto: encryption.NewEncryptionManager(encryption.NewStaticKeyProvider(key), constants.CredentialsAAD),
		dir:    t.TempDir(),
		env:    map[string]string{},
	}
}

func (f *vaultFixture) legacyPath() string {
	return filepath.Join(f.dir, constants.DefaultLegacyFile)
}

func (f *vaultFixture) vault(cfg services.CredentialVaultConfig, terminal services.Terminal) *services.CredentialVault {
	cfg.Getenv = func(k string) string { return f.env[k] }
	if cfg.LegacyFile == "" {
		cfg.LegacyFile = f.legacyPath()
	}
	return services.NewCredentialVault(cfg, f.store, f.crypto, file.NewFileService(), terminal, zerolog.Nop())
}

func TestCredentialVault_Precedence(t *testing.T) {
	ctx := context.Background()
	f := newVaultFixture(t)

	stored := models.Credentials{Email: "store@example.com", Password: "s"}
	require.NoError(t, f.vault(services.CredentialVaultConfig{}, nil).Store(ctx, stored))
	require.NoError(t, os.WriteFile(f.legacyPath(), []byte("legacy@example.com\nl\n1\n2\n"), 0o600))
	f.env[constants.EnvEmail] = "env@example.com"
	f.env[constants.EnvPassword] = "e"

	explicit := models.Credentials{Email: "args@example.com", Password: "a"}
	v := f.vault(services.CredentialVaultConfig{Explicit: explicit}, nil)
	c, err := v.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "args@example.com", c.Email)
	assert.Equal(t, services.SourceArgs, v.Source())

	v = f.vault(services.CredentialVaultConfig{}, nil)
	c, err = v.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "env@example.com", c.Email)
	assert.Equal(t, services.SourceEnv, v.Source())

	delete(f.env, constants.EnvEmail)
	c, err = v.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "store@example.com", c.Email)
	assert.Equal(t, services.SourceStore, v.Source())

	require.NoError(t, v.Delete(ctx))
	c, err = v.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "legacy@example.com", c.Email)
	assert.Equal(t, services.SourceLegacy, v.Source())
}

func TestCredentialVault_PartialFallsThrough(t *testing.T) {
	// Setup
	ctx := context.Background()
	f := newVaultFixture(t)
	f.env[constants.EnvEmail] = "env@example.com"
	f.env[constants.EnvHomeLatitude] = "52.5"
	f.env[constants.EnvHomeLongitude] = "13.4"
	require.NoError(t, f.vault(services.CredentialVaultConfig{}, nil).Store(ctx, models.Credentials{Email: "store@example.com", Password: "pw"}))

	v := f.vault(services.CredentialVaultConfig{Explicit: models.Credentials{Email: "args@example.com"}}, nil)

	// Execute
	c, err := v.Resolve(ctx)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "store@example.com", c.Email)
	assert.Equal(t, services.SourceStore, v.Source())
}

func TestCredentialVault_EnvHome(t *testing.T) {
	f := newVaultFixture(t)
	f.env[constants.EnvEmail] = "env@example.com"
	f.env[constants.EnvPassword] = "pw"
	f.env[constants.EnvHomeLatitude] = "40.7128"
	f.env[constants.EnvHomeLongitude] = "-74.0060"

	c, err := f.vault(services.CredentialVaultConfig{}, nil).Resolve(context.Background())

	require.NoError(t, err)
	home, ok := c.Home()
	require.True(t, ok)
	assert.Equal(t, -74.0060, home.Longitude)
}

func TestCredentialVault_NonInteractiveFailsFast(t *testing.T) {
	// Setup
	f := newVaultFixture(t)
	terminal := new(mocks.Terminal)
	terminal.On("IsInteractive").Return(false)
	v := f.vault(services.CredentialVaultConfig{AllowPrompt: true}, terminal)

	// Execute
	_, err := v.Resolve(context.Background())

	// Assert
	var credErr *models.CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.Contains(t, err.Error(), constants.EnvEmail)
	terminal.AssertNotCalled(t, "ReadLine", "Tractive email: ")
	terminal.AssertExpectations(t)

	_, err = f.vault(services.CredentialVaultConfig{AllowPrompt: true}, nil).Resolve(context.Background())
	assert.ErrorAs(t, err, &credErr)
}

func TestCredentialVault_PromptPersistsAfterConfirm(t *testing.T) {
	// Setup
	ctx := context.Background()
	f := newVaultFixture(t)
	terminal := new(mocks.Terminal)
	terminal.On("IsInteractive").Return(true)
	terminal.On("ReadLine", "Tractive email: ").Return("typed@example.com", nil)
	terminal.On("ReadPassword", "Tractive password: ").Return("typed", nil)
	v := f.vault(services.CredentialVaultConfig{AllowPrompt: true, PersistPrompted: true}, terminal)

	// Execute
	c, err := v.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, services.SourcePrompt, v.Source())

	_, err = v.Load(ctx)
	assert.ErrorIs(t, err, securestore.ErrNotFound)

	require.NoError(t, v.Confirm(ctx))

	// Assert
	loaded, err := v.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, c, loaded)
	terminal.AssertExpectations(t)
}

func TestCredentialVault_LegacyMigration(t *testing.T) {
	// Setup
	ctx := context.Background()
	f := newVaultFixture(t)
	require.NoError(t, os.WriteFile(f.legacyPath(), []byte("email legacy@example.com\npassword pw\nlat 52.1\nlong 13.2\n"), 0o600))
	v := f.vault(services.CredentialVaultConfig{}, nil)

	// Execute
	c, err := v.Resolve(ctx)
	require.NoError(t, err)
	require.NoError(t, v.Confirm(ctx))

	// Assert
	_, statErr := os.Stat(f.legacyPath())
	assert.True(t, errors.Is(statErr, os.ErrNotExist))

	loaded, err := v.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, c, loaded)
	home, ok := loaded.Home()
	require.True(t, ok)
	assert.Equal(t, 52.1, home.Latitude)

	again, err := v.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, services.SourceStore, v.Source())
	assert.Equal(t, c.Email, again.Email)
}

func TestCredentialVault_LegacyFlaggedWhenWipeFails(t *testing.T) {
	// Setup
	ctx := context.Background()
	f := newVaultFixture(t)
	path := "/legacy/login.conf"
	fileClient := new(mocks.FileOperations)
	fileClient.On("IsFileExists", path).Return(true, nil)
	fileClient.On("ReadFileRaw", path).Return([]byte("a@example.com\npw\n"), nil)
	fileClient.On("SecureWipe", path).Return(errors.New("read-only filesystem"))
	fileClient.On("Rename", path, path+constants.MigratedLegacySuffix).Return(nil)

	v := services.NewCredentialVault(services.CredentialVaultConfig{
		Getenv:     func(string) string { return "" },
		LegacyFile: path,
	}, f.store, f.crypto, fileClient, nil, zerolog.Nop())

	// Execute
	_, err := v.Resolve(ctx)
	require.NoError(t, err)
	require.NoError(t, v.Confirm(ctx))

	// Assert
	fileClient.AssertExpectations(t)
}

func TestCredentialVault_CorruptedStore(t *testing.T) {
	// Setup
	ctx := context.Background()
	f := newVaultFixture(t)
	v := f.vault(services.CredentialVaultConfig{}, nil)
	require.NoError(t, v.Store(ctx, models.Credentials{Email: "a@example.com", Password: "pw"}))

	blob, err := f.store.Load(ctx, constants.CredentialsKey)
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xff
	require.NoError(t, f.store.Store(ctx, constants.CredentialsKey, blob))
	require.NoError(t, os.WriteFile(f.legacyPath(), []byte("legacy@example.com\npw\n"), 0o600))

	// Execute
	_, err = v.Resolve(ctx)

	// Assert
	var credErr *models.CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.ErrorIs(t, err, encryption.ErrInvalidCiphertext)
	assert.Equal(t, services.SourceStore, credErr.Source)
}

func TestCredentialVault_RoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newVaultFixture(t)
	v := f.vault(services.CredentialVaultConfig{}, nil)

	for _, c := range []models.Credentials{
		{Email: "a@example.com", Password: "pw"},
		{Email: "ünïcode@example.com", Password: "p a s s\n\t\"'"},
		models.Credentials{Email: "h@example.com", Password: "x"}.WithHome(-33.86, 151.2),
	} {
		require.NoError(t, v.Store(ctx, c))
		loaded, err := v.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, c, loaded)
	}

	assert.Error(t, v.Store(ctx, models.Credentials{Email: "only@example.com"}))
	require.NoError(t, v.Delete(ctx))
	require.NoError(t, v.Delete(ctx))
}

func TestParseLegacyCredentials(t *testing.T) {
	c, err := services.ParseLegacyCredentials([]byte(`{"email":"j@example.com","password":"pw","home_lat":1.5,"home_lon":2.5}`))
	require.NoError(t, err)
	assert.Equal(t, "j@example.com", c.Email)
	home, ok := c.Home()
	require.True(t, ok)
	assert.Equal(t, 2.5, home.Longitude)

	c, err = services.ParseLegacyCredentials([]byte("\n  p@example.com\nsecret\n"))
	require.NoError(t, err)
	assert.True(t, c.Complete())
	_, ok = c.Home()
	assert.False(t, ok)

	_, err = services.ParseLegacyCredentials([]byte("p@example.com\nsecret\nnorth\neast\n"))
	assert.Error(t, err)
}
