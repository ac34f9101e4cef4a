package services

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/benmeehan/tractive-agent/internal/constants"
	"github.com/benmeehan/tractive-agent/internal/models"
	"github.com/benmeehan/tractive-agent/pkg/encryption"
	"github.com/benmeehan/tractive-agent/pkg/file"
	"github.com/benmeehan/tractive-agent/pkg/securestore"
)

// Credential sources, highest precedence first.
const (
	SourceArgs   = "args"
	SourceEnv    = "env"
	SourceStore  = "encrypted_store"
	SourceLegacy = "legacy_file"
	SourcePrompt = "prompt"
)

// CredentialResolver is what the session manager needs from the vault. Confirm is called
// once the resolved credentials have been accepted by the server.
type CredentialResolver interface {
	Resolve(ctx context.Context) (models.Credentials, error)
	Confirm(ctx context.Context) error
}

// CredentialVaultInterface is the full vault surface used by the CLI.
type CredentialVaultInterface interface {
	CredentialResolver
	Store(ctx context.Context, creds models.Credentials) error
	Load(ctx context.Context) (models.Credentials, error)
	Delete(ctx context.Context) error
	Source() string
}

// CredentialVaultConfig holds the vault settings.
type CredentialVaultConfig struct {
	Explicit        models.Credentials  // Credentials passed in by the caller
	Getenv          func(string) string // Environment lookup, os.Getenv when nil
	LegacyFile      string              // Plaintext file read for migration only
	AllowPrompt     bool                // Ask on an interactive terminal as the last resort
	PersistPrompted bool                // Store prompted credentials after a successful login
}

// CredentialVault resolves credentials from args, env, the encrypted store and the
// legacy plaintext file, in that order.
type CredentialVault struct {
	config     CredentialVaultConfig
	store      securestore.SecureStore
	crypto     encryption.EncryptionManagerInterface
	fileClient file.FileOperations
	terminal   Terminal
	logger     zerolog.Logger

	mu      sync.Mutex
	source  string
	pending *models.Credentials
}

// NewCredentialVault creates a vault. terminal may be nil for non-interactive use.
func NewCredentialVault(
	config CredentialVaultConfig,
	store securestore.SecureStore,
	crypto encryption.EncryptionManagerInterface,
	fileClient file.FileOperations,
	terminal Terminal,
	logger zerolog.Logger,
) *CredentialVault {
	return &CredentialVault{
		config:     config,
		store:      store,
		crypto:     crypto,
		fileClient: fileClient,
		terminal:   terminal,
		logger:     logger,
	}
}

// Source returns where the last resolved credentials came from.
func (v *CredentialVault) Source() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.source
}

// Resolve returns the first complete credential set. A partial set falls through to
// the next source.
func (v *CredentialVault) Resolve(ctx context.Context) (models.Credentials, error) {
	if c := v.config.Explicit; c.Complete() {
		return v.resolved(SourceArgs, c, nil), nil
	} else if c.Email != "" || c.Password != "" {
		v.logger.Debug().Msg("Explicit credentials are incomplete, trying the next source")
	}

	if c, ok := v.fromEnv(); ok {
		return v.resolved(SourceEnv, c, nil), nil
	}

	c, err := v.Load(ctx)
	switch {
	case err == nil && c.Complete():
		return v.resolved(SourceStore, c, nil), nil
	case err == nil:
		v.logger.Warn().Msg("Stored credentials are incomplete, trying the next source")
	case !errors.Is(err, securestore.ErrNotFound):
		return models.Credentials{}, err
	}

	c, ok, err := v.fromLegacy()
	if err != nil {
		return models.Credentials{}, err
	}
	if ok {
		v.logger.Warn().Str("file", v.config.LegacyFile).Msg("Using plaintext credentials, they will be migrated to the encrypted store after login")
		return v.resolved(SourceLegacy, c, &c), nil
	}

	return v.prompt()
}

func (v *CredentialVault) resolved(source string, c models.Credentials, pending *models.Credentials) models.Credentials {
	v.mu.Lock()
	v.source = source
	v.pending = pending
	v.mu.Unlock()
	v.logger.Debug().Str("source", source).Object("credentials", c).Msg("Credentials resolved")
	return c
}

func (v *CredentialVault) getenv(key string) string {
	if v.config.Getenv != nil {
		return v.config.Getenv(key)
	}
	return os.Getenv(key)
}

func (v *CredentialVault) fromEnv() (models.Credentials, bool) {
	c := models.Credentials{
		Email:    strings.TrimSpace(v.getenv(constants.EnvEmail)),
		Password: v.getenv(constants.EnvPassword),
	}
	if !c.Complete() {
		if c.Email != "" || c.Password != "" {
			v.logger.Debug().Msg("Environment credentials are incomplete, trying the next source")
		}
		return models.Credentials{}, false
	}

	lat, lon := v.getenv(constants.EnvHomeLatitude), v.getenv(constants.EnvHomeLongitude)
	if lat != "" && lon != "" {
		la, errLat := strconv.ParseFloat(strings.TrimSpace(lat), 64)
		lo, errLon := strconv.ParseFloat(strings.TrimSpace(lon), 64)
		if errLat == nil && errLon == nil {
			c = c.WithHome(la, lo)
		} else {
			v.logger.Warn().Msg("Ignoring unparsable home coordinates in the environment")
		}
	}
	return c, true
}

// fromLegacy reads the plaintext file. Three layouts are accepted: a JSON object,
// "key value" lines (email, password, lat, long) and four bare lines in that order.
func (v *CredentialVault) fromLegacy() (models.Credentials, bool, error) {
	path := v.config.LegacyFile
	if path == "" {
		return models.Credentials{}, false, nil
	}
	exists, err := v.fileClient.IsFileExists(path)
	if err != nil {
		return models.Credentials{}, false, &models.CredentialError{Op: "resolve", Source: SourceLegacy, Reason: "cannot access legacy file", Err: err}
	}
	if !exists {
		return models.Credentials{}, false, nil
	}

	raw, err := v.fileClient.ReadFileRaw(path)
	if err != nil {
		return models.Credentials{}, false, &models.CredentialError{Op: "resolve", Source: SourceLegacy, Reason: "cannot read legacy file", Err: err}
	}
	c, err := ParseLegacyCredentials(raw)
	if err != nil {
		v.logger.Warn().Err(err).Str("file", path).Msg("Ignoring unreadable legacy credentials")
		return models.Credentials{}, false, nil
	}
	if !c.Complete() {
		v.logger.Debug().Str("file", path).Msg("Legacy credentials are incomplete")
		return models.Credentials{}, false, nil
	}
	return c, true, nil
}

// ParseLegacyCredentials decodes any of the plaintext layouts.
func ParseLegacyCredentials(raw []byte) (models.Credentials, error) {
	text := strings.TrimSpace(string(raw))
	if strings.HasPrefix(text, "{") {
		var doc struct {
			Email    string   `json:"email"`
			Password string   `json:"password"`
			HomeLat  *float64 `json:"home_lat"`
			HomeLon  *float64 `json:"home_lon"`
		}
		if err := json.Unmarshal([]byte(text), &doc); err != nil {
			return models.Credentials{}, err
		}
		c := models.Credentials{Email: doc.Email, Password: doc.Password}
		if doc.HomeLat != nil && doc.HomeLon != nil {
			c = c.WithHome(*doc.HomeLat, *doc.HomeLon)
		}
		return c, nil
	}

	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}

	values := map[string]string{}
	keyed := len(lines) > 0
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			keyed = false
			break
		}
		values[strings.ToLower(fields[0])] = fields[1]
	}
	if !keyed {
		values = map[string]string{}
		for i, key := range []string{"email", "password", "lat", "long"} {
			if i < len(lines) {
				values[key] = lines[i]
			}
		}
	}

	c := models.Credentials{Email: values["email"], Password: values["password"]}
	lat, lon := values["lat"], values["long"]
	if lon == "" {
		lon = values["lon"]
	}
	if lat != "" && lon != "" {
		la, err := strconv.ParseFloat(lat, 64)
		if err != nil {
			return models.Credentials{}, fmt.Errorf("latitude: %w", err)
		}
		lo, err := strconv.ParseFloat(lon, 64)
		if err != nil {
			return models.Credentials{}, fmt.Errorf("longitude: %w", err)
		}
		c = c.WithHome(la, lo)
	}
	return c, nil
}

func (v *CredentialVault) prompt() (models.Credentials, error) {
	if !v.config.AllowPrompt || v.terminal == nil || !v.terminal.IsInteractive() {
		return models.Credentials{}, &models.CredentialError{
			Op:     "resolve",
			Reason: fmt.Sprintf("no credentials found; set %s and %s or run `tractive login`", constants.EnvEmail, constants.EnvPassword),
		}
	}

	email, err := v.terminal.ReadLine("Tractive email: ")
	if err != nil {
		return models.Credentials{}, &models.CredentialError{Op: "resolve", Source: SourcePrompt, Reason: "cannot read email", Err: err}
	}
	password, err := v.terminal.ReadPassword("Tractive password: ")
	if err != nil {
		return models.Credentials{}, &models.CredentialError{Op: "resolve", Source: SourcePrompt, Reason: "cannot read password", Err: err}
	}
	c := models.Credentials{Email: strings.TrimSpace(email), Password: password}
	if !c.Complete() {
		return models.Credentials{}, &models.CredentialError{Op: "resolve", Source: SourcePrompt, Reason: "email and password are required"}
	}

	var pending *models.Credentials
	if v.config.PersistPrompted {
		pending = &c
	}
	return v.resolved(SourcePrompt, c, pending), nil
}

// Confirm persists credentials that were accepted by the server but are not yet in the
// encrypted store. A legacy file is wiped after the upgrade.
func (v *CredentialVault) Confirm(ctx context.Context) error {
	v.mu.Lock()
	pending, source := v.pending, v.source
	v.pending = nil
	v.mu.Unlock()

	if pending == nil {
		return nil
	}
	if err := v.Store(ctx, *pending); err != nil {
		return err
	}
	v.logger.Info().Str("source", source).Msg("Credentials saved to the encrypted store")

	if source == SourceLegacy {
		v.retireLegacy()
	}
	return nil
}

func (v *CredentialVault) retireLegacy() {
	path := v.config.LegacyFile
	err := v.fileClient.SecureWipe(path)
	if err == nil {
		v.logger.Info().Str("file", path).Msg("Plaintext credentials removed")
		return
	}
	v.logger.Warn().Err(err).Str("file", path).Msg("Secure wipe failed, flagging the file instead")

	flagged := path + constants.MigratedLegacySuffix
	if err := v.fileClient.Rename(path, flagged); err != nil {
		v.logger.Error().Err(err).Str("file", path).Msg("Failed to flag migrated plaintext credentials")
		return
	}
	v.logger.Warn().Str("file", flagged).Msg("Plaintext credentials renamed, delete this file")
}

// Store encrypts and persists creds.
func (v *CredentialVault) Store(ctx context.Context, creds models.Credentials) error {
	if !creds.Complete() {
		return &models.CredentialError{Op: "store", Reason: "email and password are required"}
	}
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return &models.CredentialError{Op: "store", Reason: "cannot encode credentials", Err: err}
	}
	defer wipeBytes(plaintext)

	blob, err := v.crypto.Encrypt(plaintext)
	if err != nil {
		return &models.CredentialError{Op: "store", Source: SourceStore, Reason: "cannot encrypt credentials", Err: err}
	}
	if err := v.store.Store(ctx, constants.CredentialsKey, blob); err != nil {
		return &models.CredentialError{Op: "store", Source: SourceStore, Reason: "cannot write encrypted store", Err: err}
	}
	return nil
}

// Load decrypts the stored credentials. A missing blob wraps securestore.ErrNotFound.
func (v *CredentialVault) Load(ctx context.Context) (models.Credentials, error) {
	blob, err := v.store.Load(ctx, constants.CredentialsKey)
	if err != nil {
		reason := "cannot read encrypted store"
		if errors.Is(err, securestore.ErrNotFound) {
			reason = "no stored credentials"
		}
		return models.Credentials{}, &models.CredentialError{Op: "load", Source: SourceStore, Reason: reason, Err: err}
	}

	plaintext, err := v.crypto.Decrypt(blob)
	if err != nil {
		reason := "stored credentials are corrupted or were encrypted with another key"
		if errors.Is(err, encryption.ErrKeyUnavailable) {
			reason = "encryption key unavailable"
		}
		return models.Credentials{}, &models.CredentialError{Op: "load", Source: SourceStore, Reason: reason, Err: err}
	}
	defer wipeBytes(plaintext)

	var c models.Credentials
	if err := json.Unmarshal(plaintext, &c); err != nil {
		return models.Credentials{}, &models.CredentialError{Op: "load", Source: SourceStore, Reason: "stored credentials are malformed", Err: err}
	}
	return c, nil
}

// Delete removes the stored blob. Deleting nothing is not an error.
func (v *CredentialVault) Delete(ctx context.Context) error {
	if err := v.store.Delete(ctx, constants.CredentialsKey); err != nil && !errors.Is(err, securestore.ErrNotFound) {
		return &models.CredentialError{Op: "delete", Source: SourceStore, Reason: "cannot delete stored credentials", Err: err}
	}
	v.mu.Lock()
	v.pending = nil
	v.mu.Unlock()
	return nil
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
