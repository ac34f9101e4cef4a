package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/tractive-agent/internal/constants"
	"github.com/benmeehan/tractive-agent/internal/mocks"
	"github.com/benmeehan/tractive-agent/internal/models"
	"github.com/benmeehan/tractive-agent/pkg/location"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTractiveServer(t *testing.T) *httptest.Server {
	t.Helper()
	now := time.Now()
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+constants.PathAuthToken, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["platform_token"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]any{"access_token": "tok", "user_id": "u1", "expires_at": now.Add(time.Hour).Unix()})
	})
	mux.HandleFunc("GET /user/u1/trackers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]string{{"_id": "TRK1"}})
	})
	mux.HandleFunc("GET /tracker/TRK1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"_id": "TRK1", "model_number": "TG4", "fw_version": "1.2", "state": "OPERATIONAL"})
	})
	mux.HandleFunc("GET /device_hw_report/TRK1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"battery_level": 76, "hw_status": "OK", "time": now.Unix(), "temperature_state": "normal"})
	})
	mux.HandleFunc("GET /device_pos_report/TRK1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"latlong": []float64{52.5203, 13.405}, "time": now.Add(-time.Minute).Unix(), "pos_uncertainty": 6})
	})
	mux.HandleFunc("GET /tracker/TRK1/positions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, [][]map[string]any{{
			{"latlong": []float64{52.52, 13.405}, "time": now.Add(-time.Hour).Unix(), "pos_uncertainty": 5},
			{"latlong": []float64{52.521, 13.405}, "time": now.Add(-30 * time.Minute).Unix(), "pos_uncertainty": 8},
		}})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func writeTestConfig(t *testing.T, baseURL string) string {
	t.Helper()
	dir := t.TempDir()
	config := fmt.Sprintf(`api_base_url: %s
retry_attempts: 0
credentials:
  backend: memory
  dir: %s
  key_file: %s
  legacy_file: %s
  allow_prompt: false
state:
  file: %s
logging:
  level: error
`, baseURL, filepath.Join(dir, "store"), filepath.Join(dir, "vault.key"), filepath.Join(dir, "login.conf"), filepath.Join(dir, "live.json"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(config), 0o600))
	return path
}

func setCredentialEnv(t *testing.T, email, password string) {
	t.Setenv(constants.EnvEmail, email)
	t.Setenv(constants.EnvPassword, password)
	t.Setenv(constants.EnvHomeLatitude, "")
	t.Setenv(constants.EnvHomeLongitude, "")
	t.Setenv(constants.EnvAPIBaseURL, "")
	t.Setenv(constants.EnvTrackerID, "")
}

func TestRun_StatusJSON(t *testing.T) {
	// Setup
	server := newTractiveServer(t)
	config := writeTestConfig(t, server.URL)
	setCredentialEnv(t, "owner@example.com", "secret")
	var stdout, stderr bytes.Buffer

	// Execute
	code := run(context.Background(), []string{"--config", config, "--json", "status"}, &stdout, &stderr)

	// Assert
	require.Equal(t, exitOK, code, stderr.String())
	var out struct {
		Tracker struct {
			ID string `json:"id"`
		} `json:"tracker"`
		Status struct {
			BatteryLevel int `json:"battery_level"`
		} `json:"status"`
		NeedsAttention bool `json:"needs_attention"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	assert.Equal(t, "TRK1", out.Tracker.ID)
	assert.Equal(t, 76, out.Status.BatteryLevel)
	assert.False(t, out.NeedsAttention)
}

func TestRun_LocationWithAddress(t *testing.T) {
	// Setup
	server := newTractiveServer(t)
	config := writeTestConfig(t, server.URL)
	setCredentialEnv(t, "owner@example.com", "secret")
	t.Setenv(constants.EnvHomeLatitude, "52.52")
	t.Setenv(constants.EnvHomeLongitude, "13.405")
	geocoder := new(mocks.Geocoder)
	geocoder.On("ReverseGeocode", mock.Anything, location.Point{Latitude: 52.5203, Longitude: 13.405}).
		Return("Alexanderplatz, Berlin", nil).Once()
	var stdout, stderr bytes.Buffer
	a := newApp(&stdout, &stderr)
	a.terminal = nil
	a.geocoder = geocoder

	// Execute
	code := execute(context.Background(), a, []string{"--config", config, "--json", "location", "--address"})

	// Assert
	require.Equal(t, exitOK, code, stderr.String())
	var out struct {
		Strategy       string  `json:"strategy"`
		Address        string  `json:"address"`
		DistanceMeters float64 `json:"distance_from_home_meters"`
		AtHome         bool    `json:"at_home"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	assert.Equal(t, "cached", out.Strategy)
	assert.Equal(t, "Alexanderplatz, Berlin", out.Address)
	assert.InDelta(t, 33.4, out.DistanceMeters, 0.1)
	assert.True(t, out.AtHome)
	geocoder.AssertExpectations(t)
}

func TestRun_ExportToStdout(t *testing.T) {
	server := newTractiveServer(t)
	config := writeTestConfig(t, server.URL)
	setCredentialEnv(t, "owner@example.com", "secret")
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"--config", config, "export", "--hours", "2"}, &stdout, &stderr)

	require.Equal(t, exitOK, code, stderr.String())
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "time,latitude,longitude"))
	assert.Contains(t, lines[2], "52.521")
}

func TestRun_WrongPasswordExitsWithCredentialsCode(t *testing.T) {
	server := newTractiveServer(t)
	config := writeTestConfig(t, server.URL)
	setCredentialEnv(t, "owner@example.com", "wrong")
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"--config", config, "status"}, &stdout, &stderr)

	assert.Equal(t, exitCredentials, code)
	assert.Contains(t, stderr.String(), "Error:")
	assert.Empty(t, stdout.String())
}

func TestRun_MissingCredentials(t *testing.T) {
	config := writeTestConfig(t, "http://127.0.0.1:1")
	setCredentialEnv(t, "", "")
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"--config", config, "pet"}, &stdout, &stderr)

	assert.Equal(t, exitCredentials, code, stderr.String())
}

func TestRun_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "bad state", args: []string{"control", "led", "blink"}},
		{name: "unknown command type", args: []string{"control", "laser", "on"}},
		{name: "missing args", args: []string{"control", "led"}},
		{name: "unknown flag", args: []string{"status", "--nope"}},
		{name: "zero hours", args: []string{"history", "--hours", "0"}},
		{name: "negative threshold", args: []string{"monitor", "--threshold", "-5"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer

			code := run(context.Background(), tt.args, &stdout, &stderr)

			assert.Equal(t, exitValidation, code, stderr.String())
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{errors.New("boom"), exitFailure},
		{&models.ValidationError{Field: "x", Reason: "bad"}, exitValidation},
		{&models.CredentialError{Reason: "missing"}, exitCredentials},
		{&models.AuthError{Op: "POST /auth/token", Status: 401}, exitCredentials},
		{fmt.Errorf("status: %w", &models.NetworkError{Op: "GET", Attempts: 4, Err: errors.New("refused")}), exitNetwork},
		{&models.APIError{Op: "GET /tracker/x", Status: 500, Attempts: 1}, exitNetwork},
		{&models.LocationUnavailableError{LastState: "POLL_LIVE"}, exitLocation},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCode(tt.err), fmt.Sprint(tt.err))
	}
}

func TestParseControl_Aliases(t *testing.T) {
	cmd, err := parseControl("buzzer", "on", "")
	require.NoError(t, err)
	assert.Equal(t, models.BuzzerControl, cmd.Type)

	cmd, err = parseControl("battery-saver", "OFF", "")
	require.NoError(t, err)
	assert.Equal(t, models.BatterySaver, cmd.Type)
	assert.Equal(t, models.StateOff, cmd.State)
}
