package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/benmeehan/tractive-agent/internal/constants"
	"github.com/benmeehan/tractive-agent/internal/metrics_collectors"
	"github.com/benmeehan/tractive-agent/internal/models"
	"github.com/benmeehan/tractive-agent/pkg/clock"
)

const maxErrorBody = 512

// SessionManagerConfig holds the transport and retry settings.
type SessionManagerConfig struct {
	BaseURL           string
	ClientID          string
	RequestTimeout    time.Duration
	RetryAttempts     int
	Backoff           BackoffPolicy
	RequestsPerMinute int
	Burst             int
	CacheEnabled      bool
	CacheTTL          time.Duration
}

// APIClient is the request surface the other services ride on.
type APIClient interface {
	Request(ctx context.Context, method, path string, body, out any, opts ...RequestOption) error
	UserID(ctx context.Context) (string, error)
	Session() models.Session
	BindDevice(trackerID, petID string)
	Now() time.Time
}

type requestOptions struct {
	query     url.Values
	cached    bool
	mutation  bool
	forceAuth bool
}

// RequestOption tunes a single Request call.
type RequestOption func(*requestOptions)

// WithQuery appends query parameters.
func WithQuery(q url.Values) RequestOption {
	return func(o *requestOptions) { o.query = q }
}

// Cached serves a GET from the response cache when possible.
func Cached() RequestOption {
	return func(o *requestOptions) { o.cached = true }
}

// Mutation marks a state changing call. It is retried only when the server signals
// the change was not applied (429, 503) or the request never left the client.
func Mutation() RequestOption {
	return func(o *requestOptions) { o.mutation = true }
}

// SessionManager owns one authenticated session and wraps every API call with token
// handling, rate limiting and retries. It is not shared between clients.
type SessionManager struct {
	config   SessionManagerConfig
	http     *http.Client
	resolver CredentialResolver
	limiter  *rate.Limiter
	cache    *cache.Cache
	clock    clock.Clock
	random   func() float64
	metrics  *metrics_collectors.SessionMetrics
	logger   zerolog.Logger

	mu      sync.Mutex
	session *models.Session
	creds   *models.Credentials
	device  models.Session
}

// NewSessionManager creates a SessionManager. httpClient may be nil.
func NewSessionManager(
	config SessionManagerConfig,
	httpClient *http.Client,
	resolver CredentialResolver,
	clk clock.Clock,
	metrics *metrics_collectors.SessionMetrics,
	logger zerolog.Logger,
) *SessionManager {
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.ClientID == "" {
		config.ClientID = constants.DefaultClientID
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = constants.DefaultRequestTimeout
	}
	if config.RetryAttempts < 0 {
		config.RetryAttempts = 0
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.RequestTimeout}
	}
	if clk == nil {
		clk = clock.NewReal()
	}
	if metrics == nil {
		metrics = metrics_collectors.NewSessionMetrics()
	}

	limit := rate.Inf
	if config.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(config.RequestsPerMinute) / 60)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}

	var responses *cache.Cache
	if config.CacheEnabled && config.CacheTTL > 0 {
		responses = cache.New(config.CacheTTL, 2*config.CacheTTL)
	}

	return &SessionManager{
		config:   config,
		http:     httpClient,
		resolver: resolver,
		limiter:  rate.NewLimiter(limit, burst),
		cache:    responses,
		clock:    clk,
		random:   rand.Float64,
		metrics:  metrics,
		logger:   logger,
	}
}

// SetRandom replaces the jitter source. Used in tests.
func (s *SessionManager) SetRandom(random func() float64) {
	s.random = random
}

// HTTPClient is the underlying client, for plain downloads.
func (s *SessionManager) HTTPClient() *http.Client { return s.http }

// Metrics returns the session counters.
func (s *SessionManager) Metrics() *metrics_collectors.SessionMetrics { return s.metrics }

// Now returns the injected clock's time.
func (s *SessionManager) Now() time.Time { return s.clock.Now() }

// Session returns a copy of the current session without the token.
func (s *SessionManager) Session() models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.device
	if s.session != nil {
		out.ID = s.session.ID
		out.UserID = s.session.UserID
		out.ExpiresAt = s.session.ExpiresAt
		out.CreatedAt = s.session.CreatedAt
	}
	out.BaseURL = s.config.BaseURL
	out.AccessToken = ""
	return out
}

// BindDevice records the tracker and pet the session works with.
func (s *SessionManager) BindDevice(trackerID, petID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if trackerID != "" {
		s.device.TrackerID = trackerID
	}
	if petID != "" {
		s.device.PetID = petID
	}
}

// UserID returns the authenticated user, logging in first if needed.
func (s *SessionManager) UserID(ctx context.Context) (string, error) {
	session, err := s.ensureSession(ctx)
	if err != nil {
		return "", err
	}
	return session.UserID, nil
}

// Login resolves credentials and authenticates.
func (s *SessionManager) Login(ctx context.Context) (*models.Session, error) {
	if s.resolver == nil {
		return nil, &models.CredentialError{Op: "login", Reason: "no credential source configured"}
	}
	creds, err := s.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	session, err := s.Authenticate(ctx, creds)
	if err != nil {
		return nil, err
	}
	if err := s.resolver.Confirm(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to persist credentials after login")
	}
	return session, nil
}

// Authenticate exchanges creds for a token. Invalid credentials return AuthError.
func (s *SessionManager) Authenticate(ctx context.Context, creds models.Credentials) (*models.Session, error) {
	if !creds.Complete() {
		return nil, &models.CredentialError{Op: "authenticate", Reason: "email and password are required"}
	}

	body := map[string]string{
		"platform_email": creds.Email,
		"platform_token": creds.Password,
		"grant_type":     constants.AuthGrantType,
	}
	var resp struct {
		AccessToken string `json:"access_token"`
		UserID      string `json:"user_id"`
		ExpiresAt   int64  `json:"expires_at"`
	}
	err := s.do(ctx, http.MethodPost, constants.PathAuthToken, body, &resp, requestOptions{forceAuth: true})
	if err != nil {
		return nil, err
	}
	if resp.AccessToken == "" || resp.UserID == "" {
		return nil, &models.AuthError{Op: "POST " + constants.PathAuthToken, Err: errors.New("token response without access_token or user_id")}
	}

	now := s.clock.Now()
	expires := now.Add(constants.DefaultTokenLifetime)
	if resp.ExpiresAt > 0 {
		expires = time.Unix(resp.ExpiresAt, 0)
	}
	session := &models.Session{
		ID:          uuid.NewString(),
		AccessToken: resp.AccessToken,
		UserID:      resp.UserID,
		ExpiresAt:   expires,
		BaseURL:     s.config.BaseURL,
		CreatedAt:   now,
	}

	s.mu.Lock()
	s.session = session
	c := creds
	s.creds = &c
	s.mu.Unlock()

	s.logger.Info().Str("session_id", session.ID).Str("user_id", session.UserID).Time("expires_at", expires).Msg("Authenticated")
	out := *session
	out.AccessToken = ""
	return &out, nil
}

// Close discards the token and the in-memory credentials.
func (s *SessionManager) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds != nil {
		s.creds.Wipe()
		s.creds = nil
	}
	if s.session != nil {
		s.logger.Debug().Str("session_id", s.session.ID).Msg("Session discarded")
	}
	s.session = nil
	if s.cache != nil {
		s.cache.Flush()
	}
}

func (s *SessionManager) ensureSession(ctx context.Context) (*models.Session, error) {
	s.mu.Lock()
	session, creds := s.session, s.creds
	s.mu.Unlock()

	if session.Valid(s.clock.Now(), constants.TokenExpirySkew) {
		return session, nil
	}
	if creds != nil {
		s.logger.Debug().Msg("Token expired, re-authenticating")
		if _, err := s.Authenticate(ctx, *creds); err != nil {
			return nil, err
		}
	} else if _, err := s.Login(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, nil
}

func (s *SessionManager) reauthenticate(ctx context.Context) error {
	s.mu.Lock()
	creds := s.creds
	s.session = nil
	s.mu.Unlock()

	s.metrics.Reauth()
	if creds == nil {
		_, err := s.Login(ctx)
		return err
	}
	_, err := s.Authenticate(ctx, *creds)
	return err
}

// Request sends an authenticated call and decodes a JSON response into out.
func (s *SessionManager) Request(ctx context.Context, method, path string, body, out any, opts ...RequestOption) error {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}
	if method != http.MethodGet {
		o.cached = false
	}
	err := s.do(ctx, method, path, body, out, o)
	if err != nil {
		category, _ := models.CategoryOf(err)
		s.metrics.Error(string(category))
	}
	return err
}

// GetJSON is Request with GET.
func (s *SessionManager) GetJSON(ctx context.Context, path string, out any, opts ...RequestOption) error {
	return s.Request(ctx, http.MethodGet, path, nil, out, opts...)
}

// PostJSON is Request with POST, which is always treated as a mutation.
func (s *SessionManager) PostJSON(ctx context.Context, path string, body, out any, opts ...RequestOption) error {
	return s.Request(ctx, http.MethodPost, path, body, out, append(opts, Mutation())...)
}

func (s *SessionManager) do(ctx context.Context, method, path string, body, out any, o requestOptions) error {
	op := method + " " + path
	target := s.config.BaseURL + path
	if len(o.query) > 0 {
		target += "?" + o.query.Encode()
	}

	if o.cached && s.cache != nil {
		if raw, ok := s.cache.Get(target); ok {
			s.metrics.CacheHit()
			return decodeBody(op, http.StatusOK, raw.([]byte), out)
		}
		s.metrics.CacheMiss()
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
	}

	idempotent := !o.mutation && method != http.MethodPost && method != http.MethodPatch
	maxAttempts := s.config.RetryAttempts + 1
	reauthed := false
	var lastErr error
	var lastStatus int

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			s.metrics.Retry()
		}

		var token string
		if !o.forceAuth {
			session, err := s.ensureSession(ctx)
			if err != nil {
				return err
			}
			token = session.AccessToken
		}
		if err := s.wait(ctx); err != nil {
			return &models.NetworkError{Op: op, Attempts: attempt - 1, Err: err}
		}

		status, header, raw, err := s.send(ctx, method, target, payload, token)
		s.metrics.ObserveRequest(method, status)

		if err != nil {
			if ctx.Err() != nil {
				return &models.NetworkError{Op: op, Attempts: attempt, Err: ctx.Err()}
			}
			lastErr, lastStatus = err, 0
			if !idempotent && !requestNotSent(err) {
				return &models.NetworkError{Op: op, Attempts: attempt, Err: err}
			}
			if attempt == maxAttempts {
				break
			}
			delay := s.config.Backoff.Delay(attempt-1, s.random())
			s.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("delay", delay).Msg("Request failed, retrying")
			if err := s.clock.Sleep(ctx, delay); err != nil {
				return &models.NetworkError{Op: op, Attempts: attempt, Err: err}
			}
			continue
		}

		switch {
		case status >= 200 && status < 300:
			if o.cached && s.cache != nil {
				s.cache.SetDefault(target, raw)
			}
			if !idempotent && s.cache != nil {
				s.cache.Flush()
			}
			s.logger.Debug().Str("op", op).Int("status", status).Int("attempt", attempt).Msg("Request succeeded")
			return decodeBody(op, status, raw, out)

		case status == http.StatusUnauthorized || (o.forceAuth && status == http.StatusForbidden):
			if o.forceAuth {
				return &models.AuthError{Op: op, Status: status, Err: errors.New(snippet(raw))}
			}
			if reauthed {
				return &models.AuthError{Op: op, Status: status, Err: errors.New("token rejected after re-authentication")}
			}
			reauthed = true
			s.logger.Info().Str("op", op).Msg("Token rejected, re-authenticating once")
			if err := s.reauthenticate(ctx); err != nil {
				return err
			}
			// The re-authenticated request repeats this attempt.
			attempt--
			continue
		}

		lastErr, lastStatus = errors.New(snippet(raw)), status
		if !retryableStatus(status, idempotent) {
			return &models.APIError{Op: op, Status: status, Attempts: attempt, Body: snippet(raw)}
		}
		if attempt == maxAttempts {
			break
		}

		delay, ok := time.Duration(0), false
		if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
			delay, ok = ParseRetryAfter(header.Get("Retry-After"), s.clock.Now())
		}
		if !ok {
			delay = s.config.Backoff.Delay(attempt-1, s.random())
		}
		s.logger.Warn().Str("op", op).Int("status", status).Int("attempt", attempt).Dur("delay", delay).Msg("Retryable response, backing off")
		if err := s.clock.Sleep(ctx, delay); err != nil {
			return &models.NetworkError{Op: op, Attempts: attempt, Err: err}
		}
	}

	if lastStatus == 0 {
		return &models.NetworkError{Op: op, Attempts: maxAttempts, Err: lastErr}
	}
	return &models.APIError{Op: op, Status: lastStatus, Attempts: maxAttempts, Body: lastErr.Error()}
}

func (s *SessionManager) wait(ctx context.Context) error {
	now := s.clock.Now()
	r := s.limiter.ReserveN(now, 1)
	if !r.OK() {
		return errors.New("rate limiter cannot satisfy request")
	}
	if d := r.DelayFrom(now); d > 0 {
		s.logger.Debug().Dur("delay", d).Msg("Rate limited locally")
		if err := s.clock.Sleep(ctx, d); err != nil {
			r.CancelAt(s.clock.Now())
			return err
		}
	}
	return nil
}

func (s *SessionManager) send(ctx context.Context, method, target string, payload []byte, token string) (int, http.Header, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set(constants.ClientHeader, s.config.ClientID)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, resp.Header, raw, nil
}

func retryableStatus(status int, idempotent bool) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	case http.StatusRequestTimeout, http.StatusInternalServerError, http.StatusBadGateway, http.StatusGatewayTimeout:
		return idempotent
	}
	return idempotent && status > 500
}

// requestNotSent reports failures that happened before any byte reached the server.
func requestNotSent(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func decodeBody(op string, status int, raw []byte, out any) error {
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &models.APIError{Op: op, Status: status, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody] + "..."
	}
	return s
}
