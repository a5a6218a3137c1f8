package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"telemetry-gateway/internal/logging"
	"telemetry-gateway/internal/upstream"
)

// renewalKey is the single singleflight key shared by every network renewal,
// so login and refresh never run concurrently.
const renewalKey = "renewal"

var ErrManagerClosed = errors.New("credential manager is closed")

// State is the externally observable lifecycle state
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateValid           State = "valid"
	StateRefreshing      State = "refreshing"
)

// Status describes the credential lifecycle without any token material
type Status struct {
	State         State      `json:"state"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	NextRenewalAt *time.Time `json:"nextRenewalAt,omitempty"`
}

// Config contains telemetry platform authentication settings
type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration // per login/refresh call
}

// Manager obtains, caches and renews the upstream access token. It is the
// only writer of its Store and the only owner of the renewal timer.
type Manager struct {
	config     Config
	httpClient *http.Client
	store      Store
	group      singleflight.Group
	logger     *slog.Logger
	now        func() time.Time
	afterFunc  func(time.Duration, func()) *time.Timer
	refreshing atomic.Bool

	timerMu     sync.Mutex
	timer       *time.Timer
	nextRenewal time.Time
	closed      bool
}

// tokenResponse is the body of a successful login or refresh
type tokenResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

// NewManager creates a credential manager. A nil httpClient uses http.DefaultClient.
func NewManager(config Config, httpClient *http.Client, logger *slog.Logger) *Manager {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &Manager{
		config:     config,
		httpClient: httpClient,
		logger:     logger.With("component", "credentials"),
		now:        time.Now,
		afterFunc:  time.AfterFunc,
	}
}

// Authenticate logs in with the configured principal and returns the new access token
func (m *Manager) Authenticate(ctx context.Context) (string, error) {
	return m.shared(ctx, m.authenticate)
}

// Refresh renews the credential with the refresh token, falling back to a
// full login when there is none, when it is rejected, or when the refresh
// call fails unexpectedly.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	return m.shared(ctx, m.refresh)
}

// GetValidToken returns a token with at least RefreshThreshold left, renewing
// only when needed. Concurrent callers share a single renewal.
func (m *Manager) GetValidToken(ctx context.Context) (string, error) {
	if cred, ok := m.store.Get(); ok && !cred.NeedsRenewal(m.now()) {
		return cred.AccessToken, nil
	}

	return m.shared(ctx, func(ctx context.Context) (string, error) {
		// Double-check: a renewal may have completed while we were queued
		cred, ok := m.store.Get()
		if !ok {
			return m.authenticate(ctx)
		}
		if cred.NeedsRenewal(m.now()) {
			return m.refresh(ctx)
		}
		return cred.AccessToken, nil
	})
}

// RefreshRejected renews after the upstream rejected the given token. When the
// held token has already been replaced by a concurrent renewal, the newer token
// is returned without another network call.
func (m *Manager) RefreshRejected(ctx context.Context, rejected string) (string, error) {
	return m.shared(ctx, func(ctx context.Context) (string, error) {
		if cred, ok := m.store.Get(); ok && cred.AccessToken != rejected && !cred.NeedsRenewal(m.now()) {
			return cred.AccessToken, nil
		}
		return m.refresh(ctx)
	})
}

// Status returns the current lifecycle state
func (m *Manager) Status() Status {
	status := Status{State: StateUnauthenticated}

	if cred, ok := m.store.Get(); ok {
		status.State = StateValid
		expiresAt := cred.Expiry()
		status.ExpiresAt = &expiresAt
	}
	if m.refreshing.Load() {
		status.State = StateRefreshing
	}

	m.timerMu.Lock()
	if m.timer != nil && !m.nextRenewal.IsZero() {
		next := m.nextRenewal
		status.NextRenewalAt = &next
	}
	m.timerMu.Unlock()

	return status
}

// Close cancels the renewal timer and discards the credential. It is safe to
// call more than once.
func (m *Manager) Close() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.store.Clear()
	m.logger.Info("Credential manager closed")
}

// shared runs op under the renewal singleflight key. The flight is detached
// from the first caller's cancellation; each caller may still stop waiting.
func (m *Manager) shared(ctx context.Context, op func(context.Context) (string, error)) (string, error) {
	if m.isClosed() {
		return "", ErrManagerClosed
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(renewalKey, func() (interface{}, error) {
		m.refreshing.Store(true)
		defer m.refreshing.Store(false)
		return op(flightCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// authenticate performs the login call. Callers must hold the renewal flight.
func (m *Manager) authenticate(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{
		"username": m.config.Username,
		"password": m.config.Password,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal login request: %w", err)
	}

	status, respBody, err := m.post(ctx, "/api/auth/login", "", body)
	if err != nil {
		return "", &upstream.TransportError{Op: "login", Err: err}
	}
	if status != http.StatusOK {
		m.logger.Error("Upstream login rejected",
			"status", status,
		)
		return "", &upstream.AuthError{Op: "login", StatusCode: status}
	}

	tokens, err := decodeTokens(respBody)
	if err != nil {
		return "", fmt.Errorf("failed to parse login response: %w: %v", upstream.ErrMalformedResponse, err)
	}

	cred := m.storeCredential(tokens)
	m.logger.Info("Authenticated with upstream",
		"token", logging.Mask(cred.AccessToken),
		"expires_at", cred.Expiry(),
	)
	return cred.AccessToken, nil
}

// refresh performs the refresh call with login fallback. Callers must hold the renewal flight.
func (m *Manager) refresh(ctx context.Context) (string, error) {
	cred, ok := m.store.Get()
	if !ok || cred.RefreshToken == "" {
		m.logger.Debug("No refresh token held, authenticating")
		return m.authenticate(ctx)
	}

	status, respBody, err := m.post(ctx, "/api/auth/refresh", cred.RefreshToken, nil)
	if err != nil {
		m.logger.Warn("Refresh call failed, falling back to login",
			"error", err,
		)
		return m.authenticate(ctx)
	}

	switch {
	case status == http.StatusUnauthorized:
		m.logger.Info("Refresh token rejected, falling back to login")
		return m.authenticate(ctx)
	case status != http.StatusOK:
		m.logger.Error("Upstream refresh rejected",
			"status", status,
		)
		return "", &upstream.AuthError{Op: "refresh", StatusCode: status}
	}

	tokens, err := decodeTokens(respBody)
	if err != nil {
		m.logger.Warn("Unreadable refresh response, falling back to login",
			"error", err,
		)
		return m.authenticate(ctx)
	}

	next := m.storeCredential(tokens)
	m.logger.Info("Refreshed upstream credential",
		"token", logging.Mask(next.AccessToken),
		"expires_at", next.Expiry(),
	)
	return next.AccessToken, nil
}

// post sends a JSON POST to the auth API with the per-call timeout. A non-empty
// bearer is sent as the Authorization header.
func (m *Manager) post(ctx context.Context, path, bearer string, body []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.config.BaseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func decodeTokens(body []byte) (tokenResponse, error) {
	var tokens tokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return tokenResponse{}, err
	}
	if tokens.Token == "" {
		return tokenResponse{}, errors.New("response carries no token")
	}
	return tokens, nil
}

// storeCredential replaces the credential and re-arms the renewal timer
func (m *Manager) storeCredential(tokens tokenResponse) Credential {
	now := m.now()
	cred := NewCredential(tokens.Token, tokens.RefreshToken, now)

	m.timerMu.Lock()
	defer m.timerMu.Unlock()

	if m.closed {
		return cred
	}
	m.store.Set(cred)

	if m.timer != nil {
		m.timer.Stop()
	}
	delay := RenewalDelay(cred, now)
	m.nextRenewal = now.Add(delay)
	m.timer = m.afterFunc(delay, m.renewInBackground)

	m.logger.Debug("Scheduled proactive renewal",
		"in", delay.String(),
	)
	return cred
}

// renewInBackground is the timer callback. Failures are logged and dropped;
// the reactive path in the query executor recovers on the next 401.
func (m *Manager) renewInBackground() {
	if m.isClosed() {
		return
	}
	if _, err := m.Refresh(context.Background()); err != nil {
		m.logger.Warn("Proactive renewal failed",
			"error", err,
		)
	}
}

func (m *Manager) isClosed() bool {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	return m.closed
}
