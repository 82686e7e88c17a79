// Package token acquires and refreshes the bot access token.
//
// A Manager owns exactly one cached Credential and at most one scheduled
// refresh. The credential is replaced on every acquisition, never mutated.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/qqbot-gateway/metrics"
)

const (
	DefaultEndpoint    = "https://bots.qq.com/app/getAppAccessToken"
	DefaultRefreshLead = 60 * time.Second
	DefaultRetryDelay  = 10 * time.Second
)

var (
	ErrMissingCredentials = errors.New("token: app id or secret not configured")
	ErrStopped            = errors.New("token: manager stopped")
)

// Credentials identify the bot to the authentication endpoint. They come
// from configuration and are never modified.
type Credentials struct {
	AppID  string
	Secret string
}

// Credential is a bearer token and the instant it stops being valid.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// ValidAt reports whether the credential can still be used at now.
func (c Credential) ValidAt(now time.Time) bool {
	return c.Token != "" && now.Before(c.ExpiresAt)
}

// Authorization returns the value for the HTTP Authorization header and the
// gateway handshake token field.
func (c Credential) Authorization() string {
	return "QQBot " + c.Token
}

type Options struct {
	Endpoint    string
	HTTPClient  *http.Client
	Clock       clockwork.Clock
	RefreshLead time.Duration
	RetryDelay  time.Duration
}

type Manager struct {
	creds      Credentials
	endpoint   string
	client     *http.Client
	clock      clockwork.Clock
	lead       time.Duration
	retryDelay time.Duration
	log        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// fetchMu serializes acquisitions so concurrent callers share one.
	fetchMu sync.Mutex

	mu           sync.Mutex
	current      *Credential
	stale        bool
	refreshTimer clockwork.Timer
	retryTimer   clockwork.Timer
	stopped      bool
}

func NewManager(creds Credentials, opts Options, log zerolog.Logger) *Manager {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.RefreshLead < 0 {
		opts.RefreshLead = 0
	} else if opts.RefreshLead == 0 {
		opts.RefreshLead = DefaultRefreshLead
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		creds:      creds,
		endpoint:   opts.Endpoint,
		client:     opts.HTTPClient,
		clock:      opts.Clock,
		lead:       opts.RefreshLead,
		retryDelay: opts.RetryDelay,
		log:        log.With().Str("component", "token").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Token returns the cached credential while it is valid and otherwise
// acquires a new one. If acquisition fails but an older credential is still
// cached, that credential is returned; a caller using it will see the auth
// failure from the platform. Without any cached credential the acquisition
// error is returned.
func (m *Manager) Token(ctx context.Context) (Credential, error) {
	if cred, ok := m.cached(); ok {
		return cred, nil
	}

	m.fetchMu.Lock()
	defer m.fetchMu.Unlock()

	// Another caller may have finished an acquisition while we waited.
	if cred, ok := m.cached(); ok {
		return cred, nil
	}

	cred, err := m.acquire(ctx)
	if err == nil {
		return cred, nil
	}

	m.mu.Lock()
	fallback := m.current
	m.mu.Unlock()
	if fallback != nil && !errors.Is(err, ErrStopped) {
		m.log.Warn().Err(err).Time("expires_at", fallback.ExpiresAt).Msg("token acquisition failed, using stale credential")
		return *fallback, nil
	}
	return Credential{}, err
}

// Invalidate drops the cached credential so the next caller acquires a new
// one. Used after the platform rejects a request with an auth error.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.log.Info().Msg("access token invalidated")
	}
	m.current = nil
	m.stale = false
}

// Stop cancels the refresh and retry timers and any acquisition in flight.
// Safe to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	m.stopTimersLocked()
	m.cancel()
	m.log.Debug().Msg("token manager stopped")
}

func (m *Manager) cached() (Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.stale || !m.current.ValidAt(m.clock.Now()) {
		return Credential{}, false
	}
	return *m.current, true
}

func (m *Manager) stopTimersLocked() {
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

type tokenRequest struct {
	AppID        string `json:"appId"`
	ClientSecret string `json:"clientSecret"`
}

type tokenResponse struct {
	AccessToken string  `json:"access_token"`
	ExpiresIn   seconds `json:"expires_in"`
}

// seconds accepts both "7200" and 7200; the platform sends a string.
type seconds int64

func (s *seconds) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(string(b), `"`)
	if raw == "" || raw == "null" {
		*s = 0
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid expires_in %q: %w", raw, err)
	}
	*s = seconds(n)
	return nil
}

// acquire performs the blocking call to the auth endpoint. Callers hold fetchMu.
func (m *Manager) acquire(ctx context.Context) (Credential, error) {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return Credential{}, ErrStopped
	}
	if m.creds.AppID == "" || m.creds.Secret == "" {
		return Credential{}, ErrMissingCredentials
	}

	resp, err := m.post(ctx)
	if err != nil {
		metrics.TokenAcquisitions.WithLabelValues("error").Inc()
		return Credential{}, err
	}
	if resp.AccessToken == "" || resp.ExpiresIn <= 0 {
		metrics.TokenAcquisitions.WithLabelValues("error").Inc()
		return Credential{}, fmt.Errorf("token: malformed response (expires_in=%d)", resp.ExpiresIn)
	}

	ttl := time.Duration(resp.ExpiresIn) * time.Second
	cred := Credential{Token: resp.AccessToken, ExpiresAt: m.clock.Now().Add(ttl)}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return Credential{}, ErrStopped
	}
	m.current = &cred
	m.stale = false
	m.scheduleRefreshLocked(ttl)

	metrics.TokenAcquisitions.WithLabelValues("ok").Inc()
	m.log.Info().Dur("ttl", ttl).Time("expires_at", cred.ExpiresAt).Msg("access token acquired")
	return cred, nil
}

func (m *Manager) post(ctx context.Context) (*tokenResponse, error) {
	body, err := json.Marshal(tokenRequest{AppID: m.creds.AppID, ClientSecret: m.creds.Secret})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return nil, fmt.Errorf("token request failed: %d %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out tokenResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	return &out, nil
}

// scheduleRefreshLocked replaces any pending refresh with one firing lead
// before expiry. Very short lifetimes refresh at half their ttl.
func (m *Manager) scheduleRefreshLocked(ttl time.Duration) {
	m.stopTimersLocked()

	d := ttl - m.lead
	if d <= 0 {
		d = ttl / 2
	}
	m.refreshTimer = m.clock.AfterFunc(d, m.refresh)
	m.log.Debug().Dur("in", d).Msg("token refresh scheduled")
}

func (m *Manager) refresh() {
	if m.isStopped() {
		return
	}
	m.log.Info().Msg("refreshing access token")

	m.fetchMu.Lock()
	_, err := m.acquire(m.ctx)
	m.fetchMu.Unlock()
	if err == nil || errors.Is(err, ErrStopped) {
		return
	}

	m.log.Error().Err(err).Dur("retry_in", m.retryDelay).Msg("token refresh failed")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.retryTimer = m.clock.AfterFunc(m.retryDelay, m.retryRefresh)
}

func (m *Manager) retryRefresh() {
	if m.isStopped() {
		return
	}

	m.fetchMu.Lock()
	_, err := m.acquire(m.ctx)
	m.fetchMu.Unlock()
	if err == nil || errors.Is(err, ErrStopped) {
		return
	}

	m.log.Error().Err(err).Msg("token refresh retry failed, next caller will re-acquire")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryTimer = nil
	if m.current != nil {
		m.stale = true
	}
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// retryPending reports whether a refresh retry is scheduled.
func (m *Manager) retryPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryTimer != nil
}
