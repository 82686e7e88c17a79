package token

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// authServer counts acquisitions and fails the calls listed in failOn.
type authServer struct {
	*httptest.Server
	calls  atomic.Int32
	mu     sync.Mutex
	failOn map[int32]bool
	delay  time.Duration
	expiry string
}

func newAuthServer(t *testing.T) *authServer {
	t.Helper()
	s := &authServer{failOn: map[int32]bool{}, expiry: `"7200"`}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AppID != "app" || req.ClientSecret != "secret" {
			http.Error(w, "bad credentials", http.StatusUnauthorized)
			return
		}
		n := s.calls.Add(1)
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
		s.mu.Lock()
		fail := s.failOn[n]
		s.mu.Unlock()
		if fail {
			http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":%s}`, n, s.expiry)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *authServer) fail(calls ...int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range calls {
		s.failOn[c] = true
	}
}

func newTestManager(t *testing.T, srv *authServer, clock clockwork.Clock) *Manager {
	t.Helper()
	m := NewManager(Credentials{AppID: "app", Secret: "secret"}, Options{
		Endpoint: srv.URL,
		Clock:    clock,
	}, zerolog.Nop())
	t.Cleanup(m.Stop)
	return m
}

func TestToken_CachesValidCredential(t *testing.T) {
	srv := newAuthServer(t)
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, srv, clock)

	first, err := m.Token(context.Background())
	require.NoError(t, err)
	second, err := m.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "tok-1", first.Token)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), srv.calls.Load())
	assert.Equal(t, clock.Now().Add(7200*time.Second), first.ExpiresAt)
	assert.Equal(t, "QQBot tok-1", first.Authorization())
}

func TestToken_NumericExpiresIn(t *testing.T) {
	srv := newAuthServer(t)
	srv.expiry = "300"
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, srv, clock)

	cred, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(5*time.Minute), cred.ExpiresAt)
}

func TestToken_RefreshFiresSixtySecondsBeforeExpiry(t *testing.T) {
	srv := newAuthServer(t)
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, srv, clock)

	_, err := m.Token(context.Background())
	require.NoError(t, err)

	clock.Advance(7139 * time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), srv.calls.Load(), "refresh must not fire before expiresAt-60s")

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return srv.calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	cred, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", cred.Token)
}

func TestToken_RefreshFailureRetriesOnceThenGoesStale(t *testing.T) {
	srv := newAuthServer(t)
	srv.fail(2, 3)
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, srv, clock)

	_, err := m.Token(context.Background())
	require.NoError(t, err)

	clock.Advance(7140 * time.Second)
	require.Eventually(t, m.retryPending, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), srv.calls.Load())

	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool {
		return srv.calls.Load() == 3 && !m.retryPending()
	}, time.Second, 5*time.Millisecond)

	// No further retries are scheduled by the manager itself.
	clock.Advance(time.Minute)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), srv.calls.Load())

	// The stale credential forces the next caller to acquire.
	cred, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-4", cred.Token)
}

func TestToken_StaleCredentialReturnedWhenReacquireFails(t *testing.T) {
	srv := newAuthServer(t)
	srv.fail(2, 3, 4)
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, srv, clock)

	_, err := m.Token(context.Background())
	require.NoError(t, err)

	clock.Advance(7140 * time.Second)
	require.Eventually(t, m.retryPending, time.Second, 5*time.Millisecond)
	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return srv.calls.Load() == 3 && !m.retryPending() }, time.Second, 5*time.Millisecond)

	cred, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", cred.Token)
	assert.Equal(t, int32(4), srv.calls.Load())
}

func TestToken_AcquisitionFailureWithoutCacheIsReturned(t *testing.T) {
	srv := newAuthServer(t)
	srv.fail(1)
	m := newTestManager(t, srv, clockwork.NewFakeClock())

	_, err := m.Token(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestToken_MissingCredentials(t *testing.T) {
	m := NewManager(Credentials{AppID: "app"}, Options{Clock: clockwork.NewFakeClock()}, zerolog.Nop())
	defer m.Stop()

	_, err := m.Token(context.Background())
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestToken_ConcurrentCallersShareAcquisition(t *testing.T) {
	srv := newAuthServer(t)
	srv.delay = 50 * time.Millisecond
	m := newTestManager(t, srv, clockwork.NewFakeClock())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := m.Token(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "tok-1", cred.Token)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), srv.calls.Load())
}

func TestToken_InvalidateForcesAcquisition(t *testing.T) {
	srv := newAuthServer(t)
	m := newTestManager(t, srv, clockwork.NewFakeClock())

	_, err := m.Token(context.Background())
	require.NoError(t, err)
	m.Invalidate()

	cred, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", cred.Token)
}

func TestToken_StopCancelsRefresh(t *testing.T) {
	srv := newAuthServer(t)
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, srv, clock)

	_, err := m.Token(context.Background())
	require.NoError(t, err)

	m.Stop()
	m.Stop()

	clock.Advance(8000 * time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), srv.calls.Load())

	_, err = m.Token(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}
