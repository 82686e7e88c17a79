package platformtest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	p := New(Options{AppID: "app", Secret: "secret", HeartbeatInterval: time.Second}, zerolog.Nop())
	srv := httptest.NewServer(p.Handler())
	t.Cleanup(srv.Close)
	p.SetBaseURL(srv.URL)
	return p, srv
}

func fetchToken(t *testing.T, srv *httptest.Server, appID, secret string) (*http.Response, map[string]string) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"appId": appID, "clientSecret": secret})
	res, err := http.Post(srv.URL+"/app/getAppAccessToken", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	out := map[string]string{}
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res, out
}

func TestServer_TokenAndAuth(t *testing.T) {
	p, srv := newTestServer(t)

	res, _ := fetchToken(t, srv, "app", "wrong")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, tok := fetchToken(t, srv, "app", "secret")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "7200", tok["expires_in"])
	require.NotEmpty(t, tok["access_token"])

	get := func(auth string) *http.Response {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/gateway", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { res.Body.Close() })
		return res
	}

	assert.Equal(t, http.StatusUnauthorized, get("").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, get("Bearer "+tok["access_token"]).StatusCode)

	ok := get("QQBot " + tok["access_token"])
	require.Equal(t, http.StatusOK, ok.StatusCode)
	var gw struct {
		URL string `json:"url"`
	}
	require.NoError(t, json.NewDecoder(ok.Body).Decode(&gw))
	assert.True(t, strings.HasPrefix(gw.URL, "ws://"))
	assert.True(t, strings.HasSuffix(gw.URL, "/websocket"))

	p.RevokeTokens()
	assert.Equal(t, http.StatusUnauthorized, get("QQBot "+tok["access_token"]).StatusCode)
	assert.Equal(t, 1, p.TokensIssued())
}

func TestServer_GatewayHandshake(t *testing.T) {
	p, srv := newTestServer(t)
	_, tok := fetchToken(t, srv, "app", "secret")

	conn, _, err := websocket.DefaultDialer.Dial(p.gatewayURL(), nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello struct {
		Op int `json:"op"`
		D  struct {
			HeartbeatInterval int64 `json:"heartbeat_interval"`
		} `json:"d"`
	}
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, 10, hello.Op)
	assert.Equal(t, int64(1000), hello.D.HeartbeatInterval)

	require.NoError(t, conn.WriteJSON(map[string]any{"op": 2, "d": map[string]any{"token": "QQBot " + tok["access_token"], "intents": 1 << 25}}))

	var ready struct {
		Op int    `json:"op"`
		S  int64  `json:"s"`
		T  string `json:"t"`
		D  struct {
			SessionID string `json:"session_id"`
		} `json:"d"`
	}
	require.NoError(t, conn.ReadJSON(&ready))
	assert.Equal(t, "READY", ready.T)
	assert.Equal(t, int64(1), ready.S)
	require.NotEmpty(t, ready.D.SessionID)

	require.NoError(t, conn.WriteJSON(map[string]any{"op": 1, "d": 1}))
	var ack struct {
		Op int `json:"op"`
	}
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, 11, ack.Op)

	gc := p.Conns()[0]
	assert.Equal(t, ready.D.SessionID, gc.SessionID())
	assert.Equal(t, 1, p.PushAll("C2C_MESSAGE_CREATE", map[string]string{"content": "hi"}))

	var ev struct {
		S int64  `json:"s"`
		T string `json:"t"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, int64(2), ev.S)
	assert.Equal(t, "C2C_MESSAGE_CREATE", ev.T)
}

func TestServer_RejectsBadIdentify(t *testing.T) {
	p, _ := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(p.gatewayURL(), nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	require.NoError(t, conn.WriteJSON(map[string]any{"op": 2, "d": map[string]any{"token": "QQBot forged"}}))

	var invalid struct {
		Op int `json:"op"`
	}
	require.NoError(t, conn.ReadJSON(&invalid))
	assert.Equal(t, 9, invalid.Op)
}
