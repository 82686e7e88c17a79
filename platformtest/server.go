// Package platformtest is an in-process stand-in for the bot platform: the
// token endpoint, the REST API and the WebSocket gateway.
package platformtest

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type Options struct {
	AppID             string
	Secret            string
	SigningKey        []byte
	TokenTTL          time.Duration
	HeartbeatInterval time.Duration
}

// SentMessage is one message the bot posted to the REST API.
type SentMessage struct {
	Kind     string
	TargetID string
	Content  string          `json:"content"`
	MsgType  int             `json:"msg_type"`
	MsgID    string          `json:"msg_id"`
	Media    json.RawMessage `json:"media"`
}

type Server struct {
	opts     Options
	log      zerolog.Logger
	router   chi.Router
	upgrader websocket.Upgrader

	mu        sync.Mutex
	baseURL   string
	issued    []string
	revoked   map[string]struct{}
	sessions  map[string]int64
	messages  []SentMessage
	uploads   int
	conns     []*GatewayConn
	connected chan *GatewayConn
}

func New(opts Options, log zerolog.Logger) *Server {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 2 * time.Hour
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 45 * time.Second
	}
	if len(opts.SigningKey) == 0 {
		opts.SigningKey = []byte(uuid.NewString())
	}

	s := &Server{
		opts:      opts,
		log:       log.With().Str("component", "platformtest").Logger(),
		revoked:   make(map[string]struct{}),
		sessions:  make(map[string]int64),
		connected: make(chan *GatewayConn, 16),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/app/getAppAccessToken", s.handleToken)
	r.Get("/websocket", s.handleWebsocket)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/gateway", s.handleGateway)
		r.Post("/v2/groups/{id}/messages", s.handleMessage("group"))
		r.Post("/v2/users/{id}/messages", s.handleMessage("direct"))
		r.Post("/v2/groups/{id}/files", s.handleUpload)
		r.Post("/v2/users/{id}/files", s.handleUpload)
	})
	return r
}

func (s *Server) Handler() http.Handler { return s.router }

// SetBaseURL records the http address the server is reachable at, used to
// build the gateway url.
func (s *Server) SetBaseURL(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseURL = strings.TrimRight(u, "/")
}

func (s *Server) gatewayURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return "ws" + strings.TrimPrefix(s.baseURL, "http") + "/websocket"
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AppID        string `json:"appId"`
		ClientSecret string `json:"clientSecret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.AppID != s.opts.AppID || req.ClientSecret != s.opts.Secret {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	signed, err := s.issueToken()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{
		"access_token": signed,
		"expires_in":   itoa(int64(s.opts.TokenTTL / time.Second)),
	})
}

func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"url": s.gatewayURL()})
}

func (s *Server) handleMessage(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg := SentMessage{Kind: kind, TargetID: chi.URLParam(r, "id")}
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.messages = append(s.messages, msg)
		s.mu.Unlock()
		writeJSON(w, map[string]string{"id": uuid.NewString()})
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.uploads++
	s.mu.Unlock()
	writeJSON(w, map[string]any{"file_uuid": uuid.NewString(), "file_info": "fake-file-info", "ttl": 0})
}

// Messages returns everything posted to the message endpoints so far.
func (s *Server) Messages() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage(nil), s.messages...)
}

func (s *Server) Uploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads
}

// NextConn waits for the next gateway connection to be accepted.
func (s *Server) NextConn(ctx context.Context) (*GatewayConn, error) {
	select {
	case c := <-s.connected:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Conns returns every gateway connection accepted so far.
func (s *Server) Conns() []*GatewayConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*GatewayConn(nil), s.conns...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
