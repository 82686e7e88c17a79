package platformtest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrConnectionEnded is returned by WaitReady when the bot disconnects first.
var ErrConnectionEnded = errors.New("platformtest: gateway connection ended")

// ReceivedFrame is a frame the bot sent to the fake gateway.
type ReceivedFrame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

// GatewayConn is the server side of one bot connection.
type GatewayConn struct {
	server *Server
	conn   *websocket.Conn
	log    zerolog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	handshake *ReceivedFrame
	received  []ReceivedFrame

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	gc := &GatewayConn{
		server: s,
		conn:   conn,
		log:    s.log,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	if err := gc.write(map[string]any{
		"op": 10,
		"d":  map[string]int64{"heartbeat_interval": s.opts.HeartbeatInterval.Milliseconds()},
	}); err != nil {
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	s.conns = append(s.conns, gc)
	s.mu.Unlock()
	select {
	case s.connected <- gc:
	default:
	}

	gc.readLoop()
}

func (gc *GatewayConn) readLoop() {
	defer close(gc.done)
	defer gc.conn.Close()

	for {
		_, data, err := gc.conn.ReadMessage()
		if err != nil {
			gc.log.Debug().Err(err).Msg("gateway connection ended")
			return
		}
		var frame ReceivedFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			gc.log.Warn().Err(err).Msg("bot sent malformed frame")
			continue
		}

		gc.mu.Lock()
		gc.received = append(gc.received, frame)
		gc.mu.Unlock()

		switch frame.Op {
		case 1:
			_ = gc.write(map[string]any{"op": 11})
		case 2:
			gc.identify(frame)
		case 6:
			gc.resume(frame)
		}
	}
}

func (gc *GatewayConn) identify(frame ReceivedFrame) {
	var payload struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(frame.D, &payload)
	gc.recordHandshake(frame)

	if _, err := gc.server.validateAuthorization(payload.Token); err != nil {
		gc.log.Debug().Err(err).Msg("identify rejected")
		_ = gc.write(map[string]any{"op": 9, "d": false})
		return
	}

	sessionID := uuid.NewString()
	seq := gc.server.startSession(sessionID)
	gc.mu.Lock()
	gc.sessionID = sessionID
	gc.mu.Unlock()

	_ = gc.write(map[string]any{
		"op": 0,
		"s":  seq,
		"t":  "READY",
		"d": map[string]any{
			"version":    1,
			"session_id": sessionID,
			"user":       map[string]any{"id": gc.server.opts.AppID, "username": "test-bot", "bot": true},
			"shard":      []int{0, 1},
		},
	})
	gc.readyOnce.Do(func() { close(gc.ready) })
}

func (gc *GatewayConn) resume(frame ReceivedFrame) {
	var payload struct {
		Token     string `json:"token"`
		SessionID string `json:"session_id"`
		Seq       int64  `json:"seq"`
	}
	_ = json.Unmarshal(frame.D, &payload)
	gc.recordHandshake(frame)

	seq, known := gc.server.sessionSeq(payload.SessionID)
	if _, err := gc.server.validateAuthorization(payload.Token); err != nil || !known {
		_ = gc.write(map[string]any{"op": 9, "d": false})
		return
	}

	gc.mu.Lock()
	gc.sessionID = payload.SessionID
	gc.mu.Unlock()

	_ = gc.write(map[string]any{"op": 0, "s": seq, "t": "RESUMED", "d": ""})
	gc.readyOnce.Do(func() { close(gc.ready) })
}

func (gc *GatewayConn) recordHandshake(frame ReceivedFrame) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	gc.handshake = &frame
}

func (gc *GatewayConn) write(v any) error {
	gc.writeMu.Lock()
	defer gc.writeMu.Unlock()
	return gc.conn.WriteJSON(v)
}

// WaitReady blocks until READY or RESUMED has been sent on this connection.
func (gc *GatewayConn) WaitReady(ctx context.Context) error {
	select {
	case <-gc.ready:
		return nil
	case <-gc.done:
		return ErrConnectionEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handshake returns the identify or resume frame, if one arrived.
func (gc *GatewayConn) Handshake() (ReceivedFrame, bool) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	if gc.handshake == nil {
		return ReceivedFrame{}, false
	}
	return *gc.handshake, true
}

func (gc *GatewayConn) SessionID() string {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.sessionID
}

// Heartbeats returns the d field of every heartbeat received.
func (gc *GatewayConn) Heartbeats() []json.RawMessage {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	var out []json.RawMessage
	for _, f := range gc.received {
		if f.Op == 1 {
			out = append(out, f.D)
		}
	}
	return out
}

// Push sends a dispatch event and returns the sequence it was given.
func (gc *GatewayConn) Push(eventType string, d any) (int64, error) {
	seq := gc.server.nextSeq(gc.SessionID())
	err := gc.write(map[string]any{
		"op": 0,
		"s":  seq,
		"t":  eventType,
		"id": eventType + ":" + strconv.FormatInt(seq, 10),
		"d":  d,
	})
	return seq, err
}

// RequestReconnect sends opcode 7.
func (gc *GatewayConn) RequestReconnect() error {
	return gc.write(map[string]any{"op": 7})
}

// InvalidateSession forgets the session and sends opcode 9.
func (gc *GatewayConn) InvalidateSession() error {
	gc.server.endSession(gc.SessionID())
	return gc.write(map[string]any{"op": 9, "d": false})
}

// Drop closes the socket without a close handshake.
func (gc *GatewayConn) Drop() error {
	return gc.conn.UnderlyingConn().Close()
}

// Done is closed once the connection has ended.
func (gc *GatewayConn) Done() <-chan struct{} {
	return gc.done
}

func (s *Server) startSession(id string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = 1
	return 1
}

func (s *Server) sessionSeq(id string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.sessions[id]
	return seq, ok
}

func (s *Server) nextSeq(id string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id]++
	return s.sessions[id]
}

func (s *Server) endSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

// PushAll sends a dispatch event on every connection that is still open and
// returns how many received it.
func (s *Server) PushAll(eventType string, d any) int {
	delivered := 0
	for _, gc := range s.Conns() {
		select {
		case <-gc.done:
			continue
		default:
		}
		if _, err := gc.Push(eventType, d); err == nil {
			delivered++
		}
	}
	return delivered
}
