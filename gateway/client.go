package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/qqbot-gateway/metrics"
	"github.com/abdelmounim-dev/qqbot-gateway/token"
)

// ErrShutdown is returned by Init once Shutdown has been called.
var ErrShutdown = errors.New("gateway client is shut down")

// TokenSource supplies the credential used in identify and resume frames.
// Stop is called on Shutdown to cancel any pending refresh.
type TokenSource interface {
	Token(ctx context.Context) (token.Credential, error)
	Stop()
}

// URLSource resolves the websocket url before every connection attempt.
type URLSource interface {
	GatewayURL(ctx context.Context) (string, error)
}

type Options struct {
	Intents int
	Clock   clockwork.Clock
	Dialer  Dialer

	ReconnectRequestDelay time.Duration
	ConnectionClosedDelay time.Duration
	SetupErrorDelay       time.Duration
	InvalidSessionDelay   time.Duration
	HygieneInterval       time.Duration
	HandshakeTimeout      time.Duration
	DefaultHeartbeat      time.Duration
	WriteTimeout          time.Duration

	// MaxResumeAttempts consecutive resumes that never reach Ready drop the
	// session so the next attempt identifies.
	MaxResumeAttempts int
}

func DefaultOptions() Options {
	return Options{
		Intents:               1 << 25,
		ReconnectRequestDelay: 0,
		ConnectionClosedDelay: 3 * time.Second,
		SetupErrorDelay:       5 * time.Second,
		InvalidSessionDelay:   5 * time.Second,
		HygieneInterval:       time.Hour,
		HandshakeTimeout:      30 * time.Second,
		DefaultHeartbeat:      45 * time.Second,
		WriteTimeout:          10 * time.Second,
		MaxResumeAttempts:     3,
	}
}

// Client keeps one gateway connection alive. All transitions happen under mu
// and every connection, timer and heartbeat is tagged with the generation it
// was started in; callbacks from an older generation are ignored.
type Client struct {
	opts    Options
	tokens  TokenSource
	urls    URLSource
	handler EventHandler
	clock   clockwork.Clock
	dialer  Dialer
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          State
	gen            uint64
	conn           *connection
	session        *Session
	helloInterval  time.Duration
	resuming       bool
	resumeFailures int
	heartbeat      *heartbeat
	handshakeTimer clockwork.Timer
	hygieneTimer   clockwork.Timer
	reconnectTimer clockwork.Timer
}

func NewClient(tokens TokenSource, urls URLSource, handler EventHandler, opts Options, log zerolog.Logger) *Client {
	defaults := DefaultOptions()
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Dialer == nil {
		opts.Dialer = NewWebsocketDialer(10 * time.Second)
	}
	if opts.Intents == 0 {
		opts.Intents = defaults.Intents
	}
	if opts.HygieneInterval <= 0 {
		opts.HygieneInterval = defaults.HygieneInterval
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if opts.DefaultHeartbeat <= 0 {
		opts.DefaultHeartbeat = defaults.DefaultHeartbeat
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.MaxResumeAttempts <= 0 {
		opts.MaxResumeAttempts = defaults.MaxResumeAttempts
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:    opts,
		tokens:  tokens,
		urls:    urls,
		handler: handler,
		clock:   opts.Clock,
		dialer:  opts.Dialer,
		log:     log.With().Str("component", "gateway").Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Init starts the first connection. It is a no-op unless the client is Idle,
// so overlapping calls never open a second connection. A setup failure is
// returned and a retry is already scheduled.
func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
	case StateClosing, StateClosed:
		c.mu.Unlock()
		return ErrShutdown
	default:
		state := c.state
		c.mu.Unlock()
		c.log.Debug().Stringer("state", state).Msg("init ignored, connection already in progress")
		return nil
	}
	c.setStateLocked(StateConnecting)
	gen := c.gen
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	return c.connect(ctx, gen)
}

// Shutdown tears down the connection and cancels every timer. Nothing is
// sent or scheduled afterwards. Safe to call more than once.
func (c *Client) Shutdown() {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateClosing)
	old := c.teardownLocked()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.cancel()
	c.mu.Unlock()

	c.closeConn(old)
	c.tokens.Stop()

	c.mu.Lock()
	c.setStateLocked(StateClosed)
	c.mu.Unlock()
	c.log.Info().Msg("gateway client shut down")
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a copy of the current session, if any.
func (c *Client) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

func (c *Client) connect(ctx context.Context, gen uint64) error {
	cred, url, conn, err := c.open(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("gateway connection setup failed")
		c.fail(gen, ReasonSetupFailed, err)
		return err
	}

	c.mu.Lock()
	if gen != c.gen || c.state != StateConnecting {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrShutdown
	}
	cn := newConnection(conn, gen, c.opts.WriteTimeout)
	c.conn = cn
	c.setStateLocked(StateAwaitingHandshake)
	frame, kind := c.handshakeFrameLocked(cred)
	c.handshakeTimer = c.clock.AfterFunc(c.opts.HandshakeTimeout, func() {
		c.fail(gen, ReasonHandshakeTimeout, nil)
	})
	c.mu.Unlock()

	metrics.ConnectionsOpened.Inc()
	c.log.Info().Str("url", url).Str("handshake", kind).Msg("gateway connected")

	go c.readLoop(cn)

	if err := cn.writeJSON(frame); err != nil {
		c.log.Error().Err(err).Str("handshake", kind).Msg("failed to send handshake")
		c.fail(gen, ReasonSendFailed, err)
		return err
	}
	metrics.Handshakes.WithLabelValues(kind).Inc()
	return nil
}

func (c *Client) open(ctx context.Context) (token.Credential, string, Conn, error) {
	cred, err := c.tokens.Token(ctx)
	if err != nil {
		return token.Credential{}, "", nil, fmt.Errorf("failed to get access token: %w", err)
	}
	url, err := c.urls.GatewayURL(ctx)
	if err != nil {
		return token.Credential{}, "", nil, fmt.Errorf("failed to get gateway url: %w", err)
	}
	conn, err := c.dialer.Dial(ctx, url)
	if err != nil {
		return token.Credential{}, "", nil, err
	}
	return cred, url, conn, nil
}

// handshakeFrameLocked resumes when a session is known and identifies otherwise.
func (c *Client) handshakeFrameLocked(cred token.Credential) (outFrame, string) {
	if c.session != nil && c.session.ID != "" {
		c.resuming = true
		return outFrame{Op: OpResume, D: resumePayload{
			Token:     cred.Authorization(),
			SessionID: c.session.ID,
			Seq:       c.session.Sequence,
		}}, "resume"
	}
	c.resuming = false
	return outFrame{Op: OpIdentify, D: identifyPayload{
		Token:      cred.Authorization(),
		Intents:    c.opts.Intents,
		Shard:      [2]int{0, 1},
		Properties: map[string]string{},
	}}, "identify"
}

func (c *Client) readLoop(cn *connection) {
	for {
		_, data, err := cn.conn.ReadMessage()
		if err != nil {
			c.fail(cn.gen, ReasonConnectionClosed, err)
			return
		}
		c.handleFrame(cn.gen, data)
	}
}

func (c *Client) handleFrame(gen uint64, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed frame")
		return
	}
	metrics.FramesReceived.WithLabelValues(f.Op.String()).Inc()

	switch f.Op {
	case OpDispatch:
		c.handleDispatch(gen, f)
	case OpHello:
		c.handleHello(gen, f)
	case OpReconnect:
		c.log.Info().Msg("platform requested reconnect")
		c.fail(gen, ReasonReconnectRequested, nil)
	case OpInvalidSession:
		c.log.Warn().Msg("platform invalidated session")
		c.fail(gen, ReasonInvalidSession, nil)
	case OpHeartbeatAck:
		c.log.Trace().Msg("heartbeat acknowledged")
	default:
		c.log.Warn().Int("op", int(f.Op)).Msg("ignoring unknown opcode")
	}
}

func (c *Client) handleHello(gen uint64, f Frame) {
	var hello helloPayload
	if err := json.Unmarshal(f.D, &hello); err != nil || hello.HeartbeatInterval <= 0 {
		c.log.Warn().Str("d", string(f.D)).Msg("hello without a usable heartbeat interval")
		return
	}
	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.helloInterval = interval
	if c.session != nil {
		c.session.HeartbeatInterval = interval
	}
	if c.state == StateReady && c.heartbeat != nil && c.heartbeat.interval != interval {
		c.startHeartbeatLocked(gen)
	}
	c.log.Debug().Dur("interval", interval).Msg("hello received")
}

func (c *Client) handleDispatch(gen uint64, f Frame) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if f.S > 0 && c.session != nil {
		c.session.Sequence = f.S
	}

	switch f.T {
	case EventReady:
		var ready readyPayload
		if err := json.Unmarshal(f.D, &ready); err != nil || ready.SessionID == "" {
			c.mu.Unlock()
			c.log.Warn().Str("d", string(f.D)).Msg("READY without a session id")
			return
		}
		c.session = &Session{ID: ready.SessionID, Sequence: f.S, HeartbeatInterval: c.intervalLocked()}
		c.enterReadyLocked(gen)
		c.mu.Unlock()
		c.log.Info().Str("session_id", ready.SessionID).Str("bot", ready.User.Username).Msg("session ready")
		return
	case EventResumed:
		if c.session == nil {
			c.mu.Unlock()
			c.log.Warn().Msg("RESUMED without a session")
			return
		}
		c.enterReadyLocked(gen)
		sessionID := c.session.ID
		c.mu.Unlock()
		c.log.Info().Str("session_id", sessionID).Msg("session resumed")
		return
	}

	handler := c.handler
	c.mu.Unlock()

	if handler != nil {
		handler.HandleEvent(Event{Type: f.T, Seq: f.S, ID: f.ID, Data: f.D})
	}
}

func (c *Client) intervalLocked() time.Duration {
	if c.helloInterval > 0 {
		return c.helloInterval
	}
	return c.opts.DefaultHeartbeat
}

func (c *Client) enterReadyLocked(gen uint64) {
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
		c.handshakeTimer = nil
	}
	c.resuming = false
	c.resumeFailures = 0
	c.setStateLocked(StateReady)
	c.startHeartbeatLocked(gen)

	if c.hygieneTimer != nil {
		c.hygieneTimer.Stop()
	}
	c.hygieneTimer = c.clock.AfterFunc(c.opts.HygieneInterval, func() {
		c.fail(gen, ReasonHygiene, nil)
	})
}

func (c *Client) startHeartbeatLocked(gen uint64) {
	if c.heartbeat != nil {
		c.heartbeat.stop()
	}
	c.heartbeat = startHeartbeat(c.clock, c.intervalLocked(), func() { c.sendHeartbeat(gen) })
}

func (c *Client) sendHeartbeat(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateReady || c.conn == nil {
		c.mu.Unlock()
		return
	}
	var seq *int64
	if c.session != nil && c.session.Sequence > 0 {
		s := c.session.Sequence
		seq = &s
	}
	cn := c.conn
	c.mu.Unlock()

	if err := cn.writeJSON(outFrame{Op: OpHeartbeat, D: seq}); err != nil {
		c.log.Error().Err(err).Msg("failed to send heartbeat")
		c.fail(gen, ReasonSendFailed, err)
		return
	}
	metrics.HeartbeatsSent.Inc()
}

// fail is the single cleanup path for every disconnect. It tears the current
// generation down, decides whether the session survives and schedules the
// next attempt.
func (c *Client) fail(gen uint64, reason Reason, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	switch c.state {
	case StateConnecting, StateAwaitingHandshake, StateReady:
	default:
		c.mu.Unlock()
		return
	}

	wasReady := c.state == StateReady
	wasResuming := c.resuming
	old := c.teardownLocked()

	switch {
	case reason == ReasonInvalidSession:
		c.session = nil
		c.resumeFailures = 0
	case wasResuming && !wasReady && c.session != nil:
		c.resumeFailures++
		if c.resumeFailures >= c.opts.MaxResumeAttempts {
			c.log.Warn().Int("attempts", c.resumeFailures).Msg("resume keeps failing, dropping session")
			c.session = nil
			c.resumeFailures = 0
		}
	}

	delay := c.delayFor(reason)
	next := c.gen
	c.setStateLocked(StateReconnectPending)
	metrics.Reconnects.WithLabelValues(string(reason)).Inc()

	ev := c.log.Warn().Str("reason", string(reason)).Dur("delay", delay)
	if cause != nil {
		ev = ev.Err(cause)
	}
	ev.Msg("gateway connection lost, reconnecting")

	if delay <= 0 {
		go c.reconnect(next, old)
	} else {
		c.reconnectTimer = c.clock.AfterFunc(delay, func() { c.reconnect(next, old) })
	}
	c.mu.Unlock()

	c.closeConn(old)
}

func (c *Client) delayFor(reason Reason) time.Duration {
	switch reason {
	case ReasonReconnectRequested:
		return c.opts.ReconnectRequestDelay
	case ReasonInvalidSession:
		return c.opts.InvalidSessionDelay
	case ReasonConnectionClosed:
		return c.opts.ConnectionClosedDelay
	case ReasonHygiene:
		return 0
	default:
		return c.opts.SetupErrorDelay
	}
}

// reconnect dials the next connection once prev, the one it replaces, has
// finished closing.
func (c *Client) reconnect(gen uint64, prev *connection) {
	if prev != nil {
		<-prev.closed
	}

	c.mu.Lock()
	if gen != c.gen || c.state != StateReconnectPending {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	_ = c.connect(c.ctx, gen)
}

// teardownLocked stops everything owned by the current generation and moves
// to the next one. The detached connection is returned for closeConn, which
// must run after mu is released.
func (c *Client) teardownLocked() *connection {
	if c.heartbeat != nil {
		c.heartbeat.stop()
		c.heartbeat = nil
	}
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
		c.handshakeTimer = nil
	}
	if c.hygieneTimer != nil {
		c.hygieneTimer.Stop()
		c.hygieneTimer = nil
	}
	old := c.conn
	c.conn = nil
	c.helloInterval = 0
	c.resuming = false
	c.gen++
	return old
}

// closeConn writes the close frame and closes cn. It can block up to the
// write timeout, so mu must not be held.
func (c *Client) closeConn(cn *connection) {
	if cn == nil {
		return
	}
	if err := cn.close(); err != nil {
		c.log.Debug().Err(err).Msg("error closing gateway connection")
	}
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.log.Debug().Stringer("from", c.state).Stringer("to", s).Msg("state change")
	c.state = s
	metrics.GatewayState.Set(float64(s))
}
