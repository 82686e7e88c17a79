package gateway

import "time"

// State is the lifecycle state of a Client. Exactly one holds at a time.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingHandshake
	StateReady
	StateReconnectPending
	StateClosing
	// StateClosed is Idle after Shutdown; nothing leaves it.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateReady:
		return "ready"
	case StateReconnectPending:
		return "reconnect_pending"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is what the platform needs to resume instead of identifying.
type Session struct {
	ID                string
	Sequence          int64
	HeartbeatInterval time.Duration
}

// Reason explains why a connection was torn down.
type Reason string

const (
	ReasonReconnectRequested Reason = "reconnect_requested"
	ReasonInvalidSession     Reason = "invalid_session"
	ReasonConnectionClosed   Reason = "connection_closed"
	ReasonSetupFailed        Reason = "setup_failed"
	ReasonSendFailed         Reason = "send_failed"
	ReasonHandshakeTimeout   Reason = "handshake_timeout"
	ReasonHygiene            Reason = "hygiene"
)
