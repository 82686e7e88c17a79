package gateway

import (
	"encoding/json"
	"strconv"
)

// Opcode identifies the purpose of a gateway frame.
type Opcode int

const (
	OpDispatch       Opcode = 0
	OpHeartbeat      Opcode = 1
	OpIdentify       Opcode = 2
	OpResume         Opcode = 6
	OpReconnect      Opcode = 7
	OpInvalidSession Opcode = 9
	OpHello          Opcode = 10
	OpHeartbeatAck   Opcode = 11
)

func (o Opcode) String() string {
	return strconv.Itoa(int(o))
}

const (
	EventReady   = "READY"
	EventResumed = "RESUMED"
)

// Frame is an inbound gateway envelope.
type Frame struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  int64           `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
	ID string          `json:"id,omitempty"`
}

// outFrame is an outbound envelope. D is always written, so a heartbeat
// without a sequence is sent as "d":null.
type outFrame struct {
	Op Opcode `json:"op"`
	D  any    `json:"d"`
}

type identifyPayload struct {
	Token      string            `json:"token"`
	Intents    int               `json:"intents"`
	Shard      [2]int            `json:"shard"`
	Properties map[string]string `json:"properties"`
}

type resumePayload struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

type helloPayload struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type readyPayload struct {
	Version   int    `json:"version"`
	SessionID string `json:"session_id"`
	User      struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Bot      bool   `json:"bot"`
	} `json:"user"`
	Shard []int `json:"shard"`
}

// Event is a business event forwarded to the EventHandler.
type Event struct {
	Type string
	Seq  int64
	ID   string
	Data json.RawMessage
}

// EventHandler receives business events in arrival order. HandleEvent is
// called from the connection's read loop and must not block.
type EventHandler interface {
	HandleEvent(ev Event)
}
