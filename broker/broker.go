// Package broker moves bot events and reply requests between this process
// and other services over Redis pub/sub or Kafka.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/qqbot-gateway/config"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("broker: closed")

// Message is the envelope carried on every channel.
type Message struct {
	ID        string          `json:"id"`
	Key       string          `json:"key,omitempty"` // conversation id, used for partitioning
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage stamps a fresh id and time on data.
func NewMessage(msgType, key string, data json.RawMessage) Message {
	return Message{
		ID:        uuid.NewString(),
		Key:       key,
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// MarshalBinary lets go-redis publish a Message directly.
func (m Message) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

func (m *Message) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, m)
}

type MessageBroker interface {
	Publish(ctx context.Context, channel string, message Message) error
	// Subscribe delivers messages until ctx is done, then closes the channel.
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	Close() error
}

// New builds the broker named by cfg.Type. "none" yields a nil broker and
// no error. redisClient is only used for the redis type.
func New(cfg config.BrokerConfig, redisClient *redis.Client, log zerolog.Logger) (MessageBroker, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "none":
		return nil, nil
	case "redis":
		if redisClient == nil {
			return nil, errors.New("broker: redis type requires a redis client")
		}
		return NewRedisBroker(redisClient, log), nil
	case "kafka":
		kb, err := NewKafkaBroker(cfg.Kafka.Brokers, cfg.Kafka.GroupID, log)
		if err != nil {
			return nil, err
		}
		return kb, nil
	default:
		return nil, fmt.Errorf("broker: unknown type %q", cfg.Type)
	}
}
