package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafkaBroker_Publish(t *testing.T) {
	producer := mocks.NewSyncProducer(t, newKafkaConfig())
	b := newKafkaBroker(producer, nil, zerolog.Nop())

	msg := NewMessage("GROUP_AT_MESSAGE_CREATE", "group-1", json.RawMessage(`{"content":"hi"}`))
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got Message
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got.ID != msg.ID || got.Type != msg.Type || got.Key != "group-1" {
			return errors.New("unexpected message on the wire")
		}
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), "bot-events", msg))
	require.NoError(t, b.Close())
}

func TestKafkaBroker_PublishRetriesTransientFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, newKafkaConfig())
	b := newKafkaBroker(producer, nil, zerolog.Nop())

	producer.ExpectSendMessageAndFail(sarama.ErrLeaderNotAvailable)
	producer.ExpectSendMessageAndSucceed()

	require.NoError(t, b.Publish(context.Background(), "bot-events", NewMessage("t", "k", json.RawMessage(`{}`))))
	require.NoError(t, b.Close())
}

func TestKafkaBroker_ClosedBroker(t *testing.T) {
	producer := mocks.NewSyncProducer(t, newKafkaConfig())
	b := newKafkaBroker(producer, nil, zerolog.Nop())
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	err := b.Publish(context.Background(), "bot-events", NewMessage("t", "k", nil))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = b.Subscribe(context.Background(), "bot-replies")
	assert.ErrorIs(t, err, ErrClosed)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx context.Context

	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

func TestConsumerGroupHandler_ConsumeClaim(t *testing.T) {
	out := make(chan Message, 10)
	h := &consumerGroupHandler{messages: out, ready: make(chan struct{}), log: zerolog.Nop()}

	require.NoError(t, h.Setup(nil))
	require.NoError(t, h.Setup(nil), "setup must tolerate rebalances")
	select {
	case <-h.ready:
	default:
		t.Fatal("ready not signalled")
	}

	good, err := json.Marshal(NewMessage("reply", "u1", json.RawMessage(`{"content":"pong"}`)))
	require.NoError(t, err)

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 3)}
	claim.messages <- &sarama.ConsumerMessage{Topic: "bot-replies", Offset: 1, Value: []byte("not json")}
	claim.messages <- &sarama.ConsumerMessage{Topic: "bot-replies", Offset: 2, Value: good}
	close(claim.messages)

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, h.ConsumeClaim(session, claim))

	// The undecodable message is still marked so it is not redelivered.
	assert.Equal(t, []int64{1, 2}, session.marked)
	require.Len(t, out, 1)
	got := <-out
	assert.Equal(t, "reply", got.Type)
	assert.JSONEq(t, `{"content":"pong"}`, string(got.Data))
}

func TestConsumerGroupHandler_StopsWithSession(t *testing.T) {
	h := &consumerGroupHandler{messages: make(chan Message), ready: make(chan struct{}), log: zerolog.Nop()}
	ctx, cancel := context.WithCancel(context.Background())
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan error, 1)
	go func() { done <- h.ConsumeClaim(&fakeSession{ctx: ctx}, claim) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ConsumeClaim did not return after the session ended")
	}
}
