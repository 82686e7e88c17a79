// Package dispatch turns gateway events into command executions and replies.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/qqbot-gateway/api"
	"github.com/abdelmounim-dev/qqbot-gateway/broker"
	"github.com/abdelmounim-dev/qqbot-gateway/command"
	"github.com/abdelmounim-dev/qqbot-gateway/dedupe"
	"github.com/abdelmounim-dev/qqbot-gateway/gateway"
	"github.com/abdelmounim-dev/qqbot-gateway/metrics"
)

const (
	defaultQueueSize      = 256
	defaultCommandTimeout = 30 * time.Second
	defaultPublishTimeout = 5 * time.Second
)

type Options struct {
	QueueSize      int
	CommandTimeout time.Duration

	// Dedupe and Broker are optional.
	Dedupe         dedupe.Store
	Broker         broker.MessageBroker
	EventsChannel  string
	RepliesChannel string
}

// Dispatcher implements gateway.EventHandler. Events are queued without
// blocking the gateway read loop and handled by Run in arrival order;
// commands then run concurrently so a slow one never stalls the queue.
type Dispatcher struct {
	registry  *command.Registry
	messenger command.Messenger
	opts      Options
	log       zerolog.Logger

	queue    chan gateway.Event
	inFlight sync.WaitGroup
}

func New(registry *command.Registry, messenger command.Messenger, opts Options, log zerolog.Logger) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	return &Dispatcher{
		registry:  registry,
		messenger: messenger,
		opts:      opts,
		log:       log.With().Str("component", "dispatch").Logger(),
		queue:     make(chan gateway.Event, opts.QueueSize),
	}
}

// HandleEvent enqueues ev. A full queue drops the event.
func (d *Dispatcher) HandleEvent(ev gateway.Event) {
	select {
	case d.queue <- ev:
	default:
		metrics.DispatchDropped.WithLabelValues("queue_full").Inc()
		d.log.Warn().Str("type", ev.Type).Int64("seq", ev.Seq).Msg("dispatch queue full, dropping event")
	}
}

// Run handles queued events until ctx is done, then waits for running
// commands to finish.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.inFlight.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			d.handle(ctx, ev)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev gateway.Event) {
	d.publish(ctx, ev)

	switch ev.Type {
	case EventGroupAtMessage:
		var msg groupMessage
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			d.log.Warn().Err(err).Str("type", ev.Type).Msg("malformed group message")
			return
		}
		d.onMessage(ctx, &command.Context{
			Kind:           api.KindGroup,
			SenderID:       msg.Author.MemberOpenID,
			ConversationID: msg.GroupOpenID,
			MessageID:      msg.ID,
		}, msg.Content)

	case EventC2CMessage:
		var msg c2cMessage
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			d.log.Warn().Err(err).Str("type", ev.Type).Msg("malformed direct message")
			return
		}
		d.onMessage(ctx, &command.Context{
			Kind:           api.KindDirect,
			SenderID:       msg.Author.UserOpenID,
			ConversationID: msg.Author.UserOpenID,
			MessageID:      msg.ID,
		}, msg.Content)

	case EventGroupAddRobot, EventGroupDelRobot:
		var m groupMembership
		if err := json.Unmarshal(ev.Data, &m); err != nil {
			d.log.Warn().Err(err).Str("type", ev.Type).Msg("malformed membership event")
			return
		}
		d.log.Info().Str("type", ev.Type).Str("group", m.GroupOpenID).Str("operator", m.OpMemberOpenID).Msg("group membership changed")

	default:
		metrics.DispatchDropped.WithLabelValues("unhandled_type").Inc()
		d.log.Warn().Str("type", ev.Type).Msg("unhandled event type")
	}
}

func (d *Dispatcher) onMessage(ctx context.Context, cc *command.Context, content string) {
	name, args, ok := command.Parse(content)
	if !ok {
		return
	}
	if cc.MessageID != "" && d.opts.Dedupe != nil {
		fresh, err := d.opts.Dedupe.MarkSeen(ctx, cc.MessageID)
		if err != nil {
			d.log.Warn().Err(err).Str("message_id", cc.MessageID).Msg("dedupe check failed, handling anyway")
		} else if !fresh {
			metrics.DispatchDropped.WithLabelValues("duplicate").Inc()
			d.log.Debug().Str("message_id", cc.MessageID).Msg("skipping already handled message")
			return
		}
	}

	cc.Name = name
	cc.RawArgs = args
	cc.Messenger = d.messenger

	d.inFlight.Add(1)
	go func() {
		defer d.inFlight.Done()
		d.execute(ctx, cc)
	}()
}

func (d *Dispatcher) execute(ctx context.Context, cc *command.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.CommandTimeout)
	defer cancel()

	reply, ok := d.registry.Execute(ctx, cc.Name, cc)
	if !ok || strings.TrimSpace(reply) == "" {
		return
	}
	if err := d.messenger.SendText(ctx, cc.Target(), reply, cc.MessageID); err != nil {
		d.log.Error().Err(err).Str("command", cc.Name).Str("target", cc.ConversationID).Msg("failed to deliver reply")
	}
}

// publish mirrors ev onto the events channel when a broker is configured.
func (d *Dispatcher) publish(ctx context.Context, ev gateway.Event) {
	if d.opts.Broker == nil || d.opts.EventsChannel == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()

	msg := broker.NewMessage(ev.Type, conversationKey(ev.Type, ev.Data), ev.Data)
	if err := d.opts.Broker.Publish(ctx, d.opts.EventsChannel, msg); err != nil {
		d.log.Warn().Err(err).Str("type", ev.Type).Msg("failed to publish event")
	}
}

// RelayReplies delivers reply requests from the replies channel until ctx is
// done or the subscription ends. It returns immediately when no broker is
// configured.
func (d *Dispatcher) RelayReplies(ctx context.Context) error {
	if d.opts.Broker == nil || d.opts.RepliesChannel == "" {
		return nil
	}
	messages, err := d.opts.Broker.Subscribe(ctx, d.opts.RepliesChannel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to replies: %w", err)
	}
	d.log.Info().Str("channel", d.opts.RepliesChannel).Msg("relaying replies")

	for msg := range messages {
		if err := d.deliver(ctx, msg); err != nil {
			d.log.Error().Err(err).Str("message_id", msg.ID).Msg("failed to relay reply")
		}
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, msg broker.Message) error {
	var req ReplyRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return fmt.Errorf("malformed reply request: %w", err)
	}
	if req.Content == "" && req.ImageURL == "" {
		return errors.New("reply request has neither content nor image")
	}

	target := api.Target{Kind: api.Kind(req.Kind), ID: req.TargetID}
	if req.ImageURL != "" {
		return d.messenger.SendImage(ctx, target, req.Content, req.ImageURL, req.ReplyTo)
	}
	return d.messenger.SendText(ctx, target, req.Content, req.ReplyTo)
}
