// Package command holds the bot's command table and the lexer that turns a
// chat message into a command invocation.
package command

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/qqbot-gateway/api"
	"github.com/abdelmounim-dev/qqbot-gateway/metrics"
)

// Messenger lets a handler push messages beyond its text reply.
type Messenger interface {
	SendText(ctx context.Context, target api.Target, text, replyTo string) error
	SendImage(ctx context.Context, target api.Target, text, imageURL, replyTo string) error
}

// Context is built fresh for every inbound message.
type Context struct {
	Kind           api.Kind
	SenderID       string
	ConversationID string // group openid for groups, sender openid for direct chats
	MessageID      string
	Name           string
	RawArgs        string
	Messenger      Messenger
}

// Target is where replies to this context are delivered.
func (c *Context) Target() api.Target {
	return api.Target{Kind: c.Kind, ID: c.ConversationID}
}

// Handler returns the reply text; an empty reply sends nothing.
type Handler func(ctx context.Context, cc *Context) (string, error)

type Command struct {
	Name        string
	Description string
	Handler     Handler
}

// Registry maps command names to handlers. It is filled at startup and
// then only read.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Command
	log      zerolog.Logger
}

func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		commands: make(map[string]Command),
		log:      log.With().Str("component", "commands").Logger(),
	}
}

// Register adds cmd. A later registration with the same name replaces the
// earlier one.
func (r *Registry) Register(cmd Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[cmd.Name]; exists {
		r.log.Warn().Str("command", cmd.Name).Msg("replacing registered command")
	}
	r.commands[cmd.Name] = cmd
	r.log.Info().Str("command", cmd.Name).Str("description", cmd.Description).Msg("command registered")
}

func (r *Registry) Lookup(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Commands returns the registered commands sorted by name.
func (r *Registry) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs the named command. ok is false when the command is missing,
// fails or panics; none of those affect the registry.
func (r *Registry) Execute(ctx context.Context, name string, cc *Context) (reply string, ok bool) {
	cmd, found := r.Lookup(name)
	if !found {
		r.log.Warn().Str("command", name).Msg("command not found")
		metrics.CommandsExecuted.WithLabelValues("missing").Inc()
		return "", false
	}

	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Str("command", name).Str("panic", fmt.Sprint(p)).Msg("command panicked")
			metrics.CommandsExecuted.WithLabelValues("panic").Inc()
			reply, ok = "", false
		}
	}()

	reply, err := cmd.Handler(ctx, cc)
	if err != nil {
		r.log.Error().Err(err).Str("command", name).Msg("command failed")
		metrics.CommandsExecuted.WithLabelValues("error").Inc()
		return "", false
	}
	metrics.CommandsExecuted.WithLabelValues("ok").Inc()
	return reply, true
}

var commandPattern = regexp.MustCompile(`^/(\S+)([\s\S]*)$`)

// Parse splits "/<name> <args>" into name and trimmed args. Messages without
// a leading slash are not commands.
func Parse(content string) (name, args string, ok bool) {
	m := commandPattern.FindStringSubmatch(strings.TrimSpace(content))
	if m == nil {
		return "", "", false
	}
	return m[1], strings.TrimSpace(m[2]), true
}
