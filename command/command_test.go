package command

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/qqbot-gateway/api"
)

func TestParse(t *testing.T) {
	testCases := []struct {
		name     string
		content  string
		wantName string
		wantArgs string
		wantOK   bool
	}{
		{name: "name and args", content: "/测试 hello world", wantName: "测试", wantArgs: "hello world", wantOK: true},
		{name: "surrounding whitespace", content: "  /help   me  ", wantName: "help", wantArgs: "me", wantOK: true},
		{name: "name only", content: "/委托", wantName: "委托", wantOK: true},
		{name: "multiline args", content: "/echo first\nsecond", wantName: "echo", wantArgs: "first\nsecond", wantOK: true},
		{name: "no leading slash", content: "测试 hello", wantOK: false},
		{name: "bare slash", content: "/", wantOK: false},
		{name: "slash followed by space", content: "/ name", wantOK: false},
		{name: "empty", content: "", wantOK: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			name, args, ok := Parse(tc.content)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.wantName, name)
			assert.Equal(t, tc.wantArgs, args)
		})
	}
}

func TestRegistry_LastRegistrationWins(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Register(Command{Name: "ping", Handler: func(context.Context, *Context) (string, error) { return "one", nil }})
	r.Register(Command{Name: "ping", Handler: func(context.Context, *Context) (string, error) { return "two", nil }})

	reply, ok := r.Execute(context.Background(), "ping", &Context{})
	assert.True(t, ok)
	assert.Equal(t, "two", reply)
	assert.Len(t, r.Commands(), 1)
}

func TestRegistry_ExecuteContainsFailures(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Register(Command{Name: "boom", Handler: func(context.Context, *Context) (string, error) { panic("kaboom") }})
	r.Register(Command{Name: "fail", Handler: func(context.Context, *Context) (string, error) { return "partial", errors.New("nope") }})
	r.Register(Command{Name: "ok", Handler: func(context.Context, *Context) (string, error) { return "fine", nil }})

	testCases := []struct {
		name      string
		wantReply string
		wantOK    bool
	}{
		{name: "boom"},
		{name: "fail"},
		{name: "missing"},
		{name: "ok", wantReply: "fine", wantOK: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			reply, ok := r.Execute(context.Background(), tc.name, &Context{})
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.wantReply, reply)
		})
	}

	// The registry is untouched by the failures.
	names := make([]string, 0)
	for _, cmd := range r.Commands() {
		names = append(names, cmd.Name)
	}
	assert.Equal(t, []string{"boom", "fail", "ok"}, names)
}

type fakeMessenger struct {
	mu     sync.Mutex
	images []string
	err    error
}

func (f *fakeMessenger) SendText(context.Context, api.Target, string, string) error { return nil }

func (f *fakeMessenger) SendImage(_ context.Context, target api.Target, _, imageURL, replyTo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images = append(f.images, string(target.Kind)+":"+target.ID+":"+imageURL+":"+replyTo)
	return f.err
}

func TestBuiltins(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	RegisterBuiltins(r)

	t.Run("echo with args", func(t *testing.T) {
		reply, ok := r.Execute(context.Background(), EchoName, &Context{RawArgs: "hello world"})
		assert.True(t, ok)
		assert.Equal(t, "hello world", reply)
	})

	t.Run("echo without args", func(t *testing.T) {
		reply, ok := r.Execute(context.Background(), EchoName, &Context{})
		assert.True(t, ok)
		assert.Equal(t, "测试命令执行成功", reply)
	})

	t.Run("commission in group sends image", func(t *testing.T) {
		m := &fakeMessenger{}
		cc := &Context{Kind: api.KindGroup, ConversationID: "G1", MessageID: "m1", Messenger: m}
		reply, ok := r.Execute(context.Background(), CommissionName, cc)
		assert.True(t, ok)
		assert.Empty(t, reply)
		require.Len(t, m.images, 1)
		assert.Equal(t, "group:G1:"+CommissionImageURL+":m1", m.images[0])
	})

	t.Run("commission in direct chat is ignored", func(t *testing.T) {
		m := &fakeMessenger{}
		reply, ok := r.Execute(context.Background(), CommissionName, &Context{Kind: api.KindDirect, ConversationID: "U1", Messenger: m})
		assert.True(t, ok)
		assert.Empty(t, reply)
		assert.Empty(t, m.images)
	})

	t.Run("commission delivery failure", func(t *testing.T) {
		m := &fakeMessenger{err: errors.New("upload failed")}
		_, ok := r.Execute(context.Background(), CommissionName, &Context{Kind: api.KindGroup, ConversationID: "G1", Messenger: m})
		assert.False(t, ok)
	})

	t.Run("help lists commands", func(t *testing.T) {
		reply, ok := r.Execute(context.Background(), HelpName, &Context{})
		assert.True(t, ok)
		assert.Contains(t, reply, "/"+EchoName)
		assert.Contains(t, reply, "/"+CommissionName)
		assert.Contains(t, reply, "/"+HelpName)
	})
}
