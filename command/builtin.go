package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/abdelmounim-dev/qqbot-gateway/api"
)

const (
	EchoName       = "测试"
	CommissionName = "委托"
	HelpName       = "帮助"
)

// CommissionImageURL is the picture sent by the commission command.
var CommissionImageURL = "https://example.com/委托密函.jpg"

// RegisterBuiltins installs the commands every deployment ships with.
func RegisterBuiltins(r *Registry) {
	r.Register(Command{
		Name:        EchoName,
		Description: "测试命令，回复输入的内容",
		Handler:     echo,
	})
	r.Register(Command{
		Name:        CommissionName,
		Description: "获取委托密函信息",
		Handler:     commission,
	})
	r.Register(Command{
		Name:        HelpName,
		Description: "列出所有可用命令",
		Handler:     help(r),
	})
}

func echo(_ context.Context, cc *Context) (string, error) {
	if cc.RawArgs == "" {
		return "测试命令执行成功", nil
	}
	return cc.RawArgs, nil
}

// commission is group-only and answers with an image instead of text.
func commission(ctx context.Context, cc *Context) (string, error) {
	if cc.Kind != api.KindGroup {
		return "", nil
	}
	if cc.Messenger == nil {
		return "", errors.New("no messenger available")
	}
	if err := cc.Messenger.SendImage(ctx, cc.Target(), "", CommissionImageURL, cc.MessageID); err != nil {
		return "", fmt.Errorf("failed to send commission image: %w", err)
	}
	return "", nil
}

func help(r *Registry) Handler {
	return func(_ context.Context, _ *Context) (string, error) {
		var b strings.Builder
		b.WriteString("可用命令:")
		for _, cmd := range r.Commands() {
			fmt.Fprintf(&b, "\n/%s - %s", cmd.Name, cmd.Description)
		}
		return b.String(), nil
	}
}
