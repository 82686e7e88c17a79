package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// Kind is the conversation type a message is delivered to.
type Kind string

const (
	KindGroup  Kind = "group"
	KindDirect Kind = "direct"
)

// Target addresses a group (by group openid) or a user (by user openid).
type Target struct {
	Kind Kind
	ID   string
}

const (
	msgTypeText  = 0
	msgTypeMedia = 7
	fileTypeImg  = 1
)

type messageRequest struct {
	Content string          `json:"content"`
	MsgType int             `json:"msg_type"`
	MsgID   string          `json:"msg_id,omitempty"`
	Media   json.RawMessage `json:"media,omitempty"`
}

type uploadRequest struct {
	FileType   int    `json:"file_type"`
	URL        string `json:"url"`
	SrvSendMsg bool   `json:"srv_send_msg"`
}

func (t Target) path(resource string) (string, error) {
	if t.ID == "" {
		return "", errors.New("api: target id is required")
	}
	switch t.Kind {
	case KindGroup:
		return fmt.Sprintf("/v2/groups/%s/%s", url.PathEscape(t.ID), resource), nil
	case KindDirect:
		return fmt.Sprintf("/v2/users/%s/%s", url.PathEscape(t.ID), resource), nil
	default:
		return "", fmt.Errorf("api: unknown target kind %q", t.Kind)
	}
}

// SendText delivers a text message. replyTo, when set, makes the message a
// passive reply to that inbound message id.
func (c *Client) SendText(ctx context.Context, target Target, text, replyTo string) error {
	path, err := target.path("messages")
	if err != nil {
		return err
	}
	err = c.do(ctx, http.MethodPost, path, messageRequest{Content: text, MsgType: msgTypeText, MsgID: replyTo}, nil)
	recordSend(err)
	if err != nil {
		return fmt.Errorf("failed to send %s message: %w", target.Kind, err)
	}
	return nil
}

// SendImage uploads imageURL as rich media and sends it with optional text.
func (c *Client) SendImage(ctx context.Context, target Target, text, imageURL, replyTo string) error {
	uploadPath, err := target.path("files")
	if err != nil {
		return err
	}
	var media json.RawMessage
	if err := c.do(ctx, http.MethodPost, uploadPath, uploadRequest{FileType: fileTypeImg, URL: imageURL}, &media); err != nil {
		recordSend(err)
		return fmt.Errorf("failed to upload %s image: %w", target.Kind, err)
	}

	path, _ := target.path("messages")
	err = c.do(ctx, http.MethodPost, path, messageRequest{Content: text, MsgType: msgTypeMedia, MsgID: replyTo, Media: media}, nil)
	recordSend(err)
	if err != nil {
		return fmt.Errorf("failed to send %s image message: %w", target.Kind, err)
	}
	return nil
}
