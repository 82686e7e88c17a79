package dispatch

import "encoding/json"

const (
	EventGroupAtMessage = "GROUP_AT_MESSAGE_CREATE"
	EventC2CMessage     = "C2C_MESSAGE_CREATE"
	EventGroupAddRobot  = "GROUP_ADD_ROBOT"
	EventGroupDelRobot  = "GROUP_DEL_ROBOT"
)

type author struct {
	ID           string `json:"id"`
	MemberOpenID string `json:"member_openid"`
	UserOpenID   string `json:"user_openid"`
	UnionOpenID  string `json:"union_openid"`
}

type groupMessage struct {
	ID          string `json:"id"`
	Content     string `json:"content"`
	Timestamp   string `json:"timestamp"`
	GroupID     string `json:"group_id"`
	GroupOpenID string `json:"group_openid"`
	Author      author `json:"author"`
}

type c2cMessage struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Author    author `json:"author"`
}

type groupMembership struct {
	GroupOpenID    string `json:"group_openid"`
	OpMemberOpenID string `json:"op_member_openid"`
	Timestamp      int64  `json:"timestamp"`
}

// ReplyRequest is what other services publish on the replies channel to
// have the bot send a message.
type ReplyRequest struct {
	Kind     string `json:"kind"` // "group" or "direct"
	TargetID string `json:"target_id"`
	Content  string `json:"content"`
	ImageURL string `json:"image_url,omitempty"`
	ReplyTo  string `json:"reply_to,omitempty"`
}

// conversationKey extracts the id events are partitioned by.
func conversationKey(eventType string, data json.RawMessage) string {
	var probe struct {
		GroupOpenID string `json:"group_openid"`
		Author      author `json:"author"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	if probe.GroupOpenID != "" {
		return probe.GroupOpenID
	}
	if eventType == EventC2CMessage {
		return probe.Author.UserOpenID
	}
	return ""
}
