package ws

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mqy/minichat/account"
	"github.com/mqy/minichat/sidebar"
	"github.com/mqy/minichat/store"
)

// Inbound events.
const (
	EventRequestSidebar      = "request-sidebar"
	EventRequestConversation = "request-conversation"
	EventSendMessage         = "send-message"
	EventLogout              = "logout"
)

// Outbound events.
const (
	EventOnlineUsers = "online-users"
	EventSidebar     = "sidebar"
	EventMessageUser = "message-user"
	EventMessage     = "message"
	EventNewMessage  = "new-message"
	EventError       = "error"
	EventKickoff     = "kickoff"
)

const (
	ErrorCodeInvalidArguments  = 3
	ErrorCodeNotFound          = 5
	ErrorCodeResourceExhausted = 8
	ErrorCodeInternal          = 13
	ErrorCodeUnauthenticated   = 16
)

// ClientMsg is the envelope of every inbound frame.
type ClientMsg struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ServerMsg is the envelope of every outbound frame.
type ServerMsg struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

func (m *ServerMsg) String() string {
	out, _ := json.Marshal(m)
	return string(out)
}

// Error is sent to the originating connection in an `error` event.
type Error struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Event   string   `json:"event,omitempty"`
	Params  []string `json:"params,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("code: %d, event: %s, message: %s, params: %v", e.Code, e.Event, e.Message, e.Params)
}

func newErrorMsg(err *Error) *ServerMsg {
	return &ServerMsg{Event: EventError, Data: err}
}

func newInvalidArgumentError(event string, errs ...string) *Error {
	return &Error{
		Code:    ErrorCodeInvalidArguments,
		Message: "invalid arguments",
		Event:   event,
		Params:  errs,
	}
}

func newNotFoundError(event string, what string) *Error {
	return &Error{
		Code:    ErrorCodeNotFound,
		Message: "not found",
		Event:   event,
		Params:  []string{what},
	}
}

func newInternalError(event string, err string) *Error {
	return &Error{
		Code:    ErrorCodeInternal,
		Message: "internal error",
		Event:   event,
		Params:  []string{err},
	}
}

func newRateLimitError(event string) *Error {
	return &Error{
		Code:    ErrorCodeResourceExhausted,
		Message: "too many requests",
		Event:   event,
	}
}

// interceptError hides storage details from clients.
func interceptError(err *Error) {
	if err.Code == ErrorCodeInternal {
		err.Params = []string{"temp storage error"}
	}
}

// ConversationReq accepts both `{"targetId": "..."}` and a bare id string.
type ConversationReq struct {
	TargetID string `json:"targetId"`
}

func (r *ConversationReq) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &r.TargetID)
	}
	type plain ConversationReq
	return json.Unmarshal(data, (*plain)(r))
}

type SendMessageReq struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	AuthorID string `json:"messageByUserId"`
	store.Body
}

// missing returns the names of absent required fields.
func (r *SendMessageReq) missing() []string {
	var errs []string
	if strings.TrimSpace(r.Sender) == "" {
		errs = append(errs, "sender: required")
	}
	if strings.TrimSpace(r.Receiver) == "" {
		errs = append(errs, "receiver: required")
	}
	if strings.TrimSpace(r.AuthorID) == "" {
		errs = append(errs, "messageByUserId: required")
	}
	return errs
}

// MessageUser is the peer profile shown on top of a conversation.
type MessageUser struct {
	ID         string `json:"_id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	ProfilePic string `json:"profile_pic"`
	Bio        string `json:"bio"`
	Online     bool   `json:"online"`
}

func newMessageUser(p *account.Profile, online bool) *MessageUser {
	return &MessageUser{
		ID:         p.ID,
		Name:       p.Name,
		Email:      p.Email,
		ProfilePic: p.Avatar(),
		Bio:        p.Bio,
		Online:     online,
	}
}

// ConversationView is the payload of `message`. All fields but Messages are
// empty when the pair has no conversation yet.
type ConversationView struct {
	ID          string           `json:"_id,omitempty"`
	Sender      string           `json:"sender,omitempty"`
	Receiver    string           `json:"receiver,omitempty"`
	Messages    []*store.Message `json:"messages"`
	UnreadCount int              `json:"unreadCount"`
	UpdatedAt   *time.Time       `json:"updatedAt,omitempty"`
}

func newConversationView(c *store.Conversation, msgs []*store.Message) *ConversationView {
	if msgs == nil {
		msgs = []*store.Message{}
	}
	if c == nil {
		return &ConversationView{Messages: msgs}
	}
	updated := c.UpdatedAt
	return &ConversationView{
		ID:          c.ID,
		Sender:      c.Sender,
		Receiver:    c.Receiver,
		Messages:    msgs,
		UnreadCount: c.UnreadCount,
		UpdatedAt:   &updated,
	}
}

// NewMessage is the payload of `new-message`.
type NewMessage struct {
	*store.Message
	Receiver       string `json:"receiver"`
	ConversationID string `json:"conversationId"`
}

func newSidebarMsg(entries []*sidebar.Entry) *ServerMsg {
	if entries == nil {
		entries = []*sidebar.Entry{}
	}
	return &ServerMsg{Event: EventSidebar, Data: entries}
}

func newOnlineUsersMsg(uids []string) *ServerMsg {
	if uids == nil {
		uids = []string{}
	}
	return &ServerMsg{Event: EventOnlineUsers, Data: uids}
}
