package ws

import (
	"encoding/json"
	"fmt"
)

// Event is one decoded inbound event.
type Event interface {
	Name() string
}

type RequestSidebar struct{}

type RequestConversation struct {
	ConversationReq
}

type SendMessage struct {
	SendMessageReq
}

type Logout struct{}

// Unsupported is an event with an unknown name.
type Unsupported struct {
	Event string
}

func (*RequestSidebar) Name() string      { return EventRequestSidebar }
func (*RequestConversation) Name() string { return EventRequestConversation }
func (*SendMessage) Name() string         { return EventSendMessage }
func (*Logout) Name() string              { return EventLogout }
func (e *Unsupported) Name() string       { return e.Event }

// DecodeEvent decodes the payload of msg by its event name. Payload of
// request-sidebar and logout is ignored.
func DecodeEvent(msg *ClientMsg) (Event, *Error) {
	var ev Event
	switch msg.Event {
	case EventRequestSidebar:
		return &RequestSidebar{}, nil
	case EventLogout:
		return &Logout{}, nil
	case EventRequestConversation:
		ev = &RequestConversation{}
	case EventSendMessage:
		ev = &SendMessage{}
	default:
		return &Unsupported{Event: msg.Event}, nil
	}

	if len(msg.Data) == 0 || string(msg.Data) == "null" {
		return ev, nil
	}
	if err := json.Unmarshal(msg.Data, ev); err != nil {
		return nil, newInvalidArgumentError(msg.Event, fmt.Sprintf("data: %v", err))
	}
	return ev, nil
}
