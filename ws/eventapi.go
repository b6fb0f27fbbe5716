package ws

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/mqy/minichat/account"
	"github.com/mqy/minichat/presence"
	"github.com/mqy/minichat/sidebar"
	"github.com/mqy/minichat/store"
)

// Fanout delivers server messages to every connection of a user.
type Fanout interface {
	ToUser(uid string, msg *ServerMsg)
}

// Notifier receives created messages after they are stored.
type Notifier interface {
	MessageCreated(ctx context.Context, convID, receiver string, m *store.Message) error
}

// ChatApi serves websocket client requests.
type ChatApi struct {
	store     store.IChatStore
	directory account.Directory
	projector *sidebar.Projector
	presence  *presence.Registry
	fanout    Fanout
	notifier  Notifier
}

func NewApi(s store.IChatStore, d account.Directory, projector *sidebar.Projector, registry *presence.Registry,
	fanout Fanout) *ChatApi {
	return &ChatApi{
		store:     s,
		directory: d,
		projector: projector,
		presence:  registry,
		fanout:    fanout,
	}
}

// SetNotifier sets an optional notifier, nil disables it.
func (s *ChatApi) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *ChatApi) Sidebar(ctx context.Context, uid string) ([]*sidebar.Entry, *Error) {
	entries, err := s.projector.Project(ctx, uid)
	if err != nil {
		glog.Errorf("project sidebar error, uid: %s, err: %v", uid, err)
		return nil, newInternalError(EventRequestSidebar, err.Error())
	}
	return entries, nil
}

// Conversation returns the profile of the target and the history between uid
// and target. Unread messages the target sent are marked read first, and both
// users get a fresh sidebar when that happens.
func (s *ChatApi) Conversation(ctx context.Context, uid string, req *ConversationReq) (*MessageUser, *ConversationView, *Error) {
	const event = EventRequestConversation

	if req.TargetID == "" {
		return nil, nil, newInvalidArgumentError(event, "targetId: required")
	}

	profile, err := s.directory.FindByID(ctx, req.TargetID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return nil, nil, newNotFoundError(event, "user: "+req.TargetID)
		}
		glog.Errorf("find user error, uid: %s, target: %s, err: %v", uid, req.TargetID, err)
		return nil, nil, newInternalError(event, err.Error())
	}
	user := newMessageUser(profile, s.presence.IsOnline(profile.ID))

	conv, err := s.store.FindByPair(ctx, uid, req.TargetID)
	if err != nil {
		glog.Errorf("find conversation error, uid: %s, target: %s, err: %v", uid, req.TargetID, err)
		return nil, nil, newInternalError(event, err.Error())
	}
	if conv == nil {
		return user, newConversationView(nil, nil), nil
	}

	msgs, err := s.store.GetMessages(ctx, conv.Messages)
	if err != nil {
		glog.Errorf("get messages error, uid: %s, conversation: %s, err: %v", uid, conv.ID, err)
		return nil, nil, newInternalError(event, err.Error())
	}

	if hasUnreadFrom(msgs, req.TargetID) {
		read, err := s.store.MarkPairRead(ctx, uid, req.TargetID, uid)
		if err != nil {
			glog.Errorf("mark read error, uid: %s, target: %s, err: %v", uid, req.TargetID, err)
			return nil, nil, newInternalError(event, err.Error())
		}
		if read != nil {
			conv = read
		}
		if msgs, err = s.store.GetMessages(ctx, conv.Messages); err != nil {
			glog.Errorf("get messages error, uid: %s, conversation: %s, err: %v", uid, conv.ID, err)
			return nil, nil, newInternalError(event, err.Error())
		}
		s.pushSidebars(ctx, uid, req.TargetID)
	}

	return user, newConversationView(conv, msgs), nil
}

func hasUnreadFrom(msgs []*store.Message, author string) bool {
	for _, m := range msgs {
		if !m.IsRead && m.AuthorID == author {
			return true
		}
	}
	return false
}

// SendMessage stores a message from uid and fans it out to both users.
func (s *ChatApi) SendMessage(ctx context.Context, uid string, req *SendMessageReq) (*NewMessage, *Error) {
	const event = EventSendMessage

	if errs := req.missing(); len(errs) > 0 {
		return nil, newInvalidArgumentError(event, errs...)
	}
	if req.Sender != uid {
		return nil, newInvalidArgumentError(event, "sender: must be the connected user")
	}
	if req.AuthorID != uid {
		return nil, newInvalidArgumentError(event, "messageByUserId: must be the connected user")
	}

	if _, err := s.directory.FindByID(ctx, req.Receiver); err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return nil, newNotFoundError(event, "user: "+req.Receiver)
		}
		glog.Errorf("find user error, uid: %s, receiver: %s, err: %v", uid, req.Receiver, err)
		return nil, newInternalError(event, err.Error())
	}

	m, err := s.store.CreateMessage(ctx, req.Sender, req.Body, req.AuthorID)
	if err != nil {
		glog.Errorf("create message error, sender: %s, receiver: %s, err: %v", req.Sender, req.Receiver, err)
		return nil, newInternalError(event, err.Error())
	}
	conv, err := s.store.AppendMessage(ctx, req.Sender, req.Receiver, m.ID)
	if err != nil {
		// the message stays unreferenced, history is read through conversations only.
		glog.Errorf("append message error, sender: %s, receiver: %s, message: %s, err: %v",
			req.Sender, req.Receiver, m.ID, err)
		return nil, newInternalError(event, err.Error())
	}
	messagesCounter.Inc()

	out := &NewMessage{Message: m, Receiver: req.Receiver, ConversationID: conv.ID}
	msg := &ServerMsg{Event: EventNewMessage, Data: out}
	for _, u := range pair(req.Sender, req.Receiver) {
		s.fanout.ToUser(u, msg)
	}
	s.pushSidebars(ctx, req.Sender, req.Receiver)

	if s.notifier != nil {
		if err := s.notifier.MessageCreated(ctx, conv.ID, req.Receiver, m); err != nil {
			glog.Errorf("notify message created error, conversation: %s, message: %s, err: %v", conv.ID, m.ID, err)
		}
	}
	return out, nil
}

// pushSidebars sends a fresh sidebar to each of the users.
func (s *ChatApi) pushSidebars(ctx context.Context, a, b string) {
	for _, uid := range pair(a, b) {
		entries, err := s.projector.Project(ctx, uid)
		if err != nil {
			glog.Errorf("push sidebar error, uid: %s, err: %v", uid, err)
			continue
		}
		s.fanout.ToUser(uid, newSidebarMsg(entries))
	}
}

func pair(a, b string) []string {
	if a == b {
		return []string{a}
	}
	return []string{a, b}
}

// Result of a dispatched event.
type Result struct {
	// Replies go to the originating connection only.
	Replies []*ServerMsg
	// Logout asks to close the connection.
	Logout bool
}

// Dispatch runs one inbound event of uid. Errors are turned into `error`
// replies, none of them closes the connection.
func (s *ChatApi) Dispatch(ctx context.Context, uid string, ev Event) *Result {
	name := ev.Name()
	countEvent(name)

	var err *Error
	res := &Result{}

	switch v := ev.(type) {
	case *RequestSidebar:
		var entries []*sidebar.Entry
		if entries, err = s.Sidebar(ctx, uid); err == nil {
			res.Replies = append(res.Replies, newSidebarMsg(entries))
		}
	case *RequestConversation:
		var user *MessageUser
		var view *ConversationView
		if user, view, err = s.Conversation(ctx, uid, &v.ConversationReq); err == nil {
			res.Replies = append(res.Replies,
				&ServerMsg{Event: EventMessageUser, Data: user},
				&ServerMsg{Event: EventMessage, Data: view},
			)
		}
	case *SendMessage:
		_, err = s.SendMessage(ctx, uid, &v.SendMessageReq)
	case *Logout:
		res.Logout = true
	default:
		err = newInvalidArgumentError(name, fmt.Sprintf("unsupported event: %s", name))
	}

	if err != nil {
		countError(name, err)
		interceptError(err)
		res.Replies = append(res.Replies, newErrorMsg(err))
	}
	return res
}
