package ws

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/account"
	"github.com/mqy/minichat/presence"
	"github.com/mqy/minichat/sidebar"
	"github.com/mqy/minichat/store"
)

type fakeFanout struct {
	sync.Mutex
	msgs map[string][]*ServerMsg
}

func (f *fakeFanout) ToUser(uid string, msg *ServerMsg) {
	f.Lock()
	defer f.Unlock()
	if f.msgs == nil {
		f.msgs = make(map[string][]*ServerMsg)
	}
	f.msgs[uid] = append(f.msgs[uid], msg)
}

// last returns the latest message of event sent to uid.
func (f *fakeFanout) last(uid, event string) *ServerMsg {
	f.Lock()
	defer f.Unlock()
	slice := f.msgs[uid]
	for i := len(slice) - 1; i >= 0; i-- {
		if slice[i].Event == event {
			return slice[i]
		}
	}
	return nil
}

func (f *fakeFanout) reset() {
	f.Lock()
	f.msgs = nil
	f.Unlock()
}

type fakeNotifier struct {
	calls []string
}

func (n *fakeNotifier) MessageCreated(ctx context.Context, convID, receiver string, m *store.Message) error {
	n.calls = append(n.calls, convID+"/"+receiver+"/"+m.ID)
	return nil
}

type fixture struct {
	api      *ChatApi
	store    *store.MemoryStore
	fanout   *fakeFanout
	presence *presence.Registry
}

func newFixture(t *testing.T) *fixture {
	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	d := account.NewMemoryDirectory(
		&account.Profile{ID: "a", Name: "alice", Email: "alice@example.com"},
		&account.Profile{ID: "b", Name: "bob", Bio: "hello"},
	)
	registry := presence.NewRegistry()
	fanout := &fakeFanout{}
	return &fixture{
		api:      NewApi(s, d, sidebar.NewProjector(s, d), registry, fanout),
		store:    s,
		fanout:   fanout,
		presence: registry,
	}
}

func sidebarOf(t *testing.T, msg *ServerMsg) []*sidebar.Entry {
	require.NotNil(t, msg)
	entries, ok := msg.Data.([]*sidebar.Entry)
	require.True(t, ok, "data: %T", msg.Data)
	return entries
}

func errorOf(t *testing.T, res *Result) *Error {
	require.Len(t, res.Replies, 1)
	require.Equal(t, EventError, res.Replies[0].Event)
	err, ok := res.Replies[0].Data.(*Error)
	require.True(t, ok)
	return err
}

func TestSendMessageMissingFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.api.Dispatch(ctx, "a", &SendMessage{SendMessageReq{
		Receiver: "b",
		AuthorID: "a",
		Body:     store.Body{Text: "hi"},
	}})
	err := errorOf(t, res)
	assert.Equal(t, ErrorCodeInvalidArguments, err.Code)
	assert.Equal(t, []string{"sender: required"}, err.Params)

	res = f.api.Dispatch(ctx, "a", &SendMessage{})
	err = errorOf(t, res)
	assert.Len(t, err.Params, 3)

	for _, uid := range []string{"a", "b"} {
		convs, e := f.store.ListForUser(ctx, uid)
		require.NoError(t, e)
		assert.Empty(t, convs)
	}
	conv, e := f.store.FindByPair(ctx, "a", "b")
	require.NoError(t, e)
	assert.Nil(t, conv)
	assert.Nil(t, f.fanout.last("a", EventNewMessage))
	assert.Nil(t, f.fanout.last("b", EventNewMessage))
}

func TestSendMessageIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.api.SendMessage(ctx, "a", &SendMessageReq{Sender: "b", Receiver: "a", AuthorID: "b"})
	require.NotNil(t, err)
	assert.Equal(t, ErrorCodeInvalidArguments, err.Code)

	_, err = f.api.SendMessage(ctx, "a", &SendMessageReq{Sender: "a", Receiver: "b", AuthorID: "b"})
	require.NotNil(t, err)
	assert.Equal(t, ErrorCodeInvalidArguments, err.Code)

	_, err = f.api.SendMessage(ctx, "a", &SendMessageReq{Sender: "a", Receiver: "zed", AuthorID: "a"})
	require.NotNil(t, err)
	assert.Equal(t, ErrorCodeNotFound, err.Code)
}

func TestSendMessageFanout(t *testing.T) {
	f := newFixture(t)
	n := &fakeNotifier{}
	f.api.SetNotifier(n)
	ctx := context.Background()

	res := f.api.Dispatch(ctx, "a", &SendMessage{SendMessageReq{
		Sender:   "a",
		Receiver: "b",
		AuthorID: "a",
		Body:     store.Body{ImageURL: "/cat.png"},
	}})
	assert.Empty(t, res.Replies)

	for _, uid := range []string{"a", "b"} {
		msg := f.fanout.last(uid, EventNewMessage)
		require.NotNil(t, msg, uid)
		nm := msg.Data.(*NewMessage)
		assert.Equal(t, "a", nm.Sender)
		assert.Equal(t, "b", nm.Receiver)
		assert.Equal(t, store.MessageTypeImage, nm.Type)
		assert.NotEmpty(t, nm.ConversationID)

		entries := sidebarOf(t, f.fanout.last(uid, EventSidebar))
		require.Len(t, entries, 1)
		assert.Equal(t, "Image", entries[0].Message)
		assert.Equal(t, 1, entries[0].UnreadCount)
	}
	assert.Len(t, n.calls, 1)
}

func TestReadFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// b is offline when a writes.
	_, err := f.api.SendMessage(ctx, "a", &SendMessageReq{
		Sender: "a", Receiver: "b", AuthorID: "a", Body: store.Body{Text: "are you there?"},
	})
	require.Nil(t, err)
	f.fanout.reset()

	f.presence.MarkOnline("b")
	res := f.api.Dispatch(ctx, "b", &RequestSidebar{})
	require.Len(t, res.Replies, 1)
	entries := sidebarOf(t, res.Replies[0])
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].ID)
	assert.Equal(t, 1, entries[0].UnreadCount)
	assert.Equal(t, "are you there?", entries[0].Message)
	assert.False(t, entries[0].IsRead)

	f.presence.MarkOnline("a")
	res = f.api.Dispatch(ctx, "b", &RequestConversation{ConversationReq{TargetID: "a"}})
	require.Len(t, res.Replies, 2)
	assert.Equal(t, EventMessageUser, res.Replies[0].Event)
	user := res.Replies[0].Data.(*MessageUser)
	assert.Equal(t, "alice", user.Name)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.True(t, user.Online)

	assert.Equal(t, EventMessage, res.Replies[1].Event)
	view := res.Replies[1].Data.(*ConversationView)
	require.Len(t, view.Messages, 1)
	assert.True(t, view.Messages[0].IsRead)
	assert.Equal(t, 0, view.UnreadCount)

	bEntries := sidebarOf(t, f.fanout.last("b", EventSidebar))
	require.Len(t, bEntries, 1)
	assert.Equal(t, 0, bEntries[0].UnreadCount)
	assert.True(t, bEntries[0].IsRead)

	aEntries := sidebarOf(t, f.fanout.last("a", EventSidebar))
	require.Len(t, aEntries, 1)
	assert.True(t, aEntries[0].IsRead)

	// nothing left to mark, no sidebar push.
	f.fanout.reset()
	res = f.api.Dispatch(ctx, "b", &RequestConversation{ConversationReq{TargetID: "a"}})
	require.Len(t, res.Replies, 2)
	assert.Nil(t, f.fanout.last("a", EventSidebar))
	assert.Nil(t, f.fanout.last("b", EventSidebar))
}

func TestOwnMessagesAreNotMarkedRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.api.SendMessage(ctx, "a", &SendMessageReq{
		Sender: "a", Receiver: "b", AuthorID: "a", Body: store.Body{Text: "hi"},
	})
	require.Nil(t, err)

	_, view, err := f.api.Conversation(ctx, "a", &ConversationReq{TargetID: "b"})
	require.Nil(t, err)
	require.Len(t, view.Messages, 1)
	assert.False(t, view.Messages[0].IsRead)
	assert.Equal(t, 1, view.UnreadCount)
}

func TestConversationErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := errorOf(t, f.api.Dispatch(ctx, "a", &RequestConversation{}))
	assert.Equal(t, ErrorCodeInvalidArguments, err.Code)

	err = errorOf(t, f.api.Dispatch(ctx, "a", &RequestConversation{ConversationReq{TargetID: "zed"}}))
	assert.Equal(t, ErrorCodeNotFound, err.Code)
}

func TestConversationEmpty(t *testing.T) {
	f := newFixture(t)

	user, view, err := f.api.Conversation(context.Background(), "a", &ConversationReq{TargetID: "b"})
	require.Nil(t, err)
	assert.False(t, user.Online)
	assert.Equal(t, account.DefaultProfilePic, user.ProfilePic)
	assert.NotNil(t, view.Messages)
	assert.Empty(t, view.Messages)
	assert.Empty(t, view.ID)
}

func TestDispatchOther(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := errorOf(t, f.api.Dispatch(ctx, "a", &Unsupported{Event: "typing"}))
	assert.Equal(t, ErrorCodeInvalidArguments, err.Code)

	res := f.api.Dispatch(ctx, "a", &Logout{})
	assert.True(t, res.Logout)
	assert.Empty(t, res.Replies)
}

func TestInterceptError(t *testing.T) {
	err := newInternalError(EventSendMessage, "dial tcp 10.0.0.1:3306: connection refused")
	interceptError(err)
	assert.Equal(t, []string{"temp storage error"}, err.Params)

	err = newInvalidArgumentError(EventSendMessage, "sender: required")
	interceptError(err)
	assert.Equal(t, []string{"sender: required"}, err.Params)
}
