package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/account"
	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/presence"
	"github.com/mqy/minichat/sidebar"
	"github.com/mqy/minichat/store"
)

type rawMsg struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func newTestHub(t *testing.T, conf *Config) (*Hub, *httptest.Server) {
	s := store.NewMemoryStore()
	d := account.NewMemoryDirectory(
		&account.Profile{ID: "a", Name: "alice"},
		&account.Profile{ID: "b", Name: "bob"},
	)
	hub := NewHub(conf, &auth.MockClient{}, s, d, sidebar.NewProjector(s, d), presence.NewRegistry())
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		_ = s.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, uid string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{}
	if uid != "" {
		header.Set("Cookie", "x-uid="+uid)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func mustDial(t *testing.T, srv *httptest.Server, uid string) *websocket.Conn {
	conn, _, err := dial(t, srv, uid)
	require.NoError(t, err)
	return conn
}

func write(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"event": event, "data": data}))
}

// readUntil skips messages until event arrives.
func readUntil(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg rawMsg
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %s", event)
		if msg.Event == event {
			return msg.Data
		}
	}
}

func readOnlineUsers(t *testing.T, conn *websocket.Conn, want []string) {
	for {
		var uids []string
		require.NoError(t, json.Unmarshal(readUntil(t, conn, EventOnlineUsers), &uids))
		if assert.ObjectsAreEqual(want, uids) {
			return
		}
	}
}

func TestHubRejectsUnauthenticated(t *testing.T) {
	_, srv := newTestHub(t, &Config{})
	_, resp, err := dial(t, srv, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHubChat(t *testing.T) {
	hub, srv := newTestHub(t, &Config{PresencePolicy: PresenceAny})

	a := mustDial(t, srv, "a")
	readOnlineUsers(t, a, []string{"a"})

	b := mustDial(t, srv, "b")
	readOnlineUsers(t, a, []string{"a", "b"})
	readOnlineUsers(t, b, []string{"a", "b"})

	write(t, b, EventSendMessage, map[string]string{
		"sender": "b", "receiver": "a", "messageByUserId": "b", "text": "hi alice",
	})

	for _, conn := range []*websocket.Conn{a, b} {
		var nm struct {
			ID             string `json:"_id"`
			Text           string `json:"text"`
			Type           string `json:"messageType"`
			Receiver       string `json:"receiver"`
			ConversationID string `json:"conversationId"`
		}
		require.NoError(t, json.Unmarshal(readUntil(t, conn, EventNewMessage), &nm))
		assert.Equal(t, "hi alice", nm.Text)
		assert.Equal(t, "text", nm.Type)
		assert.Equal(t, "a", nm.Receiver)
		assert.NotEmpty(t, nm.ConversationID)

		var entries []*sidebar.Entry
		require.NoError(t, json.Unmarshal(readUntil(t, conn, EventSidebar), &entries))
		require.Len(t, entries, 1)
		assert.Equal(t, 1, entries[0].UnreadCount)
	}

	write(t, a, EventRequestConversation, "b")
	var user MessageUser
	require.NoError(t, json.Unmarshal(readUntil(t, a, EventMessageUser), &user))
	assert.Equal(t, "bob", user.Name)
	assert.True(t, user.Online)

	var view struct {
		Messages []struct {
			Text   string `json:"text"`
			IsRead bool   `json:"isRead"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(readUntil(t, a, EventMessage), &view))
	require.Len(t, view.Messages, 1)
	assert.True(t, view.Messages[0].IsRead)

	var entries []*sidebar.Entry
	require.NoError(t, json.Unmarshal(readUntil(t, b, EventSidebar), &entries))
	require.Len(t, entries, 1)
	assert.True(t, entries[0].IsRead)
	assert.Equal(t, 0, entries[0].UnreadCount)

	write(t, a, "typing", nil)
	var e Error
	require.NoError(t, json.Unmarshal(readUntil(t, a, EventError), &e))
	assert.Equal(t, ErrorCodeInvalidArguments, e.Code)

	write(t, a, EventLogout, nil)
	readOnlineUsers(t, b, []string{"b"})
	assert.False(t, hub.presence.IsOnline("a"))
}

func TestHubMalformedFrameCloses(t *testing.T) {
	_, srv := newTestHub(t, &Config{})

	a := mustDial(t, srv, "a")
	readOnlineUsers(t, a, []string{"a"})

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("{not json")))
	readUntil(t, a, EventError)

	require.NoError(t, a.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := a.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseUnsupportedData), "err: %v", err)
			break
		}
	}
}

func TestHubSessionQuota(t *testing.T) {
	hub, srv := newTestHub(t, &Config{SessionQuota: 1, PresencePolicy: PresenceAny})

	first := mustDial(t, srv, "a")
	readOnlineUsers(t, first, []string{"a"})

	second := mustDial(t, srv, "a")
	readOnlineUsers(t, second, []string{"a"})

	readUntil(t, first, EventKickoff)

	// the kicked off session does not take the user offline.
	assert.Eventually(t, func() bool { return hub.SessionCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, hub.presence.IsOnline("a"))

	write(t, second, EventRequestSidebar, nil)
	readUntil(t, second, EventSidebar)
}

func TestHubPresencePolicy(t *testing.T) {
	for _, c := range []struct {
		policy      PresencePolicy
		stillOnline bool
	}{
		{PresenceAny, false},
		{PresenceAll, true},
	} {
		t.Run(string(c.policy), func(t *testing.T) {
			hub, srv := newTestHub(t, &Config{PresencePolicy: c.policy})

			phone := mustDial(t, srv, "a")
			readOnlineUsers(t, phone, []string{"a"})
			laptop := mustDial(t, srv, "a")
			readOnlineUsers(t, laptop, []string{"a"})

			require.NoError(t, phone.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

			assert.Eventually(t, func() bool { return hub.SessionCount() == 1 }, 3*time.Second, 10*time.Millisecond)
			assert.Equal(t, c.stillOnline, hub.presence.IsOnline("a"))
		})
	}
}

func TestHubRateLimit(t *testing.T) {
	_, srv := newTestHub(t, &Config{EventsPerSecond: 0.001, EventsBurst: 1})

	a := mustDial(t, srv, "a")
	readOnlineUsers(t, a, []string{"a"})

	write(t, a, EventRequestSidebar, nil)
	readUntil(t, a, EventSidebar)

	write(t, a, EventRequestSidebar, nil)
	var e Error
	require.NoError(t, json.Unmarshal(readUntil(t, a, EventError), &e))
	assert.Equal(t, ErrorCodeResourceExhausted, e.Code)
}

func TestHubRejectsAfterClose(t *testing.T) {
	hub, _ := newTestHub(t, &Config{})
	hub.Close()

	// a connection upgraded while the hub was closing.
	sess := newSession("late", "127.0.0.1")
	require.NoError(t, sess.authenticate("a"))
	handler := newHandler(hub, sess, nil)

	assert.Error(t, hub.addHandler(handler))
	assert.Equal(t, 0, hub.SessionCount())
	assert.False(t, hub.presence.IsOnline("a"))
	assert.Equal(t, StateAuthenticated, sess.State())
}
