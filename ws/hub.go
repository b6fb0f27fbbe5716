package ws

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/mqy/minichat/account"
	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/presence"
	"github.com/mqy/minichat/sidebar"
	"github.com/mqy/minichat/store"
)

// PresencePolicy decides when a closing connection takes its user offline.
type PresencePolicy string

const (
	// PresenceAny takes the user offline when any of its connections closes.
	PresenceAny PresencePolicy = "any"
	// PresenceAll waits for the last connection of the user.
	PresenceAll PresencePolicy = "all"
)

type Config struct {
	// Max concurrent connections per user, older ones are kicked off.
	SessionQuota   int
	PresencePolicy PresencePolicy
	// Inbound events per second per connection, 0 disables the limit.
	EventsPerSecond float64
	EventsBurst     int
}

// Hub works as a hub that manages and serves sessions.
type Hub struct {
	// serializes connect, close and kickoff so that the handler store, the
	// presence registry and online-users broadcasts change together.
	sync.Mutex

	conf       *Config
	api        *ChatApi
	authClient auth.Client
	presence   *presence.Registry
	hstore     *HandlerStore
	closed     atomic.Bool
}

// NewHub creates a `Hub`.
func NewHub(conf *Config, authClient auth.Client, s store.IChatStore, d account.Directory,
	projector *sidebar.Projector, registry *presence.Registry) *Hub {
	h := &Hub{
		conf:       conf,
		authClient: authClient,
		presence:   registry,
		hstore:     newHandlerStore(),
	}
	h.api = NewApi(s, d, projector, registry, h)
	return h
}

func (h *Hub) Api() *ChatApi {
	return h.api
}

// ToUser implements `Fanout`.
func (h *Hub) ToUser(uid string, msg *ServerMsg) {
	for _, handler := range h.hstore.getByUid(uid) {
		handler.send(msg)
	}
}

// ToAll sends msg to every local session.
func (h *Hub) ToAll(msg *ServerMsg) {
	for _, handler := range h.hstore.all() {
		handler.send(msg)
	}
}

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.closed.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	sess := newSession(store.NewID(), getRemoteIP(r))

	uid, err := h.authClient.Auth(r)
	if err != nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v, ip: %s", err, sess.Ip)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}
	if err := sess.authenticate(uid); err != nil {
		glog.Errorf("ServeHTTP(): %v", err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, uid: %s, err: %s", uid, err)
		return
	}

	// NOTE:  after upgrade, `w.WriteHeader(...)`` causes error `response.Write on hijacked connection`.

	handler := newHandler(h, sess, conn)
	go handler.sendLoop()

	if err := h.addHandler(handler); err != nil {
		glog.Errorf("ServeHTTP(): %v", err)
		handler.close(ServerStop)
		return
	}
	go handler.recvLoop()
}

func (h *Hub) addHandler(handler *Handler) error {
	uid := handler.session.Uid

	h.Lock()
	// Close marks the hub closed before taking the lock: either it sees this
	// handler in the store, or this check sees the hub closed.
	if h.closed.Load() {
		h.Unlock()
		return fmt.Errorf("session %s: hub is closed", handler.session.Sid)
	}
	if err := handler.session.activate(); err != nil {
		h.Unlock()
		return err
	}
	h.hstore.add(handler)
	connectionsGauge.Inc()
	if h.presence.MarkOnline(uid) {
		glog.V(5).Infof("user online: %s", uid)
	}
	h.broadcastOnlineUsers()
	h.Unlock()

	glog.Infof("session online: %s", handler)

	if h.conf.SessionQuota > 0 {
		for _, old := range h.hstore.overQuota(uid, h.conf.SessionQuota) {
			h.kickoff(old)
		}
	}
	return nil
}

func (h *Hub) delHandler(handler *Handler, cause SessionError) {
	h.Lock()
	defer h.Unlock()

	uid := handler.session.Uid
	ok, remaining := h.hstore.del(handler.session.Sid)
	if !ok {
		return
	}
	connectionsGauge.Dec()

	offline := cause == LoggedOut || h.conf.PresencePolicy != PresenceAll || remaining == 0
	if offline && h.presence.MarkOffline(uid) {
		glog.V(5).Infof("user offline: %s", uid)
		h.broadcastOnlineUsers()
	}
}

// kickoff removes handler without touching presence, then asks its send
// loop to deliver `kickoff` and close.
func (h *Hub) kickoff(handler *Handler) {
	h.Lock()
	ok, _ := h.hstore.del(handler.session.Sid)
	if ok {
		connectionsGauge.Dec()
	}
	h.Unlock()

	if ok {
		glog.V(5).Infof("kickoff local session: %s", handler)
		handler.send(&ServerMsg{Event: EventKickoff})
	}
}

// Kickoff kicks off session sid.
func (h *Hub) Kickoff(sid string) {
	glog.Infof("Kickoff: %s", sid)
	if s := h.hstore.get(sid); s != nil {
		h.kickoff(s)
	}
}

// EnforceQuota kicks off the oldest sessions of users over quota, returns
// the number of sessions kicked off.
func (h *Hub) EnforceQuota() int {
	if h.conf.SessionQuota <= 0 {
		return 0
	}
	slice := h.hstore.allOverQuota(h.conf.SessionQuota)
	for _, s := range slice {
		h.kickoff(s)
	}
	return len(slice)
}

// SessionCount returns the number of local sessions.
func (h *Hub) SessionCount() int {
	return h.hstore.count()
}

// Close stops accepting connections and closes all sessions.
func (h *Hub) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	glog.Infof("close connections ...")
	h.Lock()
	handlers := h.hstore.all()
	for _, handler := range handlers {
		h.hstore.del(handler.session.Sid)
		connectionsGauge.Dec()
	}
	h.presence.Reset()
	h.Unlock()

	for _, handler := range handlers {
		handler.close(ServerStop)
	}
	glog.Infof("close connections done")
}

// broadcastOnlineUsers must be called with h locked.
func (h *Hub) broadcastOnlineUsers() {
	h.ToAll(newOnlineUsersMsg(h.presence.Snapshot()))
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x = strings.TrimSpace(x); x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
