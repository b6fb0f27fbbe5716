package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

type SessionError int

const (
	ReadError    SessionError = 1
	WriteError   SessionError = 2
	PingError    SessionError = 3
	BadRequest   SessionError = 4
	ServerStop   SessionError = 5
	KickedOff    SessionError = 6
	LoggedOut    SessionError = 7
	SlowConsumer SessionError = 8
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	// Recommend configure nginx with `keep-alive_timeout` >= 65s.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// websocket max message size to read.
	readLimit = 4096

	dataChanSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Fix error: request origin not allowed by Upgrader.CheckOrigin
	CheckOrigin: func(r *http.Request) bool {
		// When the node is behind nginx: host=ws-backend.
		// TODO: check against an allowed origin list once the web client has a fixed host.
		return true
	},
}

// Handler managers an active connection to end user.
// Every new websocket connection creates a new session.
type Handler struct {
	sync.Mutex

	api *ChatApi
	hub *Hub

	session *Session
	conn    *websocket.Conn
	limiter *rate.Limiter

	dataChan chan *SessionData

	closing bool
}

// SessionData is the data structure for `dataChan`.
type SessionData struct {
	Error     SessionError `json:"error,omitempty"`
	ServerMsg *ServerMsg   `json:"resp,omitempty"`
}

func newHandler(hub *Hub, session *Session, conn *websocket.Conn) *Handler {
	limit := rate.Inf
	if hub.conf.EventsPerSecond > 0 {
		limit = rate.Limit(hub.conf.EventsPerSecond)
	}
	return &Handler{
		api:      hub.api,
		hub:      hub,
		session:  session,
		conn:     conn,
		limiter:  rate.NewLimiter(limit, hub.conf.EventsBurst),
		dataChan: make(chan *SessionData, dataChanSize),
	}
}

func (h *Handler) String() string {
	return h.session.String()
}

func closeCode(cause SessionError) int {
	switch cause {
	case BadRequest:
		return websocket.CloseUnsupportedData
	case ServerStop:
		return websocket.CloseGoingAway
	case KickedOff, LoggedOut:
		return websocket.CloseNormalClosure
	case SlowConsumer:
		return websocket.ClosePolicyViolation
	}
	return websocket.CloseInternalServerErr
}

func (h *Handler) close(cause SessionError) {
	h.Lock()
	if h.closing {
		h.Unlock()
		return
	}
	h.closing = true
	h.session.markClosed()
	close(h.dataChan)
	h.Unlock()

	_ = h.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode(cause), ""),
		time.Now().Add(writeWait))
	h.conn.Close()

	if cause != ServerStop {
		glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
		// Ask for hub to remove this handler.
		h.hub.delHandler(h, cause)
	}
}

// appendDataChan never blocks: a session that can not keep up is closed.
func (h *Handler) appendDataChan(v *SessionData) {
	h.Lock()
	if h.closing {
		h.Unlock()
		return
	}
	select {
	case h.dataChan <- v:
		h.Unlock()
		return
	default:
	}
	h.Unlock()

	glog.Errorf("data chan is full, close session: %s", h)
	go h.close(SlowConsumer)
}

func (h *Handler) send(msg *ServerMsg) {
	h.appendDataChan(&SessionData{ServerMsg: msg})
}

func sendServerMsg(conn *websocket.Conn, msg *ServerMsg) error {
	out, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h) }()

	h.conn.SetReadLimit(readLimit)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	uid := h.session.Uid

	for h.session.State() == StateActive {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.V(5).Infof("recvLoop(): closed by peer, session: %s", h)
			} else if h.session.State() == StateActive {
				glog.Errorf("recvLoop(): read error: %v, session: %s", err, h)
			}
			h.appendDataChan(&SessionData{Error: ReadError})
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %v", string(msg))

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			h.send(newErrorMsg(newInvalidArgumentError("", "websocket only supports TextMessage")))
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		req := ClientMsg{}
		if err := json.Unmarshal(msg, &req); err != nil {
			glog.Errorf("recvLoop(): message error: msg: %s, err: %v", string(msg), err)
			h.send(newErrorMsg(newInvalidArgumentError("", fmt.Sprintf("unmarshal error: %v", err))))
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		if !h.limiter.Allow() {
			e := newRateLimitError(req.Event)
			countError(req.Event, e)
			h.send(newErrorMsg(e))
			continue
		}

		ev, e := DecodeEvent(&req)
		if e != nil {
			glog.Errorf("recvLoop(): decode %s error: %v, uid: %s", req.Event, e, uid)
			countError(req.Event, e)
			h.send(newErrorMsg(e))
			continue
		}

		res := h.api.Dispatch(context.Background(), uid, ev)
		for _, reply := range res.Replies {
			h.send(reply)
		}
		if res.Logout {
			glog.Infof("recvLoop(): logout, session: %s", h)
			h.appendDataChan(&SessionData{Error: LoggedOut})
			return
		}
	}
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h)
	}()

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok { // chan was closed
				h.conn.Close()
				glog.V(5).Infof("sendLoop(): data chan closed, session: %s", h)
				return
			}

			if glog.V(5) {
				dataJson, _ := json.Marshal(v)
				logValue := string(dataJson)
				if len(logValue) > 100 {
					logValue = logValue[:100] + " ..."
				}
				glog.Infof("sendLoop(), get from data chan, value: %s, session: %s", logValue, h)
			}

			if v.Error > 0 {
				h.close(v.Error)
				return
			} else if v.ServerMsg == nil {
				// should not happen.
				panic(fmt.Sprintf("sendLoop(), unknown data from dataChan: %#+v", v))
			}

			if err := sendServerMsg(h.conn, v.ServerMsg); err != nil {
				glog.Errorf("sendLoop(), error write message. session: %s, resp: %s, err: %v",
					h, v.ServerMsg, err)
				h.close(WriteError)
				return
			}
			if v.ServerMsg.Event == EventKickoff {
				h.close(KickedOff)
				return
			}
		case <-pingTicker.C:
			if err := h.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				glog.Errorf("sendLoop(), error write ping message. session: %s, err: %v", h, err)
				h.close(PingError)
				return
			}
		}
	}
}
