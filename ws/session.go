package ws

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// State of a connection. Transitions only move forward:
// Connecting -> Authenticated -> Active -> Closed. Any state may jump to Closed.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Session describes one websocket connection of a user.
type Session struct {
	Uid        string    `json:"uid"`
	Sid        string    `json:"sid"`
	CreateTime time.Time `json:"create_time"`
	Ip         string    `json:"ip"`

	state int32
}

func newSession(sid, ip string) *Session {
	return &Session{Sid: sid, Ip: ip, CreateTime: time.Now()}
}

func (s *Session) State() State {
	return State(atomic.LoadInt32(&s.state))
}

// authenticate binds the session to uid.
func (s *Session) authenticate(uid string) error {
	if !s.transit(StateConnecting, StateAuthenticated) {
		return fmt.Errorf("session %s: authenticate in state %s", s.Sid, s.State())
	}
	s.Uid = uid
	return nil
}

func (s *Session) activate() error {
	if !s.transit(StateAuthenticated, StateActive) {
		return fmt.Errorf("session %s: activate in state %s", s.Sid, s.State())
	}
	return nil
}

// markClosed reports whether the session was not closed before.
func (s *Session) markClosed() bool {
	for {
		cur := atomic.LoadInt32(&s.state)
		if State(cur) == StateClosed {
			return false
		}
		if atomic.CompareAndSwapInt32(&s.state, cur, int32(StateClosed)) {
			return true
		}
	}
}

func (s *Session) transit(from, to State) bool {
	return atomic.CompareAndSwapInt32(&s.state, int32(from), int32(to))
}

func (s *Session) String() string {
	out, _ := json.Marshal(s)
	return fmt.Sprintf("%s, state: %s", out, s.State())
}
