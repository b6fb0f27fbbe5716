package store

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pborman/uuid"
)

// PairKey returns the key of an unordered user pair: PairKey(a, b) == PairKey(b, a).
// Ids may contain any char, so the smaller id is length prefixed to keep
// distinct pairs apart: ("a:b", "c") and ("a", "b:c") get different keys.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return strconv.Itoa(len(a)) + ":" + a + ":" + b
}

// NewID returns a random 32 chars hex id.
func NewID() string {
	return strings.ReplaceAll(uuid.New(), "-", "")
}

// clock returns strictly increasing timestamps, truncated to resolution.
type clock struct {
	sync.Mutex
	resolution time.Duration
	last       time.Time
	now        func() time.Time
}

func newClock(resolution time.Duration) *clock {
	return &clock{resolution: resolution, now: time.Now}
}

func (c *clock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	t := c.now().UTC().Truncate(c.resolution)
	if !t.After(c.last) {
		t = c.last.Add(c.resolution)
	}
	c.last = t
	return t
}

// keyedMutex serializes callers per key. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock locks key and returns the unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// sortByRecency sorts by UpdatedAt DESC, ties by ID.
func sortByRecency(slice []*Conversation) {
	sort.Slice(slice, func(i, j int) bool {
		if !slice[i].UpdatedAt.Equal(slice[j].UpdatedAt) {
			return slice[i].UpdatedAt.After(slice[j].UpdatedAt)
		}
		return slice[i].ID < slice[j].ID
	})
}

// orderByIds reorders msgs to follow ids, skipping unknown ids.
func orderByIds(ids []string, msgs []*Message) []*Message {
	byId := make(map[string]*Message, len(msgs))
	for _, m := range msgs {
		byId[m.ID] = m
	}
	out := make([]*Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := byId[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

func newMessage(id string, sender string, body Body, authorID string, t time.Time) *Message {
	return &Message{
		ID:        id,
		Sender:    sender,
		Body:      body,
		Type:      body.Type(),
		AuthorID:  authorID,
		CreatedAt: t,
	}
}

func newConversation(id, a, b, msgID string, t time.Time) *Conversation {
	return &Conversation{
		ID:          id,
		PairKey:     PairKey(a, b),
		Sender:      a,
		Receiver:    b,
		Messages:    []string{msgID},
		LastMessage: msgID,
		UnreadCount: 1,
		CreatedAt:   t,
		UpdatedAt:   t,
	}
}
