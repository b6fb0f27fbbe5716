package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements IChatStore in process memory.
// Conversations are copy-on-write snapshots: writers for the same pair are
// serialized by pairLocks, readers never see a half updated record.
type MemoryStore struct {
	sync.RWMutex
	messages      map[string]*Message
	conversations map[string]*Conversation // pair key -> conversation
	pairLocks     *keyedMutex
	clock         *clock
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:      make(map[string]*Message),
		conversations: make(map[string]*Conversation),
		pairLocks:     newKeyedMutex(),
		clock:         newClock(time.Microsecond),
	}
}

func (s *MemoryStore) CreateMessage(ctx context.Context, sender string, body Body, authorID string) (*Message, error) {
	m := newMessage(NewID(), sender, body, authorID, s.clock.Now())
	s.Lock()
	s.messages[m.ID] = m
	s.Unlock()
	return m.clone(), nil
}

func (s *MemoryStore) GetMessages(ctx context.Context, ids []string) ([]*Message, error) {
	s.RLock()
	defer s.RUnlock()
	out := make([]*Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			out = append(out, m.clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkMessagesRead(ctx context.Context, ids []string, authoredBy string) (int, error) {
	s.Lock()
	defer s.Unlock()
	return s.markReadLocked(ids, authoredBy), nil
}

func (s *MemoryStore) markReadLocked(ids []string, authoredBy string) int {
	var n int
	for _, id := range ids {
		m, ok := s.messages[id]
		if !ok || m.IsRead || m.AuthorID != authoredBy {
			continue
		}
		// replace instead of mutate: clones handed out earlier stay untouched.
		updated := m.clone()
		updated.IsRead = true
		s.messages[id] = updated
		n++
	}
	return n
}

func (s *MemoryStore) FindByPair(ctx context.Context, a, b string) (*Conversation, error) {
	s.RLock()
	defer s.RUnlock()
	return s.conversations[PairKey(a, b)].clone(), nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, a, b, msgID string) (*Conversation, error) {
	key := PairKey(a, b)
	unlock := s.pairLocks.Lock(key)
	defer unlock()

	now := s.clock.Now()

	s.RLock()
	cur := s.conversations[key]
	s.RUnlock()

	var next *Conversation
	if cur == nil {
		next = newConversation(NewID(), a, b, msgID, now)
	} else {
		next = cur.clone()
		next.Messages = append(next.Messages, msgID)
		next.LastMessage = msgID
		next.UnreadCount++
		next.UpdatedAt = now
	}

	s.Lock()
	s.conversations[key] = next
	s.Unlock()
	return next.clone(), nil
}

func (s *MemoryStore) MarkPairRead(ctx context.Context, a, b, readerID string) (*Conversation, error) {
	key := PairKey(a, b)
	unlock := s.pairLocks.Lock(key)
	defer unlock()

	s.Lock()
	defer s.Unlock()
	cur := s.conversations[key]
	if cur == nil {
		return nil, nil
	}

	s.markReadLocked(cur.Messages, cur.Peer(readerID))
	next := cur.clone()
	next.UnreadCount = 0
	s.conversations[key] = next
	return next.clone(), nil
}

func (s *MemoryStore) ListForUser(ctx context.Context, uid string) ([]*Conversation, error) {
	s.RLock()
	var out []*Conversation
	for _, c := range s.conversations {
		if c.Has(uid) {
			out = append(out, c.clone())
		}
	}
	s.RUnlock()
	sortByRecency(out)
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
