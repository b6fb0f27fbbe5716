package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"
)

var (
	bucketMessages      = []byte("messages")
	bucketConversations = []byte("conversations")
	bucketPairs         = []byte("pairs")
	bucketUsers         = []byte("users")
)

// BoltStore implements IChatStore on a bbolt file.
// bbolt allows one writer at a time, so every Update is atomic for all pairs.
type BoltStore struct {
	db    *bbolt.DB
	clock *clock
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMessages, bucketConversations, bucketPairs, bucketUsers} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt init buckets: %w", err)
	}

	return &BoltStore{db: db, clock: newClock(time.Microsecond)}, nil
}

func getJson(b *bbolt.Bucket, key string, v interface{}) (bool, error) {
	data := b.Get([]byte(key))
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func putJson(b *bbolt.Bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func (s *BoltStore) CreateMessage(ctx context.Context, sender string, body Body, authorID string) (*Message, error) {
	m := newMessage(NewID(), sender, body, authorID, s.clock.Now())
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return putJson(tx.Bucket(bucketMessages), m.ID, m)
	}); err != nil {
		glog.Errorf("bolt create message err: %v", err)
		return nil, err
	}
	return m, nil
}

func (s *BoltStore) GetMessages(ctx context.Context, ids []string) ([]*Message, error) {
	out := make([]*Message, 0, len(ids))
	if err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		for _, id := range ids {
			var m Message
			ok, err := getJson(b, id, &m)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, &m)
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) MarkMessagesRead(ctx context.Context, ids []string, authoredBy string) (int, error) {
	var n int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		n, err = markReadTx(tx, ids, authoredBy)
		return err
	})
	return n, err
}

func markReadTx(tx *bbolt.Tx, ids []string, authoredBy string) (int, error) {
	b := tx.Bucket(bucketMessages)
	var n int
	for _, id := range ids {
		var m Message
		ok, err := getJson(b, id, &m)
		if err != nil {
			return 0, err
		}
		if !ok || m.IsRead || m.AuthorID != authoredBy {
			continue
		}
		m.IsRead = true
		if err := putJson(b, id, &m); err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

func findByPairTx(tx *bbolt.Tx, a, b string) (*Conversation, error) {
	id := tx.Bucket(bucketPairs).Get([]byte(PairKey(a, b)))
	if id == nil {
		return nil, nil
	}
	var c Conversation
	ok, err := getJson(tx.Bucket(bucketConversations), string(id), &c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("pair %s: conversation %s: %w", PairKey(a, b), id, ErrNotFound)
	}
	c.PairKey = PairKey(a, b)
	return &c, nil
}

func (s *BoltStore) FindByPair(ctx context.Context, a, b string) (*Conversation, error) {
	var out *Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		out, err = findByPairTx(tx, a, b)
		return err
	})
	return out, err
}

func (s *BoltStore) AppendMessage(ctx context.Context, a, b, msgID string) (*Conversation, error) {
	now := s.clock.Now()
	var out *Conversation
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		c, err := findByPairTx(tx, a, b)
		if err != nil {
			return err
		}

		if c == nil {
			c = newConversation(NewID(), a, b, msgID, now)
			if err := tx.Bucket(bucketPairs).Put([]byte(c.PairKey), []byte(c.ID)); err != nil {
				return err
			}
			users := tx.Bucket(bucketUsers)
			for _, uid := range []string{a, b} {
				ub, err := users.CreateBucketIfNotExists([]byte(uid))
				if err != nil {
					return err
				}
				if err := ub.Put([]byte(c.ID), []byte{}); err != nil {
					return err
				}
			}
		} else {
			c.Messages = append(c.Messages, msgID)
			c.LastMessage = msgID
			c.UnreadCount++
			c.UpdatedAt = now
		}

		out = c
		return putJson(tx.Bucket(bucketConversations), c.ID, c)
	}); err != nil {
		glog.Errorf("bolt append message err, pair: %s, msg: %s, err: %v", PairKey(a, b), msgID, err)
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) MarkPairRead(ctx context.Context, a, b, readerID string) (*Conversation, error) {
	var out *Conversation
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		c, err := findByPairTx(tx, a, b)
		if err != nil || c == nil {
			return err
		}
		if _, err := markReadTx(tx, c.Messages, c.Peer(readerID)); err != nil {
			return err
		}
		c.UnreadCount = 0
		out = c
		return putJson(tx.Bucket(bucketConversations), c.ID, c)
	}); err != nil {
		glog.Errorf("bolt mark pair read err, pair: %s, reader: %s, err: %v", PairKey(a, b), readerID, err)
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) ListForUser(ctx context.Context, uid string) ([]*Conversation, error) {
	var out []*Conversation
	if err := s.db.View(func(tx *bbolt.Tx) error {
		ub := tx.Bucket(bucketUsers).Bucket([]byte(uid))
		if ub == nil {
			return nil
		}
		convs := tx.Bucket(bucketConversations)
		return ub.ForEach(func(k, _ []byte) error {
			var c Conversation
			ok, err := getJson(convs, string(k), &c)
			if err != nil {
				return err
			}
			if ok {
				c.PairKey = PairKey(c.Sender, c.Receiver)
				out = append(out, &c)
			}
			return nil
		})
	}); err != nil {
		return nil, err
	}
	sortByRecency(out)
	return out, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
