package store

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	messagesCollection      = "messages"
	conversationsCollection = "conversations"
)

// MongoStore implements IChatStore on MongoDB.
// Appends are a single upserting findAndModify on the unique pair_key. Read
// marking spans two collections, so it is serialized with appends of the same
// pair by pairLocks (one server process owns the store).
type MongoStore struct {
	msgCol    *mongo.Collection
	convCol   *mongo.Collection
	pairLocks *keyedMutex
	clock     *clock
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		msgCol:    db.Collection(messagesCollection),
		convCol:   db.Collection(conversationsCollection),
		pairLocks: newKeyedMutex(),
		// BSON dates keep milliseconds.
		clock: newClock(time.Millisecond),
	}
}

// EnsureIndexes creates the unique pair index and the per user lookup indexes.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.convCol.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "pair_key", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "sender", Value: 1}, {Key: "updated_at", Value: -1}}},
		{Keys: bson.D{{Key: "receiver", Value: 1}, {Key: "updated_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create conversation indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) CreateMessage(ctx context.Context, sender string, body Body, authorID string) (*Message, error) {
	m := newMessage(NewID(), sender, body, authorID, s.clock.Now())
	if _, err := s.msgCol.InsertOne(ctx, m); err != nil {
		glog.Errorf("mongo insert message err: %v", err)
		return nil, err
	}
	return m, nil
}

func (s *MongoStore) GetMessages(ctx context.Context, ids []string) ([]*Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cur, err := s.msgCol.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var msgs []*Message
	for cur.Next(ctx) {
		var m Message
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		msgs = append(msgs, &m)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return orderByIds(ids, msgs), nil
}

func (s *MongoStore) MarkMessagesRead(ctx context.Context, ids []string, authoredBy string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.msgCol.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "by_user_id": authoredBy, "is_read": false},
		bson.M{"$set": bson.M{"is_read": true}},
	)
	if err != nil {
		return 0, err
	}
	return int(res.ModifiedCount), nil
}

func (s *MongoStore) findByKey(ctx context.Context, key string) (*Conversation, error) {
	var c Conversation
	if err := s.convCol.FindOne(ctx, bson.M{"pair_key": key}).Decode(&c); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	normalize(&c)
	return &c, nil
}

func normalize(c *Conversation) {
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	if c.Messages == nil {
		c.Messages = []string{}
	}
}

func (s *MongoStore) FindByPair(ctx context.Context, a, b string) (*Conversation, error) {
	return s.findByKey(ctx, PairKey(a, b))
}

func (s *MongoStore) AppendMessage(ctx context.Context, a, b, msgID string) (*Conversation, error) {
	key := PairKey(a, b)
	unlock := s.pairLocks.Lock(key)
	defer unlock()

	now := s.clock.Now()
	update := bson.M{
		"$push": bson.M{"messages": msgID},
		"$set":  bson.M{"last_message": msgID, "updated_at": now},
		"$inc":  bson.M{"unread_count": 1},
		"$setOnInsert": bson.M{
			"_id":        NewID(),
			"sender":     a,
			"receiver":   b,
			"created_at": now,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var c Conversation
	err := s.convCol.FindOneAndUpdate(ctx, bson.M{"pair_key": key}, update, opts).Decode(&c)
	if mongo.IsDuplicateKeyError(err) {
		// lost an upsert race against another writer, the document exists now.
		err = s.convCol.FindOneAndUpdate(ctx, bson.M{"pair_key": key}, update, opts).Decode(&c)
	}
	if err != nil {
		glog.Errorf("mongo append message err, pair: %s, msg: %s, err: %v", key, msgID, err)
		return nil, err
	}
	normalize(&c)
	return &c, nil
}

func (s *MongoStore) MarkPairRead(ctx context.Context, a, b, readerID string) (*Conversation, error) {
	key := PairKey(a, b)
	unlock := s.pairLocks.Lock(key)
	defer unlock()

	c, err := s.findByKey(ctx, key)
	if err != nil || c == nil {
		return nil, err
	}
	if _, err := s.MarkMessagesRead(ctx, c.Messages, c.Peer(readerID)); err != nil {
		glog.Errorf("mongo mark pair read err, pair: %s, reader: %s, err: %v", key, readerID, err)
		return nil, err
	}
	if _, err := s.convCol.UpdateOne(ctx, bson.M{"_id": c.ID}, bson.M{"$set": bson.M{"unread_count": 0}}); err != nil {
		glog.Errorf("mongo reset unread err, pair: %s, err: %v", key, err)
		return nil, err
	}
	c.UnreadCount = 0
	return c, nil
}

func (s *MongoStore) ListForUser(ctx context.Context, uid string) ([]*Conversation, error) {
	filter := bson.M{"$or": []bson.M{{"sender": uid}, {"receiver": uid}}}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: 1}})
	cur, err := s.convCol.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*Conversation
	for cur.Next(ctx) {
		var c Conversation
		if err := cur.Decode(&c); err != nil {
			return nil, err
		}
		normalize(&c)
		out = append(out, &c)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	sortByRecency(out)
	return out, nil
}

// Close is a no-op, the client is owned by the caller.
func (s *MongoStore) Close() error {
	return nil
}
