package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
)

const (
	insertMessageSQL = "INSERT INTO messages (id,sender,text,image_url,video_url,audio_url,message_type,by_user_id,is_read,create_time) " +
		"VALUES (?,?,?,?,?,?,?,?,0,?)"
	getMessagesSQL = "SELECT id,sender,text,image_url,video_url,audio_url,message_type,by_user_id,is_read,create_time " +
		"FROM messages WHERE id IN (%s)"
	markReadSQL = "UPDATE messages SET is_read = 1 WHERE id IN (%s) AND by_user_id = ? AND is_read = 0"

	getConvSQL = "SELECT id,sender,receiver,last_message,unread_count,create_time,update_time " +
		"FROM conversations WHERE pair_key = ?"
	lockConvSQL = getConvSQL + " FOR UPDATE"
	listConvSQL = "SELECT id,sender,receiver,last_message,unread_count,create_time,update_time " +
		"FROM conversations WHERE sender = ? OR receiver = ? ORDER BY update_time DESC, id"
	insertConvSQL = "INSERT INTO conversations (id,pair_key,sender,receiver,last_message,unread_count,create_time,update_time) " +
		"VALUES (?,?,?,?,?,1,?,?)"
	updateConvSQL    = "UPDATE conversations SET last_message=?, unread_count=unread_count+1, update_time=? WHERE id=?"
	resetUnreadSQL   = "UPDATE conversations SET unread_count=0 WHERE id=?"
	getConvMsgsSQL   = "SELECT message_id FROM conversation_messages WHERE conversation_id=? ORDER BY pos"
	insertConvMsgSQL = "INSERT INTO conversation_messages (conversation_id,pos,message_id) " +
		"SELECT ?, COUNT(*), ? FROM conversation_messages WHERE conversation_id=?"
	markPairReadSQL = "UPDATE messages AS m, conversation_messages AS cm SET m.is_read = 1 " +
		"WHERE cm.conversation_id = ? AND cm.message_id = m.id AND m.by_user_id = ? AND m.is_read = 0"
)

// Schema is the MySQL DDL used by MySQLStore, see Migrate.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id CHAR(32) NOT NULL PRIMARY KEY,
		sender VARCHAR(64) NOT NULL,
		text TEXT NOT NULL,
		image_url VARCHAR(1024) NOT NULL DEFAULT '',
		video_url VARCHAR(1024) NOT NULL DEFAULT '',
		audio_url VARCHAR(1024) NOT NULL DEFAULT '',
		message_type VARCHAR(8) NOT NULL,
		by_user_id VARCHAR(64) NOT NULL,
		is_read TINYINT NOT NULL DEFAULT 0,
		create_time DATETIME(6) NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id CHAR(32) NOT NULL PRIMARY KEY,
		pair_key VARCHAR(140) NOT NULL,
		sender VARCHAR(64) NOT NULL,
		receiver VARCHAR(64) NOT NULL,
		last_message CHAR(32) NOT NULL,
		unread_count INT NOT NULL DEFAULT 0,
		create_time DATETIME(6) NOT NULL,
		update_time DATETIME(6) NOT NULL,
		UNIQUE KEY uk_pair (pair_key),
		KEY idx_sender (sender),
		KEY idx_receiver (receiver)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS conversation_messages (
		conversation_id CHAR(32) NOT NULL,
		pos INT NOT NULL,
		message_id CHAR(32) NOT NULL,
		PRIMARY KEY (conversation_id, pos)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// MySQLStore implements IChatStore on MySQL. Per pair atomicity comes from
// `SELECT ... FOR UPDATE` on the conversation row inside a transaction.
type MySQLStore struct {
	*sql.DB
	clock *clock
}

func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{DB: db, clock: newClock(time.Microsecond)}
}

// Migrate creates missing tables.
func (s *MySQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := s.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *MySQLStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  false,
		}
	} else {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

func IsDupKeyError(err error) bool {
	var val *mysql.MySQLError
	if errors.As(err, &val) {
		return val.Number == 1062
	}
	return false
}

func IsDeadlockError(err error) bool {
	var val *mysql.MySQLError
	if errors.As(err, &val) {
		return val.Number == 1213
	}
	return false
}

func isLockConflict(err error) bool {
	return IsDeadlockError(err) || IsDupKeyError(err)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ids []string, extra ...interface{}) []interface{} {
	args := make([]interface{}, 0, len(ids)+len(extra))
	for _, id := range ids {
		args = append(args, id)
	}
	return append(args, extra...)
}

func (s *MySQLStore) CreateMessage(ctx context.Context, sender string, body Body, authorID string) (*Message, error) {
	m := newMessage(NewID(), sender, body, authorID, s.clock.Now())
	if _, err := s.ExecContext(ctx, insertMessageSQL, m.ID, m.Sender, m.Text, m.ImageURL, m.VideoURL, m.AudioURL,
		string(m.Type), m.AuthorID, m.CreatedAt); err != nil {
		glog.Errorf("insert message exec err: %v", err)
		return nil, err
	}
	return m, nil
}

func (s *MySQLStore) GetMessages(ctx context.Context, ids []string) ([]*Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.QueryContext(ctx, fmt.Sprintf(getMessagesSQL, placeholders(len(ids))), stringArgs(ids)...)
	if err != nil {
		glog.Errorf("get messages query err: %v", err)
		return nil, err
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		var msgType string
		if err := rows.Scan(&m.ID, &m.Sender, &m.Text, &m.ImageURL, &m.VideoURL, &m.AudioURL,
			&msgType, &m.AuthorID, &m.IsRead, &m.CreatedAt); err != nil {
			glog.Errorf("get messages scan err: %v", err)
			return nil, err
		}
		m.Type = MessageType(msgType)
		m.CreatedAt = m.CreatedAt.UTC()
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orderByIds(ids, msgs), nil
}

func (s *MySQLStore) MarkMessagesRead(ctx context.Context, ids []string, authoredBy string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.ExecContext(ctx, fmt.Sprintf(markReadSQL, placeholders(len(ids))), stringArgs(ids, authoredBy)...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func scanConversation(row interface{ Scan(...interface{}) error }) (*Conversation, error) {
	var c Conversation
	if err := row.Scan(&c.ID, &c.Sender, &c.Receiver, &c.LastMessage, &c.UnreadCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.PairKey = PairKey(c.Sender, c.Receiver)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func (s *MySQLStore) loadMessageIds(ctx context.Context, q queryer, c *Conversation) error {
	rows, err := q.QueryContext(ctx, getConvMsgsSQL, c.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	c.Messages = c.Messages[:0]
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		c.Messages = append(c.Messages, id)
	}
	return rows.Err()
}

// getConversation reads the conversation of pair key, nil when not found.
func (s *MySQLStore) getConversation(ctx context.Context, q queryer, query, key string) (*Conversation, error) {
	c, err := scanConversation(q.QueryRowContext(ctx, query, key))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		glog.Errorf("get conversation scan err: %v", err)
		return nil, err
	}
	if err := s.loadMessageIds(ctx, q, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *MySQLStore) FindByPair(ctx context.Context, a, b string) (*Conversation, error) {
	return s.getConversation(ctx, s.DB, getConvSQL, PairKey(a, b))
}

// maxTxAttempts bounds retries of a transaction that lost a lock race.
const maxTxAttempts = 5

// AppendMessage locks the pair row with `SELECT ... FOR UPDATE`. On a new
// pair that lock is a gap lock, and two first sends racing on the same pair
// end in a deadlock (1213) or a duplicate key (1062) for one of them; that
// transaction is rolled back and retried, finding the row committed by the
// winner.
func (s *MySQLStore) AppendMessage(ctx context.Context, a, b, msgID string) (*Conversation, error) {
	var out *Conversation
	err := retryTx(ctx, maxTxAttempts, func() error {
		var err error
		out, err = s.appendMessage(ctx, a, b, msgID)
		return err
	})
	if err != nil {
		glog.Errorf("append message err, pair: %s, msg: %s, err: %v", PairKey(a, b), msgID, err)
		return nil, err
	}
	return out, nil
}

func (s *MySQLStore) appendMessage(ctx context.Context, a, b, msgID string) (*Conversation, error) {
	key := PairKey(a, b)
	var out *Conversation

	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		now := s.clock.Now()

		// select for update
		c, err := s.getConversation(ctx, tx, lockConvSQL, key)
		if err != nil {
			return err
		}

		if c == nil {
			c = newConversation(NewID(), a, b, msgID, now)
			if _, err := tx.ExecContext(ctx, insertConvSQL, c.ID, key, a, b, msgID, now, now); err != nil {
				return err
			}
		} else {
			if _, err := tx.ExecContext(ctx, updateConvSQL, msgID, now, c.ID); err != nil {
				return err
			}
			c.Messages = append(c.Messages, msgID)
			c.LastMessage = msgID
			c.UnreadCount++
			c.UpdatedAt = now
		}

		if _, err := tx.ExecContext(ctx, insertConvMsgSQL, c.ID, msgID, c.ID); err != nil {
			return err
		}
		out = c
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// retryTx runs fn up to attempts times while it fails with a lock conflict.
func retryTx(ctx context.Context, attempts int, fn func() error) error {
	var err error
	for i := 1; ; i++ {
		if err = fn(); err == nil || !isLockConflict(err) || i >= attempts {
			return err
		}
		glog.Warningf("transaction attempt %d lost a lock race, retry: %v", i, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i) * 5 * time.Millisecond):
		}
	}
}

func (s *MySQLStore) MarkPairRead(ctx context.Context, a, b, readerID string) (*Conversation, error) {
	var out *Conversation
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		c, err := s.getConversation(ctx, tx, lockConvSQL, PairKey(a, b))
		if err != nil || c == nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, markPairReadSQL, c.ID, c.Peer(readerID)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, resetUnreadSQL, c.ID); err != nil {
			return err
		}
		c.UnreadCount = 0
		out = c
		return nil
	}); err != nil {
		glog.Errorf("mark pair read err, pair: %s, reader: %s, err: %v", PairKey(a, b), readerID, err)
		return nil, err
	}
	return out, nil
}

func (s *MySQLStore) ListForUser(ctx context.Context, uid string) ([]*Conversation, error) {
	rows, err := s.QueryContext(ctx, listConvSQL, uid, uid)
	if err != nil {
		glog.Errorf("list conversations query err: %v", err)
		return nil, err
	}
	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range out {
		if err := s.loadMessageIds(ctx, s.DB, c); err != nil {
			return nil, err
		}
	}
	sortByRecency(out)
	return out, nil
}

func (s *MySQLStore) Close() error {
	return s.DB.Close()
}
