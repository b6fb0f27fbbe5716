package store

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("store: not found")

// IMessageLog is the durable append-only log of messages.
type IMessageLog interface {
	// CreateMessage assigns id and creation time, derives the message type from body,
	// and stores the message as unread.
	CreateMessage(ctx context.Context, sender string, body Body, authorID string) (*Message, error)

	// GetMessages returns messages in the order of ids. Unknown ids are skipped.
	GetMessages(ctx context.Context, ids []string) ([]*Message, error)

	// MarkMessagesRead flips IsRead for messages in ids that are authored by
	// authoredBy and are still unread. Returns the number of changed messages.
	MarkMessagesRead(ctx context.Context, ids []string, authoredBy string) (int, error)
}

// IConversationStore keeps one conversation per unordered user pair.
// All lookups are symmetric in (a, b).
type IConversationStore interface {
	// FindByPair returns nil and no error when the pair has no conversation.
	FindByPair(ctx context.Context, a, b string) (*Conversation, error)

	// AppendMessage appends msgID to the conversation of (a, b), creating it on the
	// first message, and increments the unread counter. Atomic per pair.
	AppendMessage(ctx context.Context, a, b, msgID string) (*Conversation, error)

	// MarkPairRead marks all unread messages authored by the party other than readerID
	// as read, then resets the unread counter. Returns nil when no conversation exists.
	MarkPairRead(ctx context.Context, a, b, readerID string) (*Conversation, error)

	// ListForUser returns the conversations of uid, most recently updated first.
	ListForUser(ctx context.Context, uid string) ([]*Conversation, error)
}

type IChatStore interface {
	IMessageLog
	IConversationStore

	Close() error
}
