package store

import (
	"time"
)

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeVideo MessageType = "video"
	MessageTypeAudio MessageType = "audio"
)

// Body is the payload of a message. More than one field may be set, the
// message type is picked by precedence: text > image > video > audio.
type Body struct {
	Text     string `json:"text" bson:"text"`
	ImageURL string `json:"imageUrl" bson:"image_url"`
	VideoURL string `json:"videoUrl" bson:"video_url"`
	AudioURL string `json:"audioUrl" bson:"audio_url"`
}

// Type returns the authoritative type of the body.
// An empty body is a text message.
func (b Body) Type() MessageType {
	switch {
	case b.Text != "":
		return MessageTypeText
	case b.ImageURL != "":
		return MessageTypeImage
	case b.VideoURL != "":
		return MessageTypeVideo
	case b.AudioURL != "":
		return MessageTypeAudio
	}
	return MessageTypeText
}

// Message is immutable once created, except for IsRead.
type Message struct {
	ID       string      `json:"_id" bson:"_id"`
	Sender   string      `json:"sender" bson:"sender"`
	Body     `bson:",inline"`
	Type     MessageType `json:"messageType" bson:"message_type"`
	AuthorID string      `json:"messageByUserId" bson:"by_user_id"`
	IsRead   bool        `json:"isRead" bson:"is_read"`

	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
}

func (m *Message) clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	return &out
}

// Conversation is the thread between an unordered pair of users.
// Sender and Receiver keep the direction of the first message.
type Conversation struct {
	ID          string   `json:"_id" bson:"_id"`
	PairKey     string   `json:"-" bson:"pair_key"`
	Sender      string   `json:"sender" bson:"sender"`
	Receiver    string   `json:"receiver" bson:"receiver"`
	Messages    []string `json:"messages" bson:"messages"`
	LastMessage string   `json:"lastMessage,omitempty" bson:"last_message,omitempty"`
	UnreadCount int      `json:"unreadCount" bson:"unread_count"`

	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updated_at"`
}

// Peer returns the participant that is not uid.
func (c *Conversation) Peer(uid string) string {
	if c.Sender == uid {
		return c.Receiver
	}
	return c.Sender
}

// Has reports whether uid is one of the participants.
func (c *Conversation) Has(uid string) bool {
	return c.Sender == uid || c.Receiver == uid
}

func (c *Conversation) clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = append([]string(nil), c.Messages...)
	return &out
}
