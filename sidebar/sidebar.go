// Package sidebar projects a user's conversations into the recency ordered
// summary list shown next to the chat window. Nothing here is cached, every
// call reads the store.
package sidebar

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/account"
	"github.com/mqy/minichat/store"
)

const (
	DefaultLayout = "03:04 PM"

	EmptyPreview = "Start a conversation"
)

// Entry is one row of the sidebar.
type Entry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ProfilePic  string `json:"profile_pic"`
	Message     string `json:"message"`
	Time        string `json:"time"`
	IsRead      bool   `json:"isRead"`
	IsArchived  bool   `json:"isArchived"`
	UnreadCount int    `json:"unreadCount"`
}

type Projector struct {
	store     store.IChatStore
	directory account.Directory

	// Layout formats the last activity time, see time.Format.
	Layout   string
	Location *time.Location
}

func NewProjector(s store.IChatStore, d account.Directory) *Projector {
	return &Projector{
		store:     s,
		directory: d,
		Layout:    DefaultLayout,
		Location:  time.Local,
	}
}

// Preview returns the one line summary of m.
func Preview(m *store.Message) string {
	if m == nil {
		return EmptyPreview
	}
	switch m.Body.Type() {
	case store.MessageTypeImage:
		return "Image"
	case store.MessageTypeVideo:
		return "Video"
	case store.MessageTypeAudio:
		return "Audio"
	}
	if m.Text == "" {
		return EmptyPreview
	}
	return m.Text
}

// Project returns the sidebar of uid, most recently updated conversation
// first. Peers missing from the directory are skipped.
func (p *Projector) Project(ctx context.Context, uid string) ([]*Entry, error) {
	convs, err := p.store.ListForUser(ctx, uid)
	if err != nil {
		return nil, err
	}

	lastIds := make([]string, 0, len(convs))
	for _, c := range convs {
		if c.LastMessage != "" {
			lastIds = append(lastIds, c.LastMessage)
		}
	}
	msgs, err := p.store.GetMessages(ctx, lastIds)
	if err != nil {
		return nil, err
	}
	byId := make(map[string]*store.Message, len(msgs))
	for _, m := range msgs {
		byId[m.ID] = m
	}

	entries := make([]*Entry, 0, len(convs))
	for _, c := range convs {
		peer := c.Peer(uid)
		profile, err := p.directory.FindByID(ctx, peer)
		if err != nil {
			if errors.Is(err, account.ErrNotFound) {
				glog.Warningf("sidebar of %s: skip conversation %s, peer %s not found", uid, c.ID, peer)
				continue
			}
			return nil, err
		}
		entries = append(entries, p.entry(profile, c, byId[c.LastMessage]))
	}
	return entries, nil
}

func (p *Projector) entry(peer *account.Profile, c *store.Conversation, last *store.Message) *Entry {
	e := &Entry{
		ID:          peer.ID,
		Name:        peer.Name,
		ProfilePic:  peer.Avatar(),
		Message:     Preview(last),
		IsRead:      true,
		UnreadCount: c.UnreadCount,
	}
	if last != nil {
		e.IsRead = last.IsRead
		e.Time = p.format(last.CreatedAt)
	}
	return e
}

func (p *Projector) format(t time.Time) string {
	loc := p.Location
	if loc == nil {
		loc = time.Local
	}
	layout := p.Layout
	if layout == "" {
		layout = DefaultLayout
	}
	return t.In(loc).Format(layout)
}
