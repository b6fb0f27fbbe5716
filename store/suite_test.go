package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite runs backend independent checks against a fresh store per case.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) IChatStore) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s IChatStore)
	}{
		{"FindByPairSymmetric", testFindByPairSymmetric},
		{"PairsWithSeparatorInIds", testPairsWithSeparatorInIds},
		{"AppendCreatesConversation", testAppendCreatesConversation},
		{"ConcurrentAppend", testConcurrentAppend},
		{"MarkPairRead", testMarkPairRead},
		{"MarkPairReadMissing", testMarkPairReadMissing},
		{"MarkMessagesReadGuards", testMarkMessagesReadGuards},
		{"ListForUserByRecency", testListForUserByRecency},
		{"GetMessagesOrder", testGetMessagesOrder},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			c.fn(t, newStore(t))
		})
	}
}

func send(t *testing.T, s IChatStore, from, to, text string) (*Message, *Conversation) {
	ctx := context.Background()
	m, err := s.CreateMessage(ctx, from, Body{Text: text}, from)
	require.NoError(t, err)
	c, err := s.AppendMessage(ctx, from, to, m.ID)
	require.NoError(t, err)
	return m, c
}

func testFindByPairSymmetric(t *testing.T, s IChatStore) {
	ctx := context.Background()
	c, err := s.FindByPair(ctx, "a", "b")
	require.NoError(t, err)
	assert.Nil(t, c)

	send(t, s, "b", "a", "hi")

	ab, err := s.FindByPair(ctx, "a", "b")
	require.NoError(t, err)
	ba, err := s.FindByPair(ctx, "b", "a")
	require.NoError(t, err)
	require.NotNil(t, ab)
	assert.Equal(t, ab.ID, ba.ID)
	assert.Equal(t, ab.Messages, ba.Messages)
	assert.Equal(t, "b", ab.Sender)
	assert.Equal(t, "a", ab.Receiver)
}

func testPairsWithSeparatorInIds(t *testing.T, s IChatStore) {
	ctx := context.Background()
	_, c1 := send(t, s, "a:b", "c", "to c")

	c, err := s.FindByPair(ctx, "a", "b:c")
	require.NoError(t, err)
	assert.Nil(t, c)

	_, c2 := send(t, s, "a", "b:c", "to b:c")
	assert.NotEqual(t, c1.ID, c2.ID)
	assert.Equal(t, 1, c2.UnreadCount)

	read, err := s.MarkPairRead(ctx, "a", "b:c", "b:c")
	require.NoError(t, err)
	require.NotNil(t, read)
	assert.Equal(t, c2.ID, read.ID)

	c, err = s.FindByPair(ctx, "c", "a:b")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, c1.ID, c.ID)
	assert.Equal(t, 1, c.UnreadCount)

	convs, err := s.ListForUser(ctx, "a")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, c2.ID, convs[0].ID)
}

func testAppendCreatesConversation(t *testing.T, s IChatStore) {
	m1, c := send(t, s, "a", "b", "one")
	assert.Equal(t, []string{m1.ID}, c.Messages)
	assert.Equal(t, m1.ID, c.LastMessage)
	assert.Equal(t, 1, c.UnreadCount)

	m2, c2 := send(t, s, "b", "a", "two")
	assert.Equal(t, c.ID, c2.ID)
	assert.Equal(t, []string{m1.ID, m2.ID}, c2.Messages)
	assert.Equal(t, m2.ID, c2.LastMessage)
	assert.Equal(t, 2, c2.UnreadCount)
	assert.False(t, c2.UpdatedAt.Before(c.UpdatedAt))
}

func testConcurrentAppend(t *testing.T, s IChatStore) {
	const N = 50
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, N)
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := "a", "b"
			if i%2 == 1 {
				from, to = to, from
			}
			m, err := s.CreateMessage(ctx, from, Body{Text: fmt.Sprintf("m%d", i)}, from)
			if err != nil {
				errs <- err
				return
			}
			if _, err := s.AppendMessage(ctx, from, to, m.ID); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	c, err := s.FindByPair(ctx, "a", "b")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, N, c.UnreadCount)
	assert.Len(t, c.Messages, N)

	seen := make(map[string]bool)
	for _, id := range c.Messages {
		assert.False(t, seen[id], "duplicated message id %s", id)
		seen[id] = true
	}
	assert.Equal(t, c.Messages[N-1], c.LastMessage)
}

func testMarkPairRead(t *testing.T, s IChatStore) {
	ctx := context.Background()
	fromA, _ := send(t, s, "a", "b", "from a")
	fromB, _ := send(t, s, "b", "a", "from b")

	c, err := s.MarkPairRead(ctx, "b", "a", "a")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 0, c.UnreadCount)

	msgs, err := s.GetMessages(ctx, []string{fromA.ID, fromB.ID})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.False(t, msgs[0].IsRead, "reader's own message stays unread")
	assert.True(t, msgs[1].IsRead)

	again, err := s.FindByPair(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, 0, again.UnreadCount)
	assert.Len(t, again.Messages, 2)
}

func testMarkPairReadMissing(t *testing.T, s IChatStore) {
	c, err := s.MarkPairRead(context.Background(), "x", "y", "x")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func testMarkMessagesReadGuards(t *testing.T, s IChatStore) {
	ctx := context.Background()
	m, _ := send(t, s, "a", "b", "hello")

	n, err := s.MarkMessagesRead(ctx, []string{m.ID}, "b")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "author mismatch")

	n, err = s.MarkMessagesRead(ctx, []string{m.ID}, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.MarkMessagesRead(ctx, []string{m.ID}, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "already read")

	n, err = s.MarkMessagesRead(ctx, nil, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testListForUserByRecency(t *testing.T, s IChatStore) {
	ctx := context.Background()
	send(t, s, "a", "b", "1")
	send(t, s, "c", "a", "2")
	send(t, s, "d", "e", "3")
	send(t, s, "b", "a", "4")

	convs, err := s.ListForUser(ctx, "a")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "b", convs[0].Peer("a"))
	assert.Equal(t, "c", convs[1].Peer("a"))

	none, err := s.ListForUser(ctx, "z")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testGetMessagesOrder(t *testing.T, s IChatStore) {
	ctx := context.Background()
	m1, err := s.CreateMessage(ctx, "a", Body{ImageURL: "i.png"}, "a")
	require.NoError(t, err)
	m2, err := s.CreateMessage(ctx, "a", Body{Text: "t", AudioURL: "a.mp3"}, "a")
	require.NoError(t, err)
	assert.True(t, m2.CreatedAt.After(m1.CreatedAt))
	assert.False(t, m1.IsRead)

	msgs, err := s.GetMessages(ctx, []string{m2.ID, "unknown", m1.ID})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, m2.ID, msgs[0].ID)
	assert.Equal(t, MessageTypeText, msgs[0].Type)
	assert.Equal(t, "a.mp3", msgs[0].AudioURL)
	assert.Equal(t, m1.ID, msgs[1].ID)
	assert.Equal(t, MessageTypeImage, msgs[1].Type)
	assert.Equal(t, "a", msgs[1].AuthorID)
}
