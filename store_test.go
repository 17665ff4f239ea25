package chatkit

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/elixxir/ekv"
)

func TestStoreInsertIsIdempotent(t *testing.T) {
	s := newMessageStore("me", nil, nil)
	key := NewConversationKey("me", "alice")

	m := testMessage("m1", "alice", "me", "hi")
	s.ApplyIncomingMessage(m)
	s.ApplyIncomingMessage(m)

	msgs := s.Messages(key)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

func TestStoreEditReplacesContentInPlace(t *testing.T) {
	s := newMessageStore("me", nil, nil)
	key := NewConversationKey("me", "alice")

	s.ApplyIncomingMessage(testMessage("m1", "me", "alice", "10 crates"))
	s.ApplyIncomingMessage(testMessage("m2", "me", "alice", "deal"))

	edited := testMessage("m1", "me", "alice", "12 crates")
	s.ApplyEdit(edited)

	msgs := s.Messages(key)
	require.Len(t, msgs, 2)
	assert.Equal(t, "12 crates", msgs[0].Content)
	assert.True(t, msgs[0].IsEdited)
	assert.Equal(t, "deal", msgs[1].Content)
	assert.False(t, msgs[1].IsEdited)
}

func TestStoreEditUnknownMessageIsNoop(t *testing.T) {
	s := newMessageStore("me", nil, nil)
	assert.NotPanics(t, func() {
		s.ApplyEdit(testMessage("ghost", "me", "alice", "nothing"))
	})
	assert.Empty(t, s.Conversations())
}

func TestStoreDeletionRemovesMessage(t *testing.T) {
	s := newMessageStore("me", nil, nil)
	key := NewConversationKey("me", "alice")

	s.ApplyIncomingMessage(testMessage("m1", "alice", "me", "first"))
	s.ApplyIncomingMessage(testMessage("m2", "alice", "me", "second"))

	s.ApplyDeletion("m1")
	msgs := s.Messages(key)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m2", msgs[0].ID)

	// Unknown id is a no-op, as is a repeat of the same deletion.
	s.ApplyDeletion("m1")
	s.ApplyDeletion("ghost")
	assert.Len(t, s.Messages(key), 1)
}

func TestStoreLifecycleOfOneMessage(t *testing.T) {
	// Insert, edit, then delete the same message; every intermediate state
	// must be observable and the end state empty.
	s := newMessageStore("me", nil, nil)
	key := NewConversationKey("me", "alice")

	s.ApplyIncomingMessage(testMessage("m1", "alice", "me", "draft"))
	require.Len(t, s.Messages(key), 1)

	s.ApplyEdit(testMessage("m1", "alice", "me", "final"))
	msgs := s.Messages(key)
	require.Len(t, msgs, 1)
	assert.Equal(t, "final", msgs[0].Content)
	assert.True(t, msgs[0].IsEdited)

	s.ApplyDeletion("m1")
	assert.Empty(t, s.Messages(key))
}

func TestStoreReactionReplaceIsWholesale(t *testing.T) {
	s := newMessageStore("me", nil, nil)
	key := NewConversationKey("me", "alice")

	s.ApplyIncomingMessage(testMessage("m1", "alice", "me", "look"))

	s.ApplyReaction(ReactionEvent{
		MessageID: "m1",
		Reactions: []Reaction{{UserID: "alice", Emoji: "👍"}},
	})
	s.ApplyReaction(ReactionEvent{
		MessageID: "m1",
		Reactions: []Reaction{{UserID: "bob", Emoji: "🎉"}},
	})

	msgs := s.Messages(key)
	require.Len(t, msgs, 1)
	// The second event replaces the list, it does not append.
	assert.Equal(t, []Reaction{{UserID: "bob", Emoji: "🎉"}}, msgs[0].Reactions)

	s.ApplyReaction(ReactionEvent{MessageID: "m1"})
	assert.Empty(t, s.Messages(key)[0].Reactions)
}

func TestStoreMarkReadAndUnreadCounts(t *testing.T) {
	s := newMessageStore("me", nil, nil)
	key := NewConversationKey("me", "alice")

	s.ApplyIncomingMessage(testMessage("m1", "alice", "me", "one"))
	s.ApplyIncomingMessage(testMessage("m2", "alice", "me", "two"))
	// Own messages never count as unread.
	s.ApplyIncomingMessage(testMessage("m3", "me", "alice", "mine"))

	assert.Equal(t, 2, s.UnreadCount(key))
	assert.Equal(t, map[ConversationKey]int{key: 2}, s.UnreadCounts())

	s.MarkRead([]string{"m1", "ghost"})
	assert.Equal(t, 1, s.UnreadCount(key))

	s.MarkRead([]string{"m2"})
	assert.Equal(t, 0, s.UnreadCount(key))
	assert.Empty(t, s.UnreadCounts())
}

func TestStoreLoadHistoryMergesAndDedupes(t *testing.T) {
	hist := &fakeHistory{msgs: []Message{
		testMessage("h1", "alice", "me", "old one"),
		testMessage("h2", "me", "alice", "old two"),
	}}
	s := newMessageStore("me", nil, hist)
	key := NewConversationKey("me", "alice")

	// h2 already arrived live before the fetch resolved.
	s.ApplyIncomingMessage(testMessage("h2", "me", "alice", "old two"))

	require.NoError(t, s.LoadHistory(context.Background(), "alice"))

	msgs := s.Messages(key)
	require.Len(t, msgs, 2)
	ids := []string{msgs[0].ID, msgs[1].ID}
	assert.ElementsMatch(t, []string{"h1", "h2"}, ids)
}

func TestStoreLoadHistoryKeepsLiveMessagesDuringFetch(t *testing.T) {
	gate := make(chan struct{})
	hist := &fakeHistory{
		gate: gate,
		msgs: []Message{testMessage("h1", "alice", "me", "from history")},
	}
	s := newMessageStore("me", nil, hist)
	key := NewConversationKey("me", "alice")

	done := make(chan error, 1)
	go func() { done <- s.LoadHistory(context.Background(), "alice") }()

	// A live broadcast lands while the fetch is in flight.
	waitFor(t, time.Second, func() bool {
		hist.mu.Lock()
		defer hist.mu.Unlock()
		return hist.calls == 1
	})
	s.ApplyIncomingMessage(testMessage("live1", "alice", "me", "live"))

	close(gate)
	require.NoError(t, <-done)

	msgs := s.Messages(key)
	require.Len(t, msgs, 2)
	assert.ElementsMatch(t, []string{"live1", "h1"},
		[]string{msgs[0].ID, msgs[1].ID})
}

func TestStoreLoadHistorySupersededByAbandon(t *testing.T) {
	gate := make(chan struct{})
	hist := &fakeHistory{
		gate: gate,
		msgs: []Message{testMessage("h1", "alice", "me", "stale")},
	}
	s := newMessageStore("me", nil, hist)
	key := NewConversationKey("me", "alice")

	done := make(chan error, 1)
	go func() { done <- s.LoadHistory(context.Background(), "alice") }()
	waitFor(t, time.Second, func() bool {
		hist.mu.Lock()
		defer hist.mu.Unlock()
		return hist.calls == 1
	})

	s.AbandonLoads(key)
	close(gate)

	err := <-done
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLoadSuperseded))
	assert.Empty(t, s.Messages(key))
}

func TestStoreLoadHistoryFailureLeavesStoreUntouched(t *testing.T) {
	hist := &fakeHistory{err: errors.New("gateway down")}
	s := newMessageStore("me", nil, hist)
	key := NewConversationKey("me", "alice")

	s.ApplyIncomingMessage(testMessage("m1", "alice", "me", "kept"))

	err := s.LoadHistory(context.Background(), "alice")
	require.Error(t, err)

	msgs := s.Messages(key)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

func TestStoreLoadHistoryDropsForeignMessages(t *testing.T) {
	hist := &fakeHistory{msgs: []Message{
		testMessage("h1", "alice", "me", "ours"),
		testMessage("x1", "bob", "carol", "not ours"),
	}}
	s := newMessageStore("me", nil, hist)

	require.NoError(t, s.LoadHistory(context.Background(), "alice"))

	msgs := s.Messages(NewConversationKey("me", "alice"))
	require.Len(t, msgs, 1)
	assert.Equal(t, "h1", msgs[0].ID)
	assert.Empty(t, s.Messages(NewConversationKey("bob", "carol")))
}

func TestStoreLoadHistoryWithoutService(t *testing.T) {
	s := newMessageStore("me", nil, nil)
	err := s.LoadHistory(context.Background(), "alice")
	assert.True(t, errors.Is(err, ErrNoHistoryService))
}

func TestStorePersistsAcrossRestart(t *testing.T) {
	kv := ekv.MakeMemstore()
	key := NewConversationKey("me", "alice")

	s1 := newMessageStore("me", kv, nil)
	s1.ApplyIncomingMessage(testMessage("m1", "alice", "me", "hello"))
	s1.ApplyIncomingMessage(testMessage("m2", "me", "alice", "hello back"))
	s1.ApplyReaction(ReactionEvent{
		MessageID: "m1",
		Reactions: []Reaction{{UserID: "me", Emoji: "👍"}},
	})

	s2 := newMessageStore("me", kv, nil)
	s2.LoadCached()

	msgs := s2.Messages(key)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, []Reaction{{UserID: "me", Emoji: "👍"}}, msgs[0].Reactions)

	// A restored message keeps dedup protection against redelivery.
	s2.ApplyIncomingMessage(testMessage("m1", "alice", "me", "hello"))
	assert.Len(t, s2.Messages(key), 2)
}

func TestStoreClearWipesMemoryAndCache(t *testing.T) {
	kv := ekv.MakeMemstore()
	s := newMessageStore("me", kv, nil)
	key := NewConversationKey("me", "alice")

	s.ApplyIncomingMessage(testMessage("m1", "alice", "me", "secret"))
	s.Clear()

	assert.Empty(t, s.Messages(key))
	assert.Empty(t, s.Conversations())

	fresh := newMessageStore("me", kv, nil)
	fresh.LoadCached()
	assert.Empty(t, fresh.Conversations())
}

func TestStoreSearch(t *testing.T) {
	s := newMessageStore("me", nil, nil)

	s.ApplyIncomingMessage(testMessage("m1", "alice", "me", "Wheat delivery friday"))
	s.ApplyIncomingMessage(testMessage("m2", "alice", "me", "barley is sold out"))
	s.ApplyIncomingMessage(testMessage("m3", "bob", "me", "any wheat left?"))

	hits := s.Search("wheat", ConversationKey{}, 0)
	assert.Len(t, hits, 2)

	hits = s.Search("wheat", NewConversationKey("me", "bob"), 0)
	require.Len(t, hits, 1)
	assert.Equal(t, "m3", hits[0].ID)

	hits = s.Search("wheat", ConversationKey{}, 1)
	assert.Len(t, hits, 1)
}

func TestStoreChangeObserver(t *testing.T) {
	s := newMessageStore("me", nil, nil)
	key := NewConversationKey("me", "alice")

	var seen []ConversationKey
	s.OnConversationChange("t", func(k ConversationKey) { seen = append(seen, k) })

	s.ApplyIncomingMessage(testMessage("m1", "alice", "me", "x"))
	s.ApplyEdit(testMessage("m1", "alice", "me", "y"))
	s.ApplyDeletion("m1")
	// No-op mutations stay silent.
	s.ApplyDeletion("m1")

	assert.Equal(t, []ConversationKey{key, key, key}, seen)

	s.RemoveConversationObserver("t")
	s.ApplyIncomingMessage(testMessage("m2", "alice", "me", "z"))
	assert.Len(t, seen, 3)
}

func TestStoreMessagesReturnsCopies(t *testing.T) {
	s := newMessageStore("me", nil, nil)
	key := NewConversationKey("me", "alice")

	s.ApplyIncomingMessage(testMessage("m1", "alice", "me", "original"))

	msgs := s.Messages(key)
	msgs[0].Content = "mutated"
	msgs[0].Reactions = append(msgs[0].Reactions, Reaction{UserID: "x", Emoji: "💥"})

	assert.Equal(t, "original", s.Messages(key)[0].Content)
	assert.Empty(t, s.Messages(key)[0].Reactions)
}
