package chatkit

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/ekv"
)

// Cache layout inside the key-value store.
const (
	cacheIndexKey       = "conversations/index"
	cacheTimelinePrefix = "conversation/"
)

var (
	// ErrNoHistoryService is returned by LoadHistory when no history
	// service was configured.
	ErrNoHistoryService = errors.New("no history service configured")

	// ErrLoadSuperseded is returned when a history fetch resolved after the
	// conversation was abandoned or cleared; nothing was merged.
	ErrLoadSuperseded = errors.New("history load superseded")
)

// MessageStore is the client-side source of truth for conversation
// timelines. Inbound broadcasts and history fetches both land here; all
// mutations are atomic with respect to concurrent reads. Timelines keep
// insertion order; the store guarantees set membership and consumers sort
// for display.
type MessageStore struct {
	mu          sync.RWMutex
	localUser   string
	timelines   map[ConversationKey][]*Message
	byID        map[string]ConversationKey
	generations map[ConversationKey]uint64

	kv      ekv.KeyValue
	history HistoryService

	onChange *observers[ConversationKey]
}

func newMessageStore(localUser string, kv ekv.KeyValue, history HistoryService) *MessageStore {
	return &MessageStore{
		localUser:   localUser,
		timelines:   make(map[ConversationKey][]*Message),
		byID:        make(map[string]ConversationKey),
		generations: make(map[ConversationKey]uint64),
		kv:          kv,
		history:     history,
		onChange:    newObservers[ConversationKey](),
	}
}

// OnConversationChange registers an observer invoked with the conversation
// key after any mutation of that conversation's timeline.
func (s *MessageStore) OnConversationChange(id string, fn func(ConversationKey)) {
	s.onChange.Register(id, fn)
}

// RemoveConversationObserver removes a change observer by id.
func (s *MessageStore) RemoveConversationObserver(id string) {
	s.onChange.Unregister(id)
}

// ApplyIncomingMessage inserts msg into its conversation timeline. Inserts
// are idempotent against duplicate delivery: a message whose identifier is
// already present anywhere in the store is dropped.
func (s *MessageStore) ApplyIncomingMessage(msg Message) {
	key := msg.Conversation()

	s.mu.Lock()
	if _, dup := s.byID[msg.ID]; dup {
		s.mu.Unlock()
		jww.TRACE.Printf("dropping duplicate message %s", msg.ID)
		return
	}
	stored := msg
	s.timelines[key] = append(s.timelines[key], &stored)
	s.byID[msg.ID] = key
	s.saveLocked(key)
	s.mu.Unlock()

	s.onChange.Notify(key)
}

// ApplyEdit replaces the mutable fields of the message identified by
// edited.ID. A message that is not loaded locally (its conversation may not
// be cached yet) is a no-op.
func (s *MessageStore) ApplyEdit(edited Message) {
	s.mu.Lock()
	key, msg := s.findLocked(edited.ID)
	if msg == nil {
		s.mu.Unlock()
		return
	}
	msg.Content = edited.Content
	msg.IsEdited = true
	s.saveLocked(key)
	s.mu.Unlock()

	s.onChange.Notify(key)
}

// ApplyDeletion removes the message with messageID from whichever
// conversation holds it; no-op if absent. Deleted messages are removed, not
// flagged.
func (s *MessageStore) ApplyDeletion(messageID string) {
	s.mu.Lock()
	key, ok := s.byID[messageID]
	if !ok {
		s.mu.Unlock()
		return
	}
	timeline := s.timelines[key]
	for i, m := range timeline {
		if m.ID == messageID {
			s.timelines[key] = append(timeline[:i], timeline[i+1:]...)
			break
		}
	}
	delete(s.byID, messageID)
	s.saveLocked(key)
	s.mu.Unlock()

	s.onChange.Notify(key)
}

// ApplyReaction replaces the referenced message's reaction list wholesale
// with the list carried in the event. The wire payload is the full
// replacement list, never a delta, so no merging happens here.
func (s *MessageStore) ApplyReaction(ev ReactionEvent) {
	s.mu.Lock()
	key, msg := s.findLocked(ev.MessageID)
	if msg == nil {
		s.mu.Unlock()
		return
	}
	msg.Reactions = append([]Reaction(nil), ev.Reactions...)
	s.saveLocked(key)
	s.mu.Unlock()

	s.onChange.Notify(key)
}

// MarkRead sets isRead on each identified message found locally; unknown
// identifiers are ignored.
func (s *MessageStore) MarkRead(messageIDs []string) {
	touched := make(map[ConversationKey]struct{})

	s.mu.Lock()
	for _, id := range messageIDs {
		key, msg := s.findLocked(id)
		if msg == nil || msg.IsRead {
			continue
		}
		msg.IsRead = true
		touched[key] = struct{}{}
	}
	for key := range touched {
		s.saveLocked(key)
	}
	s.mu.Unlock()

	for key := range touched {
		s.onChange.Notify(key)
	}
}

// LoadHistory fetches the full transcript for (local user, counterpart)
// and merges it into the store. Live messages that arrived while the fetch
// was in flight are preserved; merge dedupes by identifier at merge time
// rather than assuming fetch-then-merge is atomic. A fetch that resolves
// after AbandonLoads or Clear returns ErrLoadSuperseded without touching
// the store, as does a network failure.
func (s *MessageStore) LoadHistory(ctx context.Context, counterpartID string) error {
	if s.history == nil {
		return ErrNoHistoryService
	}
	key := NewConversationKey(s.localUser, counterpartID)

	s.mu.Lock()
	s.generations[key]++
	gen := s.generations[key]
	s.mu.Unlock()

	fetched, err := s.history.GetConversation(ctx, s.localUser, counterpartID)
	if err != nil {
		return errors.Wrapf(err, "history fetch for %s", counterpartID)
	}

	s.mu.Lock()
	if s.generations[key] != gen {
		s.mu.Unlock()
		jww.DEBUG.Printf("discarding superseded history fetch for %s", key)
		return ErrLoadSuperseded
	}
	added := 0
	for i := range fetched {
		m := fetched[i]
		if _, dup := s.byID[m.ID]; dup {
			continue
		}
		if m.Conversation() != key {
			jww.WARN.Printf("history fetch for %s returned foreign message %s",
				key, m.ID)
			continue
		}
		s.timelines[key] = append(s.timelines[key], &m)
		s.byID[m.ID] = key
		added++
	}
	if added > 0 {
		s.saveLocked(key)
	}
	s.mu.Unlock()

	if added > 0 {
		s.onChange.Notify(key)
	}
	return nil
}

// AbandonLoads invalidates any in-flight history fetch for the
// conversation, typically because the caller navigated away.
func (s *MessageStore) AbandonLoads(key ConversationKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generations[key]++
}

// Messages returns a copy of the conversation timeline in insertion order.
func (s *MessageStore) Messages(key ConversationKey) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	timeline := s.timelines[key]
	out := make([]Message, len(timeline))
	for i, m := range timeline {
		out[i] = *m
		out[i].Reactions = append([]Reaction(nil), m.Reactions...)
	}
	return out
}

// Conversations returns the keys of every loaded conversation, sorted.
func (s *MessageStore) Conversations() []ConversationKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConversationKey, 0, len(s.timelines))
	for key := range s.timelines {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// UnreadCount returns the number of unread messages addressed to the local
// user in the conversation.
func (s *MessageStore) UnreadCount(key ConversationKey) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, m := range s.timelines[key] {
		if !m.IsRead && m.SenderID != s.localUser {
			count++
		}
	}
	return count
}

// UnreadCounts returns the unread tally for every loaded conversation that
// has at least one unread message.
func (s *MessageStore) UnreadCounts() map[ConversationKey]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[ConversationKey]int)
	for key, timeline := range s.timelines {
		for _, m := range timeline {
			if !m.IsRead && m.SenderID != s.localUser {
				out[key]++
			}
		}
	}
	return out
}

// Search returns up to limit messages whose content contains query,
// case-insensitively. A zero key searches every loaded conversation.
func (s *MessageStore) Search(query string, key ConversationKey, limit int) []Message {
	if limit <= 0 {
		limit = 50
	}
	q := strings.ToLower(query)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for k, timeline := range s.timelines {
		if !key.IsZero() && k != key {
			continue
		}
		for _, m := range timeline {
			if strings.Contains(strings.ToLower(m.Content), q) {
				out = append(out, *m)
				if len(out) >= limit {
					return out
				}
			}
		}
	}
	return out
}

// Clear wipes every timeline from memory and from the persistent cache and
// invalidates all in-flight history fetches. Part of the terminal logout
// path.
func (s *MessageStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.kv != nil {
		for key := range s.timelines {
			if err := s.kv.Delete(cacheTimelinePrefix + key.String()); err != nil {
				jww.WARN.Printf("delete cached conversation %s: %v", key, err)
			}
		}
		if err := s.kv.Delete(cacheIndexKey); err != nil {
			jww.DEBUG.Printf("delete conversation index: %v", err)
		}
	}

	for key := range s.generations {
		s.generations[key]++
	}
	s.timelines = make(map[ConversationKey][]*Message)
	s.byID = make(map[string]ConversationKey)
}

// LoadCached restores timelines persisted by a previous run. Cache misses
// and decode failures are logged and skipped; the cache is best effort.
func (s *MessageStore) LoadCached() {
	if s.kv == nil {
		return
	}

	var keys []string
	if err := s.kv.GetInterface(cacheIndexKey, &keys); err != nil {
		jww.DEBUG.Printf("no cached conversation index: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, raw := range keys {
		low, high, ok := strings.Cut(raw, "|")
		if !ok {
			continue
		}
		key := ConversationKey{Low: low, High: high}

		var msgs []Message
		if err := s.kv.GetInterface(cacheTimelinePrefix+raw, &msgs); err != nil {
			jww.DEBUG.Printf("cached conversation %s missing: %v", raw, err)
			continue
		}
		for i := range msgs {
			if _, dup := s.byID[msgs[i].ID]; dup {
				continue
			}
			m := msgs[i]
			s.timelines[key] = append(s.timelines[key], &m)
			s.byID[m.ID] = key
		}
	}
	jww.INFO.Printf("restored %d cached conversations", len(s.timelines))
}

// findLocked looks a message up by id across all loaded conversations.
// Callers hold s.mu.
func (s *MessageStore) findLocked(messageID string) (ConversationKey, *Message) {
	key, ok := s.byID[messageID]
	if !ok {
		return ConversationKey{}, nil
	}
	for _, m := range s.timelines[key] {
		if m.ID == messageID {
			return key, m
		}
	}
	return ConversationKey{}, nil
}

// saveLocked persists one conversation timeline. Callers hold s.mu.
func (s *MessageStore) saveLocked(key ConversationKey) {
	if s.kv == nil {
		return
	}

	msgs := make([]Message, len(s.timelines[key]))
	for i, m := range s.timelines[key] {
		msgs[i] = *m
	}
	if err := s.kv.SetInterface(cacheTimelinePrefix+key.String(), msgs); err != nil {
		jww.WARN.Printf("persist conversation %s: %v", key, err)
		return
	}

	keys := make([]string, 0, len(s.timelines))
	for k := range s.timelines {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)
	if err := s.kv.SetInterface(cacheIndexKey, keys); err != nil {
		jww.WARN.Printf("persist conversation index: %v", err)
	}
}
