package chatkit

import (
	"sort"
	"sync"
)

// PresenceTracker maintains the set of online users and the set of users
// currently typing to the local user. The two sets have different update
// disciplines: presence frames carry the complete set and replace the
// tracked set wholesale, typing frames are deltas.
type PresenceTracker struct {
	mu        sync.RWMutex
	localUser string
	online    map[string]struct{}
	typing    map[string]struct{}

	onPresence *observers[[]string]
	onTyping   *observers[[]string]
}

func newPresenceTracker(localUser string) *PresenceTracker {
	return &PresenceTracker{
		localUser:  localUser,
		online:     make(map[string]struct{}),
		typing:     make(map[string]struct{}),
		onPresence: newObservers[[]string](),
		onTyping:   newObservers[[]string](),
	}
}

// Replace installs the complete online set from a presence broadcast and
// notifies observers synchronously. Previous contents are discarded, never
// merged.
func (p *PresenceTracker) Replace(users []string) {
	p.mu.Lock()
	p.online = make(map[string]struct{}, len(users))
	for _, u := range users {
		p.online[u] = struct{}{}
	}
	p.mu.Unlock()

	p.onPresence.Notify(p.Online())
}

// ApplyTyping applies one typing delta. Frames addressed to other users are
// ignored.
func (p *PresenceTracker) ApplyTyping(ev TypingEvent) {
	if p.localUser != "" && ev.ReceiverID != p.localUser {
		return
	}

	p.mu.Lock()
	if ev.IsTyping {
		p.typing[ev.SenderID] = struct{}{}
	} else {
		delete(p.typing, ev.SenderID)
	}
	p.mu.Unlock()

	p.onTyping.Notify(p.Typing())
}

// Online returns the current online set, sorted.
func (p *PresenceTracker) Online() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.online)
}

// IsOnline reports whether userID is in the online set.
func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[userID]
	return ok
}

// Typing returns the raw typing set, sorted. A sender that disconnected
// without a final stop frame stays in this set; use TypingTo for the
// presence-filtered view.
func (p *PresenceTracker) Typing() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.typing)
}

// TypingTo returns the typing set filtered against the online set, which
// drops entries left behind by senders that vanished mid-keystroke.
func (p *PresenceTracker) TypingTo() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for u := range p.typing {
		if _, ok := p.online[u]; ok {
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}

// Reset empties both sets without notifying observers. Used on disconnect
// and on the terminal logout path.
func (p *PresenceTracker) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = make(map[string]struct{})
	p.typing = make(map[string]struct{})
}

// OnPresenceChange registers an observer for online-set replacements.
func (p *PresenceTracker) OnPresenceChange(id string, fn func([]string)) {
	p.onPresence.Register(id, fn)
}

// OnTypingChange registers an observer for typing-set updates.
func (p *PresenceTracker) OnTypingChange(id string, fn func([]string)) {
	p.onTyping.Register(id, fn)
}

// RemovePresenceObserver removes a presence observer by id.
func (p *PresenceTracker) RemovePresenceObserver(id string) {
	p.onPresence.Unregister(id)
}

// RemoveTypingObserver removes a typing observer by id.
func (p *PresenceTracker) RemoveTypingObserver(id string) {
	p.onTyping.Unregister(id)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
