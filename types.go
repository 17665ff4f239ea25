package chatkit

import (
	"strings"
	"time"
)

// ============================================================================
// Message model
// ============================================================================

// ContentKind describes what a message body carries.
type ContentKind string

const (
	KindText  ContentKind = "text"
	KindImage ContentKind = "image"
	KindAudio ContentKind = "audio"
	KindFile  ContentKind = "file"
	KindVideo ContentKind = "video"
)

// Reaction is one user's emoji reaction to a message. A user holds at most
// one active reaction per message; the server resolves last-write-wins and
// broadcasts the full replacement list (see ReactionEvent).
type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// Message is one entry in a conversation timeline. The identifier is
// assigned by the server and never changes; edits, deletions, and reactions
// arrive as separate broadcasts and are applied in place by the store.
type Message struct {
	ID         string      `json:"id"`
	SenderID   string      `json:"senderId"`
	ReceiverID string      `json:"receiverId"`
	Content    string      `json:"content"`
	Kind       ContentKind `json:"kind"`
	CreatedAt  time.Time   `json:"createdAt"`
	IsEdited   bool        `json:"isEdited"`
	IsRead     bool        `json:"isRead"`
	ReplyToID  string      `json:"replyToId,omitempty"`
	Filename   string      `json:"filename,omitempty"`
	Reactions  []Reaction  `json:"reactions,omitempty"`
}

// Conversation returns the conversation key the message belongs to.
func (m *Message) Conversation() ConversationKey {
	return NewConversationKey(m.SenderID, m.ReceiverID)
}

// ConversationKey identifies a direct conversation as an unordered pair of
// user identifiers. Construct it with NewConversationKey so that
// (a, b) and (b, a) compare equal.
type ConversationKey struct {
	Low  string
	High string
}

// NewConversationKey normalizes the pair ordering.
func NewConversationKey(a, b string) ConversationKey {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return ConversationKey{Low: a, High: b}
}

// Counterpart returns the other participant relative to localUser, or ""
// if localUser is not part of the conversation.
func (k ConversationKey) Counterpart(localUser string) string {
	switch localUser {
	case k.Low:
		return k.High
	case k.High:
		return k.Low
	}
	return ""
}

func (k ConversationKey) String() string {
	return k.Low + "|" + k.High
}

// IsZero reports whether the key is unset.
func (k ConversationKey) IsZero() bool {
	return k.Low == "" && k.High == ""
}

// ============================================================================
// Broadcast payloads (server → client)
// ============================================================================

// PresenceList is the complete set of currently-online user identifiers.
// The server always sends the full set; it is never a delta.
type PresenceList struct {
	Users []string `json:"users"`
}

// TypingEvent is a typing-indicator delta.
type TypingEvent struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

// ReactionEvent carries the full replacement reaction list for one message.
type ReactionEvent struct {
	MessageID string     `json:"messageId"`
	Reactions []Reaction `json:"reactions"`
}

// DeletionEvent identifies a message removed on the server.
type DeletionEvent struct {
	MessageID string `json:"messageId"`
}

// ============================================================================
// Command payloads (client → server)
// ============================================================================

// SendMessageRequest is the outbound shape for a new message. CorrelationID
// is client generated; the authoritative copy only appears once the server
// echoes it on the messages channel, so callers that want a pending
// indicator key it by CorrelationID.
type SendMessageRequest struct {
	SenderID      string      `json:"senderId"`
	ReceiverID    string      `json:"receiverId"`
	Content       string      `json:"content"`
	Kind          ContentKind `json:"kind"`
	ReplyToID     string      `json:"replyToId,omitempty"`
	Filename      string      `json:"filename,omitempty"`
	CorrelationID string      `json:"correlationId,omitempty"`
}

// EditMessageRequest rewrites the content of an existing message.
type EditMessageRequest struct {
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
}

// DeleteMessageRequest removes a message.
type DeleteMessageRequest struct {
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
}

// ReactRequest sets or replaces the sender's reaction on a message.
type ReactRequest struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

// TypingRequest notifies the counterpart that the sender started or
// stopped typing.
type TypingRequest struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}
