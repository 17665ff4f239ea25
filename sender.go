package chatkit

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrNoActiveConversation is returned by SendMessage when no active
	// counterpart is set.
	ErrNoActiveConversation = errors.New("no active conversation")

	// ErrEmptyMessage is returned when a send or edit carries no content.
	ErrEmptyMessage = errors.New("message content is empty")
)

// SendOptions carries the optional attributes of an outbound message.
type SendOptions struct {
	Kind      ContentKind
	ReplyToID string
	Filename  string
}

// Sender translates user intents into publish calls on the fixed outbound
// destinations. It never fabricates messages into the store: the
// authoritative copy appears only when the server echoes the send back on
// the messages channel. Callers that want a pending indicator key it by the
// returned correlation id.
//
// SetTyping performs no debouncing; it is safe to call on every keystroke
// and the caller owns any throttling.
type Sender struct {
	router    *Router
	localUser string

	mu     sync.RWMutex
	active string // counterpart user id, "" when no chat is open
}

func newSender(router *Router, localUser string) *Sender {
	return &Sender{router: router, localUser: localUser}
}

// SetActiveConversation switches the active counterpart. Passing "" closes
// the active chat.
func (s *Sender) SetActiveConversation(counterpartID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = counterpartID
}

// ActiveConversation returns the current counterpart id, or "".
func (s *Sender) ActiveConversation() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SendMessage publishes a new message to the active conversation and
// returns the client-generated correlation id.
func (s *Sender) SendMessage(ctx context.Context, content string, opts *SendOptions) (string, error) {
	counterpart := s.ActiveConversation()
	if counterpart == "" {
		return "", ErrNoActiveConversation
	}
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyMessage
	}

	req := SendMessageRequest{
		SenderID:      s.localUser,
		ReceiverID:    counterpart,
		Content:       content,
		Kind:          KindText,
		CorrelationID: uuid.NewString(),
	}
	if opts != nil {
		if opts.Kind != "" {
			req.Kind = opts.Kind
		}
		req.ReplyToID = opts.ReplyToID
		req.Filename = opts.Filename
	}

	if err := s.router.Publish(ctx, DestSendMessage, req); err != nil {
		return "", err
	}
	return req.CorrelationID, nil
}

// EditMessage publishes a content rewrite for an existing message.
func (s *Sender) EditMessage(ctx context.Context, messageID, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	return s.router.Publish(ctx, DestEditMessage, EditMessageRequest{
		MessageID: messageID,
		SenderID:  s.localUser,
		Content:   content,
	})
}

// DeleteMessage publishes a deletion.
func (s *Sender) DeleteMessage(ctx context.Context, messageID string) error {
	return s.router.Publish(ctx, DestDeleteMessage, DeleteMessageRequest{
		MessageID: messageID,
		SenderID:  s.localUser,
	})
}

// ReactToMessage publishes a reaction. The emoji must be exactly one emoji
// and nothing else.
func (s *Sender) ReactToMessage(ctx context.Context, messageID, emoji string) error {
	if err := ValidateReaction(emoji); err != nil {
		return err
	}
	return s.router.Publish(ctx, DestReactToMessage, ReactRequest{
		MessageID: messageID,
		UserID:    s.localUser,
		Emoji:     emoji,
	})
}

// SetTyping notifies the active counterpart that the local user started or
// stopped typing. A no-op error when no conversation is active.
func (s *Sender) SetTyping(ctx context.Context, typing bool) error {
	counterpart := s.ActiveConversation()
	if counterpart == "" {
		return ErrNoActiveConversation
	}
	return s.router.Publish(ctx, DestTypingNotification, TypingRequest{
		SenderID:   s.localUser,
		ReceiverID: counterpart,
		IsTyping:   typing,
	})
}
