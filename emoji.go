package chatkit

import (
	"github.com/forPelevin/gomoji"
	"github.com/pkg/errors"
)

// ErrInvalidReaction is returned when a reaction is not a single emoji.
var ErrInvalidReaction = errors.New(
	"the reaction is not valid, it must be a single emoji")

// SupportedEmojis returns the emojis accepted as reactions.
func SupportedEmojis() []gomoji.Emoji {
	return gomoji.AllEmojis()
}

// ValidateReaction checks that the reaction contains exactly one emoji and
// nothing else.
func ValidateReaction(reaction string) error {
	if len(gomoji.RemoveEmojis(reaction)) > 0 {
		return ErrInvalidReaction
	}
	if len(gomoji.FindAll(reaction)) != 1 {
		return ErrInvalidReaction
	}
	return nil
}
