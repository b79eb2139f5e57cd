package middleware

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/capitalize-ai/inbox-sync/internal/model"
)

const (
	maxContentLength = 100000 // ~100KB
	maxIDLength      = 128
	// MaxBatchSize bounds bulk status and mark-read requests.
	MaxBatchSize = 500
)

// ValidateMessageContent validates inbound message content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	return validateText(content)
}

// ValidateReplyText validates an operator reply. Empty text is left to the
// engine, which rejects it without a backend call.
func ValidateReplyText(text string) error {
	return validateText(text)
}

func validateText(s string) error {
	if len(s) > maxContentLength {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(s) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID. Imported conversations
// keep their source ids, so any short printable id is accepted.
func ValidateConversationID(id string) error {
	if id == "" {
		return errors.New("conversation ID cannot be empty")
	}
	if len(id) > maxIDLength || !utf8.ValidString(id) {
		return errors.New("invalid conversation ID format")
	}
	for _, r := range id {
		if r < 0x21 || r == 0x7f {
			return errors.New("invalid conversation ID format")
		}
	}
	return nil
}

// ValidateConversationIDs validates the ids of a batch request.
func ValidateConversationIDs(ids []string) error {
	if len(ids) == 0 {
		return errors.New("conversation_ids cannot be empty")
	}
	if len(ids) > MaxBatchSize {
		return fmt.Errorf("at most %d conversation ids per request", MaxBatchSize)
	}
	for _, id := range ids {
		if err := ValidateConversationID(id); err != nil {
			return err
		}
	}
	return nil
}

// ValidateStatus validates a requested conversation status.
func ValidateStatus(status model.Status) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}
	return nil
}

// ValidateOperatorID validates an operator ID.
func ValidateOperatorID(id string) error {
	if len(id) == 0 {
		return errors.New("operator ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("operator ID exceeds maximum length")
	}
	return nil
}
