package model

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrMalformed is returned when a row or event fails validation at the
// ingestion boundary.
var ErrMalformed = errors.New("malformed record")

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// Valid reports whether s is a known sender.
func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderAgent
}

// Message represents one message within a conversation.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`

	// Content
	Sender      Sender   `json:"sender"`
	Content     *string  `json:"content,omitempty"`
	Attachments []string `json:"attachments,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// Pending marks a speculative local copy awaiting backend acknowledgment.
	Pending bool `json:"pending,omitempty"`
}

// Text returns the message body or an empty string.
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// Validate checks that a message row is well formed.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: message id is empty", ErrMalformed)
	}
	if m.ConversationID == "" {
		return fmt.Errorf("%w: message %s has no conversation", ErrMalformed, m.ID)
	}
	if !m.Sender.Valid() {
		return fmt.Errorf("%w: message %s has unknown sender %q", ErrMalformed, m.ID, m.Sender)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("%w: message %s has no timestamp", ErrMalformed, m.ID)
	}
	return nil
}

// Before reports whether m sorts before o in thread order: (CreatedAt, ID)
// ascending.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// SortMessages orders msgs by (CreatedAt, ID) ascending.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Before(msgs[j])
	})
}

// NewMessage is the input for inserting a message. The backend assigns the id
// and timestamp.
type NewMessage struct {
	ConversationID string   `json:"conversation_id"`
	Sender         Sender   `json:"sender"`
	Content        string   `json:"content"`
	Attachments    []string `json:"attachments,omitempty"`
}
