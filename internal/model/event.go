package model

import (
	"fmt"
	"time"
)

// EventKind is the type of a live feed event.
type EventKind string

const (
	EventMessageCreated      EventKind = "message.created"
	EventConversationCreated EventKind = "conversation.created"
	EventConversationUpdated EventKind = "conversation.updated"
)

// Event is one domain event delivered by the live feed. Exactly one of
// Message or Conversation is set, matching Kind.
type Event struct {
	ID           string        `json:"id,omitempty"`
	Kind         EventKind     `json:"kind"`
	Message      *Message      `json:"message,omitempty"`
	Conversation *Conversation `json:"conversation,omitempty"`
	EmittedAt    time.Time     `json:"emitted_at"`
}

// ConversationID returns the id of the conversation the event touches.
func (e *Event) ConversationID() string {
	switch {
	case e.Message != nil:
		return e.Message.ConversationID
	case e.Conversation != nil:
		return e.Conversation.ID
	}
	return ""
}

// Validate checks the event envelope and its payload.
func (e *Event) Validate() error {
	switch e.Kind {
	case EventMessageCreated:
		if e.Message == nil {
			return fmt.Errorf("%w: %s event without message", ErrMalformed, e.Kind)
		}
		return e.Message.Validate()
	case EventConversationCreated, EventConversationUpdated:
		if e.Conversation == nil {
			return fmt.Errorf("%w: %s event without conversation", ErrMalformed, e.Kind)
		}
		return e.Conversation.Validate()
	default:
		return fmt.Errorf("%w: unknown event kind %q", ErrMalformed, e.Kind)
	}
}

// MessageCreated builds a message.created event.
func MessageCreated(msg Message) Event {
	return Event{Kind: EventMessageCreated, Message: &msg, EmittedAt: time.Now()}
}

// ConversationCreated builds a conversation.created event.
func ConversationCreated(conv Conversation) Event {
	return Event{Kind: EventConversationCreated, Conversation: &conv, EmittedAt: time.Now()}
}

// ConversationUpdated builds a conversation.updated event.
func ConversationUpdated(conv Conversation) Event {
	return Event{Kind: EventConversationUpdated, Conversation: &conv, EmittedAt: time.Now()}
}
