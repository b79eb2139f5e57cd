// Package model defines data structures for the conversation inbox.
package model

import (
	"fmt"
	"time"
)

// Channel is the messaging channel a conversation arrives on.
type Channel string

const (
	ChannelWhatsApp    Channel = "whatsapp"
	ChannelInstagramDM Channel = "instagram_dm"
	ChannelWeb         Channel = "web"
	ChannelEmail       Channel = "email"
)

// Channels lists every known channel.
var Channels = []Channel{ChannelWhatsApp, ChannelInstagramDM, ChannelWeb, ChannelEmail}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelWhatsApp, ChannelInstagramDM, ChannelWeb, ChannelEmail:
		return true
	}
	return false
}

// Status is the operator-facing state of a conversation. Any status may move
// to any other status.
type Status string

const (
	StatusOpen       Status = "open"
	StatusPending    Status = "pending"
	StatusResolved   Status = "resolved"
	StatusUnanswered Status = "unanswered"
)

// Statuses lists every known status.
var Statuses = []Status{StatusOpen, StatusPending, StatusResolved, StatusUnanswered}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusPending, StatusResolved, StatusUnanswered:
		return true
	}
	return false
}

// MetaCounterpartName is the meta key holding the counterpart's display name.
const MetaCounterpartName = "name"

// Conversation represents one inbox conversation summary.
type Conversation struct {
	ID            string            `json:"id"`
	AgentID       string            `json:"agent_id"`
	Channel       Channel           `json:"channel"`
	Status        Status            `json:"status"`
	LastMessageAt time.Time         `json:"last_message_at"`
	Unread        bool              `json:"unread"`
	Meta          map[string]string `json:"meta,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Clone returns a deep copy of c.
func (c Conversation) Clone() Conversation {
	if c.Meta != nil {
		meta := make(map[string]string, len(c.Meta))
		for k, v := range c.Meta {
			meta[k] = v
		}
		c.Meta = meta
	}
	return c
}

// CounterpartName returns the display name of the other party, if known.
func (c Conversation) CounterpartName() string {
	return c.Meta[MetaCounterpartName]
}

// Validate checks that a conversation row is well formed.
func (c *Conversation) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: conversation id is empty", ErrMalformed)
	}
	if c.AgentID == "" {
		return fmt.Errorf("%w: conversation %s has no agent", ErrMalformed, c.ID)
	}
	if !c.Channel.Valid() {
		return fmt.Errorf("%w: conversation %s has unknown channel %q", ErrMalformed, c.ID, c.Channel)
	}
	if !c.Status.Valid() {
		return fmt.Errorf("%w: conversation %s has unknown status %q", ErrMalformed, c.ID, c.Status)
	}
	return nil
}

// Agent is read-only reference data used to populate agent filters.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// NewConversation is the input for opening a conversation from inbound
// channel traffic. The backend assigns the id and timestamps; new
// conversations start open and unread.
type NewConversation struct {
	AgentID string            `json:"agent_id"`
	Channel Channel           `json:"channel"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// Validate checks the input before it reaches the backend.
func (n *NewConversation) Validate() error {
	if n.AgentID == "" {
		return fmt.Errorf("%w: agent id is required", ErrMalformed)
	}
	if !n.Channel.Valid() {
		return fmt.Errorf("%w: unknown channel %q", ErrMalformed, n.Channel)
	}
	return nil
}
