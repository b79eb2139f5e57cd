// Package backend defines the capabilities the inbox consumes from the
// managed backend: row queries, content search, commands and the live feed.
package backend

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/capitalize-ai/inbox-sync/internal/filter"
	"github.com/capitalize-ai/inbox-sync/internal/model"
)

// ErrNotFound is returned for unknown rows.
var ErrNotFound = errors.New("not found")

// ConversationQuery is a structured conversation filter. Empty sets place no
// constraint; a non-nil IDs slice restricts results to those ids. Results are
// ordered by LastMessageAt descending.
type ConversationQuery struct {
	AgentIDs   []string
	Channels   []model.Channel
	Statuses   []model.Status
	From       time.Time // inclusive, zero is unbounded
	Until      time.Time // exclusive, zero is unbounded
	UnreadOnly bool
	IDs        []string
	Offset     int
	Limit      int
}

// QueryFromSpec translates a filter into a row query for one page.
func QueryFromSpec(spec filter.Spec, pageSize int) ConversationQuery {
	from, until := spec.Bounds()
	return ConversationQuery{
		AgentIDs:   spec.Agents(),
		Channels:   spec.Channels(),
		Statuses:   spec.Statuses(),
		From:       from,
		Until:      until,
		UnreadOnly: spec.UnreadOnly(),
		Offset:     (spec.Page() - 1) * pageSize,
		Limit:      pageSize,
	}
}

// WithIDs returns a copy of q restricted to the given ids, sorted.
func (q ConversationQuery) WithIDs(ids []string) ConversationQuery {
	q.IDs = append(make([]string, 0, len(ids)), ids...)
	sort.Strings(q.IDs)
	return q
}

// ConversationPage is one page of query results with the exact total.
type ConversationPage struct {
	Conversations []model.Conversation
	Total         int
}

// ConversationPatch lists the fields a command changes. Nil fields are left
// untouched.
type ConversationPatch struct {
	Status *model.Status `json:"status,omitempty"`
	Unread *bool         `json:"unread,omitempty"`
}

// Apply writes the patch onto conv.
func (p ConversationPatch) Apply(conv *model.Conversation) {
	if p.Status != nil {
		conv.Status = *p.Status
	}
	if p.Unread != nil {
		conv.Unread = *p.Unread
	}
}

// BatchResult reports a batch update row by row.
type BatchResult struct {
	Updated []model.Conversation
	Failed  map[string]error
}

// Querier reads conversations, messages and agents.
type Querier interface {
	QueryConversations(ctx context.Context, q ConversationQuery) (*ConversationPage, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	ListAgents(ctx context.Context) ([]model.Agent, error)
}

// Searcher finds messages whose content contains text, case-insensitively,
// newest first.
type Searcher interface {
	SearchMessages(ctx context.Context, text string, limit int) ([]model.Message, error)
}

// Commander mutates backend rows. Each row succeeds or fails atomically.
type Commander interface {
	InsertMessage(ctx context.Context, msg model.NewMessage) (*model.Message, error)
	UpdateConversation(ctx context.Context, id string, patch ConversationPatch) (*model.Conversation, error)
	UpdateConversations(ctx context.Context, ids []string, patch ConversationPatch) (*BatchResult, error)
}

// Registrar opens conversations for inbound channel traffic and maintains
// the agent reference list.
type Registrar interface {
	CreateConversation(ctx context.Context, conv model.NewConversation) (*model.Conversation, error)
	UpsertAgent(ctx context.Context, agent model.Agent) error
}

// Store bundles the request/response capabilities.
type Store interface {
	Querier
	Searcher
	Commander
}

// FeedState is the connection state of a live feed.
type FeedState int

const (
	FeedConnected FeedState = iota
	FeedDisconnected
	FeedReconnected
)

func (s FeedState) String() string {
	switch s {
	case FeedConnected:
		return "connected"
	case FeedDisconnected:
		return "disconnected"
	case FeedReconnected:
		return "reconnected"
	}
	return "unknown"
}

// EventHandler receives feed events. Delivery is at least once, with no
// ordering across conversations.
type EventHandler func(model.Event)

// StateHandler receives feed connection transitions.
type StateHandler func(FeedState)

// Subscription is an active feed subscription.
type Subscription interface {
	Unsubscribe() error
}

// Subscriber opens live feed subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, onEvent EventHandler, onState StateHandler) (Subscription, error)
}

// Backend is every capability the inbox engine consumes.
type Backend interface {
	Store
	Subscriber
}

type combined struct {
	Store
	Subscriber
}

// Combine joins a store and a feed into a Backend.
func Combine(store Store, feed Subscriber) Backend {
	return combined{Store: store, Subscriber: feed}
}
