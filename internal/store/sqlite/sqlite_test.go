package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/capitalize-ai/inbox-sync/internal/backend"
	"github.com/capitalize-ai/inbox-sync/internal/model"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	now := base
	s, err := Open(filepath.Join(t.TempDir(), "inbox.db"), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, &now
}

func put(t *testing.T, s *Store, id string, mutate func(*model.Conversation)) {
	t.Helper()
	conv := model.Conversation{
		ID:            id,
		AgentID:       "agent-1",
		Channel:       model.ChannelWeb,
		Status:        model.StatusOpen,
		LastMessageAt: base,
		CreatedAt:     base,
		UpdatedAt:     base,
	}
	if mutate != nil {
		mutate(&conv)
	}
	if err := s.PutConversation(context.Background(), conv); err != nil {
		t.Fatalf("put %s: %v", id, err)
	}
}

func TestQueryConversationsFiltersAndPages(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		put(t, s, fmt.Sprintf("c%d", i), func(c *model.Conversation) {
			c.LastMessageAt = base.Add(-time.Duration(i) * time.Hour)
			c.Unread = i%2 == 0
		})
	}
	put(t, s, "email", func(c *model.Conversation) {
		c.Channel = model.ChannelEmail
		c.AgentID = "agent-2"
		c.Meta = map[string]string{model.MetaCounterpartName: "Grace"}
	})

	tests := []struct {
		name  string
		q     backend.ConversationQuery
		want  []string
		total int
	}{
		{"all first page", backend.ConversationQuery{Limit: 3}, []string{"c0", "email", "c1"}, 6},
		{"second page", backend.ConversationQuery{Limit: 3, Offset: 3}, []string{"c2", "c3", "c4"}, 6},
		{"channel", backend.ConversationQuery{Channels: []model.Channel{model.ChannelEmail}, Limit: 10}, []string{"email"}, 1},
		{"agent", backend.ConversationQuery{AgentIDs: []string{"agent-1"}, Limit: 2}, []string{"c0", "c1"}, 5},
		{"unread", backend.ConversationQuery{UnreadOnly: true, Limit: 10}, []string{"c0", "c2", "c4"}, 3},
		{"range", backend.ConversationQuery{From: base.Add(-2 * time.Hour), Until: base, Limit: 10}, []string{"c1", "c2"}, 2},
		{"ids", backend.ConversationQuery{IDs: []string{"c3", "c1"}, Limit: 10}, []string{"c1", "c3"}, 2},
		{"empty ids", backend.ConversationQuery{IDs: []string{}, Limit: 10}, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := s.QueryConversations(ctx, tt.q)
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if page.Total != tt.total {
				t.Errorf("expected total %d, got %d", tt.total, page.Total)
			}
			if len(page.Conversations) != len(tt.want) {
				t.Fatalf("expected %v, got %d rows", tt.want, len(page.Conversations))
			}
			for i, id := range tt.want {
				if page.Conversations[i].ID != id {
					t.Errorf("row %d: expected %s, got %s", i, id, page.Conversations[i].ID)
				}
			}
		})
	}

	page, err := s.QueryConversations(ctx, backend.ConversationQuery{IDs: []string{"email"}, Limit: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got := page.Conversations[0].CounterpartName(); got != "Grace" {
		t.Errorf("expected meta round trip, got %q", got)
	}
	if !page.Conversations[0].LastMessageAt.Equal(base) {
		t.Errorf("expected timestamp round trip, got %v", page.Conversations[0].LastMessageAt)
	}
}

func TestInsertMessageAdvancesConversation(t *testing.T) {
	s, now := openTestStore(t)
	ctx := context.Background()
	put(t, s, "c1", nil)

	*now = base.Add(time.Minute)
	msg, err := s.InsertMessage(ctx, model.NewMessage{ConversationID: "c1", Sender: model.SenderUser, Content: "Where is my order?"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if msg.ID == "" || !msg.CreatedAt.Equal(*now) {
		t.Errorf("expected assigned id and timestamp, got %+v", msg)
	}

	page, err := s.QueryConversations(ctx, backend.ConversationQuery{IDs: []string{"c1"}, Limit: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	conv := page.Conversations[0]
	if !conv.LastMessageAt.Equal(*now) || !conv.Unread {
		t.Errorf("expected advanced unread conversation, got %+v", conv)
	}

	_, err = s.InsertMessage(ctx, model.NewMessage{ConversationID: "missing", Sender: model.SenderAgent, Content: "hi"})
	if !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListMessagesReturnsRecentInOrder(t *testing.T) {
	s, now := openTestStore(t)
	ctx := context.Background()
	put(t, s, "c1", nil)

	var ids []string
	for i := 0; i < 4; i++ {
		*now = base.Add(time.Duration(i) * time.Second)
		msg, err := s.InsertMessage(ctx, model.NewMessage{ConversationID: "c1", Sender: model.SenderAgent, Content: fmt.Sprint(i)})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		ids = append(ids, msg.ID)
	}

	msgs, err := s.ListMessages(ctx, "c1", 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.ID != ids[i+1] {
			t.Errorf("position %d: expected %s, got %s", i, ids[i+1], m.ID)
		}
	}
}

func TestSearchMessagesMatchesLiterally(t *testing.T) {
	s, now := openTestStore(t)
	ctx := context.Background()
	put(t, s, "c1", nil)
	put(t, s, "c2", nil)

	for i, in := range []model.NewMessage{
		{ConversationID: "c1", Sender: model.SenderUser, Content: "Refund please"},
		{ConversationID: "c2", Sender: model.SenderUser, Content: "100% refunded"},
		{ConversationID: "c2", Sender: model.SenderAgent, Content: "thanks"},
	} {
		*now = base.Add(time.Duration(i) * time.Second)
		if _, err := s.InsertMessage(ctx, in); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	msgs, err := s.SearchMessages(ctx, "REFUND", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ConversationID != "c2" {
		t.Errorf("expected two matches newest first, got %+v", msgs)
	}

	msgs, err = s.SearchMessages(ctx, "0%", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text() != "100% refunded" {
		t.Errorf("expected wildcard matched literally, got %+v", msgs)
	}
}

func TestUpdateConversationsReportsRowFailures(t *testing.T) {
	s, now := openTestStore(t)
	ctx := context.Background()
	put(t, s, "a", nil)
	put(t, s, "c", nil)

	*now = base.Add(time.Minute)
	resolved := model.StatusResolved
	res, err := s.UpdateConversations(ctx, []string{"a", "b", "c"}, backend.ConversationPatch{Status: &resolved})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(res.Updated) != 2 {
		t.Errorf("expected 2 updated rows, got %d", len(res.Updated))
	}
	if !errors.Is(res.Failed["b"], backend.ErrNotFound) {
		t.Errorf("expected b not found, got %v", res.Failed["b"])
	}
	for _, conv := range res.Updated {
		if conv.Status != resolved || !conv.UpdatedAt.Equal(*now) {
			t.Errorf("unexpected updated row %+v", conv)
		}
	}

	read := false
	conv, err := s.UpdateConversation(ctx, "a", backend.ConversationPatch{Unread: &read})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if conv.Status != resolved || conv.Unread {
		t.Errorf("expected patch to keep status and clear unread, got %+v", conv)
	}
	if !conv.UpdatedAt.After(*now) {
		t.Errorf("expected updated_at to move forward, got %v", conv.UpdatedAt)
	}
}

func TestAgentsAndCreateConversation(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	for _, a := range []model.Agent{{ID: "a2", Name: "Sales", Role: "sales"}, {ID: "a1", Name: "Billing"}} {
		if err := s.UpsertAgent(ctx, a); err != nil {
			t.Fatalf("upsert agent: %v", err)
		}
	}
	agents, err := s.ListAgents(ctx)
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 2 || agents[0].Name != "Billing" {
		t.Errorf("expected agents ordered by name, got %+v", agents)
	}

	conv, err := s.CreateConversation(ctx, model.NewConversation{AgentID: "a1", Channel: model.ChannelWhatsApp})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if conv.Status != model.StatusOpen || !conv.Unread || conv.ID == "" {
		t.Errorf("unexpected new conversation %+v", conv)
	}

	if _, err := s.CreateConversation(ctx, model.NewConversation{AgentID: "a1", Channel: "fax"}); !errors.Is(err, model.ErrMalformed) {
		t.Errorf("expected ErrMalformed for unknown channel, got %v", err)
	}
}
