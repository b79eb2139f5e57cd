package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/capitalize-ai/inbox-sync/internal/filter"
	"github.com/capitalize-ai/inbox-sync/internal/model"
	"github.com/capitalize-ai/inbox-sync/pkg/logger"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type recordingStore struct {
	Store
	failIDs map[string]bool
}

func (s *recordingStore) InsertMessage(ctx context.Context, in model.NewMessage) (*model.Message, error) {
	if s.failIDs[in.ConversationID] {
		return nil, ErrNotFound
	}
	content := in.Content
	return &model.Message{ID: "m1", ConversationID: in.ConversationID, Sender: in.Sender, Content: &content, CreatedAt: base}, nil
}

func (s *recordingStore) UpdateConversations(ctx context.Context, ids []string, patch ConversationPatch) (*BatchResult, error) {
	res := &BatchResult{Failed: make(map[string]error)}
	for _, id := range ids {
		if s.failIDs[id] {
			res.Failed[id] = ErrNotFound
			continue
		}
		conv := model.Conversation{ID: id, AgentID: "a1", Channel: model.ChannelWeb, Status: model.StatusOpen, LastMessageAt: base, CreatedAt: base, UpdatedAt: base}
		patch.Apply(&conv)
		res.Updated = append(res.Updated, conv)
	}
	return res, nil
}

func TestQueryFromSpec(t *testing.T) {
	from := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC)
	spec := filter.New().
		WithStatuses(model.StatusOpen).
		WithDateRange(from, to).
		WithPage(3)

	q := QueryFromSpec(spec, 20)
	if q.Offset != 40 || q.Limit != 20 {
		t.Errorf("expected offset 40 limit 20, got %d/%d", q.Offset, q.Limit)
	}
	if len(q.Statuses) != 1 || q.Statuses[0] != model.StatusOpen {
		t.Errorf("unexpected statuses %v", q.Statuses)
	}
	if !q.Until.After(to) {
		t.Errorf("expected the end day to be included, got until %v", q.Until)
	}
	if q.IDs != nil {
		t.Error("expected no id restriction")
	}

	restricted := q.WithIDs([]string{"b", "a"})
	if restricted.IDs[0] != "a" || q.IDs != nil {
		t.Errorf("expected sorted copy, got %v", restricted.IDs)
	}
}

func TestLoopbackDeliversToSubscribers(t *testing.T) {
	feed := NewLoopback()
	var got []string
	var states []FeedState
	sub, err := feed.Subscribe(context.Background(), func(ev model.Event) {
		got = append(got, ev.ConversationID())
	}, func(s FeedState) { states = append(states, s) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(states) != 1 || states[0] != FeedConnected {
		t.Errorf("expected connected state, got %v", states)
	}

	conv := model.Conversation{ID: "c1"}
	feed.PublishEvent(context.Background(), model.ConversationCreated(conv))
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	feed.PublishEvent(context.Background(), model.ConversationCreated(conv))

	if len(got) != 1 {
		t.Errorf("expected one delivery before unsubscribe, got %d", len(got))
	}
}

func TestPublishingStoreEmitsAfterCommands(t *testing.T) {
	feed := NewLoopback()
	var kinds []model.EventKind
	feed.Subscribe(context.Background(), func(ev model.Event) { kinds = append(kinds, ev.Kind) }, nil)

	store := Publishing(&recordingStore{failIDs: map[string]bool{"gone": true}}, feed, logger.Nop())
	ctx := context.Background()

	if _, err := store.InsertMessage(ctx, model.NewMessage{ConversationID: "c1", Sender: model.SenderAgent, Content: "hi"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.InsertMessage(ctx, model.NewMessage{ConversationID: "gone", Sender: model.SenderAgent, Content: "hi"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	resolved := model.StatusResolved
	res, err := store.UpdateConversations(ctx, []string{"c1", "gone", "c2"}, ConversationPatch{Status: &resolved})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(res.Failed) != 1 {
		t.Errorf("expected one failed row, got %v", res.Failed)
	}

	want := []model.EventKind{model.EventMessageCreated, model.EventConversationUpdated, model.EventConversationUpdated}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], kinds[i])
		}
	}
}
