package inbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/capitalize-ai/inbox-sync/internal/backend"
	"github.com/capitalize-ai/inbox-sync/internal/model"
)

// fakeBackend is an in-memory backend with call counters and hooks for
// holding calls open.
type fakeBackend struct {
	mu       sync.Mutex
	convs    map[string]model.Conversation
	messages []model.Message
	nextID   int
	clock    time.Time

	queryCalls  int
	searchCalls int
	insertCalls int
	updateCalls int

	queryErr  error
	listErr   error
	insertErr error
	updateErr error
	failIDs   map[string]error

	// queryHook runs before a query returns and may block.
	queryHook func(q backend.ConversationQuery)
	// insertHook runs before an insert returns and may block.
	insertHook func()
	// listHook runs before a message listing returns.
	listHook func()

	onEvent      backend.EventHandler
	onState      backend.StateHandler
	unsubscribed bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		convs:   make(map[string]model.Conversation),
		failIDs: make(map[string]error),
		clock:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeBackend) addConversation(conv model.Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conv.Channel == "" {
		conv.Channel = model.ChannelWeb
	}
	if conv.Status == "" {
		conv.Status = model.StatusOpen
	}
	if conv.AgentID == "" {
		conv.AgentID = "agent-1"
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = f.clock
	}
	f.convs[conv.ID] = conv
}

func (f *fakeBackend) addMessage(msg model.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

func (f *fakeBackend) calls() (query, search, insert, update int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queryCalls, f.searchCalls, f.insertCalls, f.updateCalls
}

func (f *fakeBackend) QueryConversations(ctx context.Context, q backend.ConversationQuery) (*backend.ConversationPage, error) {
	f.mu.Lock()
	f.queryCalls++
	hook := f.queryHook
	err := f.queryErr
	f.mu.Unlock()

	if hook != nil {
		hook(q)
	}
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []model.Conversation
	for _, c := range f.convs {
		if matchesQuery(q, c) {
			matched = append(matched, c.Clone())
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].LastMessageAt.Equal(matched[j].LastMessageAt) {
			return matched[i].LastMessageAt.After(matched[j].LastMessageAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	start := min(q.Offset, total)
	end := min(start+q.Limit, total)
	return &backend.ConversationPage{Conversations: matched[start:end], Total: total}, nil
}

func matchesQuery(q backend.ConversationQuery, c model.Conversation) bool {
	in := func(set []string, v string) bool {
		if len(set) == 0 {
			return true
		}
		for _, s := range set {
			if s == v {
				return true
			}
		}
		return false
	}
	channels := make([]string, len(q.Channels))
	for i, ch := range q.Channels {
		channels[i] = string(ch)
	}
	statuses := make([]string, len(q.Statuses))
	for i, st := range q.Statuses {
		statuses[i] = string(st)
	}
	if !in(q.AgentIDs, c.AgentID) || !in(channels, string(c.Channel)) || !in(statuses, string(c.Status)) {
		return false
	}
	if q.IDs != nil && !in(q.IDs, c.ID) {
		return false
	}
	if q.UnreadOnly && !c.Unread {
		return false
	}
	if !q.From.IsZero() && c.LastMessageAt.Before(q.From) {
		return false
	}
	if !q.Until.IsZero() && !c.LastMessageAt.Before(q.Until) {
		return false
	}
	return true
}

func (f *fakeBackend) ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	f.mu.Lock()
	hook := f.listHook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []model.Message
	for _, m := range f.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeBackend) ListAgents(ctx context.Context) ([]model.Agent, error) {
	return []model.Agent{{ID: "agent-1", Name: "Support", Role: "support"}}, nil
}

func (f *fakeBackend) SearchMessages(ctx context.Context, text string, limit int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	var out []model.Message
	for i := len(f.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if strings.Contains(strings.ToLower(f.messages[i].Text()), strings.ToLower(text)) {
			out = append(out, f.messages[i])
		}
	}
	return out, nil
}

func (f *fakeBackend) InsertMessage(ctx context.Context, in model.NewMessage) (*model.Message, error) {
	f.mu.Lock()
	f.insertCalls++
	hook := f.insertHook
	err := f.insertErr
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.clock = f.clock.Add(time.Minute)
	content := in.Content
	msg := model.Message{
		ID:             fmt.Sprintf("msg-%03d", f.nextID),
		ConversationID: in.ConversationID,
		Sender:         in.Sender,
		Content:        &content,
		CreatedAt:      f.clock,
	}
	f.messages = append(f.messages, msg)
	return &msg, nil
}

func (f *fakeBackend) UpdateConversation(ctx context.Context, id string, patch backend.ConversationPatch) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return f.updateLocked(id, patch)
}

func (f *fakeBackend) UpdateConversations(ctx context.Context, ids []string, patch backend.ConversationPatch) (*backend.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	res := &backend.BatchResult{Failed: make(map[string]error)}
	for _, id := range ids {
		if err, ok := f.failIDs[id]; ok {
			res.Failed[id] = err
			continue
		}
		conv, err := f.updateLocked(id, patch)
		if err != nil {
			res.Failed[id] = err
			continue
		}
		res.Updated = append(res.Updated, *conv)
	}
	return res, nil
}

func (f *fakeBackend) updateLocked(id string, patch backend.ConversationPatch) (*model.Conversation, error) {
	conv, ok := f.convs[id]
	if !ok {
		return nil, backend.ErrNotFound
	}
	patch.Apply(&conv)
	f.clock = f.clock.Add(time.Second)
	conv.UpdatedAt = f.clock
	f.convs[id] = conv
	out := conv.Clone()
	return &out, nil
}

func (f *fakeBackend) Subscribe(ctx context.Context, onEvent backend.EventHandler, onState backend.StateHandler) (backend.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onEvent = onEvent
	f.onState = onState
	return f, nil
}

func (f *fakeBackend) Unsubscribe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = true
	return nil
}

func (f *fakeBackend) setState(state backend.FeedState) {
	f.mu.Lock()
	onState := f.onState
	f.mu.Unlock()
	onState(state)
}
