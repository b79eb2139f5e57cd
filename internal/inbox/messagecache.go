package inbox

import (
	"sort"
	"time"

	"github.com/capitalize-ai/inbox-sync/internal/model"
)

// thread is the cached message history of one conversation.
type thread struct {
	id string
	// conv is the summary shown with the thread, when known.
	conv *model.Conversation
	msgs []model.Message
	// loading is set while the initial history fetch is in flight. Messages
	// arriving meanwhile are kept and merged with the fetched history.
	loading bool
	used    uint64
}

func (t *thread) index(msgID string) int {
	for i := range t.msgs {
		if t.msgs[i].ID == msgID {
			return i
		}
	}
	return -1
}

// insert places msg in (CreatedAt, ID) order. It returns false when a
// message with the same id is already present.
func (t *thread) insert(msg model.Message, limit int) bool {
	if t.index(msg.ID) >= 0 {
		return false
	}
	i := sort.Search(len(t.msgs), func(i int) bool {
		return msg.Before(t.msgs[i])
	})
	t.msgs = append(t.msgs, model.Message{})
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = msg
	t.trim(limit)
	return true
}

func (t *thread) removeAt(i int) {
	t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
}

// trim keeps the most recent limit messages.
func (t *thread) trim(limit int) {
	if limit > 0 && len(t.msgs) > limit {
		t.msgs = append([]model.Message(nil), t.msgs[len(t.msgs)-limit:]...)
	}
}

func (t *thread) snapshot() []model.Message {
	out := make([]model.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// messageCache holds per-conversation threads, populated lazily on open and
// invalidated independently of pagination.
type messageCache struct {
	limit    int
	capacity int
	threads  map[string]*thread
	clock    uint64
}

func newMessageCache(limit, capacity int) *messageCache {
	return &messageCache{
		limit:    limit,
		capacity: capacity,
		threads:  make(map[string]*thread),
	}
}

func (c *messageCache) get(id string) *thread {
	t, ok := c.threads[id]
	if !ok {
		return nil
	}
	c.clock++
	t.used = c.clock
	return t
}

// begin registers a thread whose history is about to be fetched.
func (c *messageCache) begin(id string, keep string) *thread {
	c.clock++
	t := &thread{id: id, loading: true, used: c.clock}
	c.threads[id] = t
	for len(c.threads) > c.capacity {
		var oldest *thread
		for _, candidate := range c.threads {
			if candidate.id == keep || candidate.id == id {
				continue
			}
			if oldest == nil || candidate.used < oldest.used {
				oldest = candidate
			}
		}
		if oldest == nil {
			break
		}
		delete(c.threads, oldest.id)
	}
	return t
}

// complete merges fetched history into t. It returns false when t was
// invalidated or evicted while the fetch was in flight.
func (c *messageCache) complete(t *thread, history []model.Message) bool {
	if c.threads[t.id] != t {
		return false
	}
	buffered := t.msgs
	t.msgs = make([]model.Message, 0, len(history)+len(buffered))
	t.msgs = append(t.msgs, history...)
	model.SortMessages(t.msgs)
	for _, m := range buffered {
		t.insert(m, 0)
	}
	t.trim(c.limit)
	t.loading = false
	return true
}

// abort forgets t after a failed fetch.
func (c *messageCache) abort(t *thread) {
	if c.threads[t.id] == t {
		delete(c.threads, t.id)
	}
}

// add inserts msg into its thread when that thread is cached. Messages for
// threads that are not cached are dropped; they are fetched on open.
func (c *messageCache) add(msg model.Message) bool {
	t, ok := c.threads[msg.ConversationID]
	if !ok {
		return false
	}
	return t.insert(msg, c.limit)
}

// replace swaps the speculative message tempID for the authoritative one.
func (c *messageCache) replace(conversationID, tempID string, msg model.Message) {
	t, ok := c.threads[conversationID]
	if !ok {
		return
	}
	if i := t.index(tempID); i >= 0 {
		t.removeAt(i)
	}
	t.insert(msg, c.limit)
}

// discard removes one message from its thread.
func (c *messageCache) discard(conversationID, msgID string) {
	t, ok := c.threads[conversationID]
	if !ok {
		return
	}
	if i := t.index(msgID); i >= 0 {
		t.removeAt(i)
	}
}

// invalidateAll drops every cached thread.
func (c *messageCache) invalidateAll() {
	c.threads = make(map[string]*thread)
}

func (c *messageCache) invalidate(id string) {
	delete(c.threads, id)
}

// recentSet remembers the last capacity ids added.
type recentSet struct {
	capacity int
	order    []string
	next     int
	members  map[string]struct{}
}

func newRecentSet(capacity int) *recentSet {
	return &recentSet{
		capacity: capacity,
		order:    make([]string, 0, capacity),
		members:  make(map[string]struct{}, capacity),
	}
}

func (s *recentSet) has(id string) bool {
	_, ok := s.members[id]
	return ok
}

func (s *recentSet) add(id string) {
	if s.has(id) {
		return
	}
	if len(s.order) < s.capacity {
		s.order = append(s.order, id)
	} else {
		delete(s.members, s.order[s.next])
		s.order[s.next] = id
		s.next = (s.next + 1) % s.capacity
	}
	s.members[id] = struct{}{}
}

// latestSeen remembers, for the last capacity conversations that received a
// message, the newest message time applied. Conversations learned later from
// a page fetch or a created event are lifted to it.
type latestSeen struct {
	capacity int
	order    []string
	next     int
	at       map[string]time.Time
}

func newLatestSeen(capacity int) *latestSeen {
	return &latestSeen{
		capacity: capacity,
		order:    make([]string, 0, capacity),
		at:       make(map[string]time.Time, capacity),
	}
}

func (l *latestSeen) observe(msg model.Message) {
	cur, ok := l.at[msg.ConversationID]
	if ok {
		if msg.CreatedAt.After(cur) {
			l.at[msg.ConversationID] = msg.CreatedAt
		}
		return
	}
	if len(l.order) < l.capacity {
		l.order = append(l.order, msg.ConversationID)
	} else {
		delete(l.at, l.order[l.next])
		l.order[l.next] = msg.ConversationID
		l.next = (l.next + 1) % l.capacity
	}
	l.at[msg.ConversationID] = msg.CreatedAt
}

// lift moves conv.LastMessageAt up to the newest message seen for it and
// reports whether it changed.
func (l *latestSeen) lift(conv *model.Conversation) bool {
	at, ok := l.at[conv.ID]
	if !ok || !at.After(conv.LastMessageAt) {
		return false
	}
	conv.LastMessageAt = at
	return true
}
