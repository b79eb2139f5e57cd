package inbox

import (
	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox-sync/internal/model"
	"github.com/capitalize-ai/inbox-sync/pkg/metrics"
)

// Event outcomes recorded per applied event.
const (
	outcomeApplied   = "applied"
	outcomeDuplicate = "duplicate"
	outcomeIgnored   = "ignored"
	outcomeMalformed = "malformed"
)

// ApplyEvent patches cached pages and threads with one live feed event.
// Applying the same event again leaves the state unchanged. Malformed events
// are quarantined: logged, counted and otherwise ignored.
func (e *Engine) ApplyEvent(ev model.Event) {
	if err := ev.Validate(); err != nil {
		metrics.RecordEvent(string(ev.Kind), outcomeMalformed)
		e.log.Warn("quarantined malformed event",
			zap.String("kind", string(ev.Kind)),
			zap.String("event_id", ev.ID),
			zap.Error(err),
		)
		return
	}

	var outcome string
	if !e.apply(func() { outcome = e.ingestLocked(ev) }) {
		return
	}
	metrics.RecordEvent(string(ev.Kind), outcome)
	e.log.Debug("event applied",
		zap.String("kind", string(ev.Kind)),
		zap.String("conversation_id", ev.ConversationID()),
		zap.String("outcome", outcome),
	)
}

func (e *Engine) ingestLocked(ev model.Event) string {
	switch ev.Kind {
	case model.EventMessageCreated:
		return e.ingestMessageLocked(*ev.Message)
	case model.EventConversationCreated:
		return e.ingestCreatedLocked(ev.Conversation.Clone())
	case model.EventConversationUpdated:
		return e.ingestUpdatedLocked(ev.Conversation.Clone())
	}
	return outcomeIgnored
}

func (e *Engine) ingestMessageLocked(msg model.Message) string {
	if e.seenMessages.has(msg.ID) {
		return outcomeDuplicate
	}
	e.seenMessages.add(msg.ID)
	e.latest.observe(msg)

	touched := e.touchLocked(msg)
	if e.threads.add(msg) {
		touched = true
	}
	if !touched {
		return outcomeIgnored
	}
	return outcomeApplied
}

// touchLocked advances every cached copy of the message's conversation and
// re-sorts the pages holding it.
func (e *Engine) touchLocked(msg model.Message) bool {
	markUnread := msg.Sender == model.SenderUser &&
		!(e.opts.quietOpenThread && msg.ConversationID == e.openID)

	touched := false
	e.pages.each(func(p *page) {
		i := p.index(msg.ConversationID)
		if i < 0 {
			return
		}
		touched = true
		conv := &p.items[i]
		advance(conv, msg, markUnread)
		p.fresh = false
		if !p.spec.Matches(*conv) {
			p.remove(i)
			return
		}
		p.resort()
	})
	if t := e.threads.get(msg.ConversationID); t != nil && t.conv != nil {
		advance(t.conv, msg, markUnread)
	}
	return touched
}

// advance never moves LastMessageAt backwards, whatever the delivery order.
func advance(conv *model.Conversation, msg model.Message, markUnread bool) {
	if msg.CreatedAt.After(conv.LastMessageAt) {
		conv.LastMessageAt = msg.CreatedAt
	}
	if markUnread {
		conv.Unread = true
	}
}

// ingestCreatedLocked adds a new conversation to the first page of every
// cached view whose filter it matches. Views with a search term are skipped:
// a new conversation has no content to match yet. Later pages only count it,
// since its position there is unknown.
func (e *Engine) ingestCreatedLocked(conv model.Conversation) string {
	if e.seenConversations.has(conv.ID) {
		return outcomeDuplicate
	}
	e.seenConversations.add(conv.ID)
	// Its first messages may have been delivered before it.
	e.latest.lift(&conv)

	outcome := outcomeIgnored
	e.pages.each(func(p *page) {
		if p.index(conv.ID) >= 0 {
			return
		}
		if p.spec.HasSearch() || !p.spec.Matches(conv) {
			return
		}
		outcome = outcomeApplied
		if p.spec.Page() == 1 {
			p.prepend(conv.Clone(), e.opts.pageSize)
			return
		}
		p.total++
		p.fresh = false
	})
	return outcome
}

// ingestUpdatedLocked replaces cached copies of conv that are older than the
// event and drops the conversation from views whose filter it no longer
// matches. Conversations that newly match a view are not inserted; they
// appear on the next fetch.
func (e *Engine) ingestUpdatedLocked(conv model.Conversation) string {
	e.latest.lift(&conv)
	outcome := outcomeIgnored
	newer := func(cur model.Conversation) bool {
		return conv.UpdatedAt.IsZero() || conv.UpdatedAt.After(cur.UpdatedAt)
	}

	e.pages.each(func(p *page) {
		i := p.index(conv.ID)
		if i < 0 {
			return
		}
		cur := p.items[i]
		if !newer(cur) {
			if outcome == outcomeIgnored {
				outcome = outcomeDuplicate
			}
			return
		}
		outcome = outcomeApplied
		next := merge(cur, conv)
		p.items[i] = next
		if !p.spec.Matches(next) {
			p.remove(i)
			return
		}
		if !next.LastMessageAt.Equal(cur.LastMessageAt) {
			p.fresh = false
			p.resort()
		}
	})
	if t := e.threads.get(conv.ID); t != nil && t.conv != nil && newer(*t.conv) {
		next := merge(*t.conv, conv)
		t.conv = &next
		outcome = outcomeApplied
	}
	return outcome
}

// merge takes every field from the update except LastMessageAt, which only
// moves forward.
func merge(cur, update model.Conversation) model.Conversation {
	next := update.Clone()
	if cur.LastMessageAt.After(next.LastMessageAt) {
		next.LastMessageAt = cur.LastMessageAt
	}
	return next
}

// eachCopyLocked visits every cached copy of a conversation.
func (e *Engine) eachCopyLocked(id string, fn func(*model.Conversation)) {
	e.pages.each(func(p *page) {
		if i := p.index(id); i >= 0 {
			fn(&p.items[i])
		}
	})
	if t := e.threads.get(id); t != nil && t.conv != nil {
		fn(t.conv)
	}
}

// findLocked returns a cached copy of a conversation.
func (e *Engine) findLocked(id string) (model.Conversation, bool) {
	if p := e.pages.peek(e.shown); p != nil {
		if i := p.index(id); i >= 0 {
			return p.items[i], true
		}
	}
	var found *model.Conversation
	e.eachCopyLocked(id, func(c *model.Conversation) {
		if found == nil {
			found = c
		}
	})
	if found == nil {
		return model.Conversation{}, false
	}
	return *found, true
}
