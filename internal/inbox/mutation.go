package inbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox-sync/internal/backend"
	"github.com/capitalize-ai/inbox-sync/internal/model"
	"github.com/capitalize-ai/inbox-sync/pkg/metrics"
)

// TempIDPrefix marks the ids of speculative messages.
const TempIDPrefix = "tmp-"

var errNoResult = errors.New("backend returned no result for conversation")

// Mutation is a caller request routed through Mutate.
type Mutation struct {
	Op              string       `json:"op"`
	ConversationIDs []string     `json:"conversation_ids"`
	Status          model.Status `json:"status,omitempty"`
	Text            string       `json:"text,omitempty"`
}

// Mutate dispatches m to the matching gateway operation.
func (e *Engine) Mutate(ctx context.Context, m Mutation) error {
	one := func() (string, error) {
		if len(m.ConversationIDs) != 1 {
			return "", fmt.Errorf("%s needs exactly one conversation id, got %d", m.Op, len(m.ConversationIDs))
		}
		return m.ConversationIDs[0], nil
	}

	switch m.Op {
	case OpSetStatus:
		id, err := one()
		if err != nil {
			return err
		}
		return e.SetStatus(ctx, id, m.Status)
	case OpBulkSetStatus:
		return e.BulkSetStatus(ctx, m.ConversationIDs, m.Status)
	case OpMarkRead:
		return e.MarkRead(ctx, m.ConversationIDs)
	case OpSendReply:
		id, err := one()
		if err != nil {
			return err
		}
		_, err = e.SendReply(ctx, id, m.Text)
		return err
	}
	return fmt.Errorf("unknown mutation %q", m.Op)
}

// SetStatus changes a conversation's status locally, then at the backend.
// On failure the local change is reverted and a MutationFailed error naming
// the original status is returned.
func (e *Engine) SetStatus(ctx context.Context, id string, status model.Status) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}

	var prior model.Status
	known := false
	if !e.apply(func() {
		e.eachCopyLocked(id, func(c *model.Conversation) {
			if !known {
				prior, known = c.Status, true
			}
			c.Status = status
		})
	}) {
		return ErrClosed
	}

	spanCtx, span := e.startSpan(ctx, "inbox.UpdateConversation")
	conv, err := e.backend.UpdateConversation(spanCtx, id, backend.ConversationPatch{Status: &status})
	endSpan(span, err)

	var out error
	rolledBack := 0
	if !e.apply(func() {
		if err != nil {
			fail := &Error{Kind: KindMutationFailed, Op: OpSetStatus, IDs: []string{id}, Err: err}
			if known {
				e.revertStatusLocked(id, status, prior)
				fail.Prior = map[string]model.Status{id: prior}
				rolledBack = 1
			}
			out = e.reportLocked(fail)
			return
		}
		e.reconcileLocked(conv)
	}) {
		return ErrClosed
	}
	metrics.RecordMutation(OpSetStatus, out, rolledBack)
	return out
}

// BulkSetStatus changes the status of several conversations. Rows the
// backend rejects are reverted individually and reported in a single
// PartialBatchFailure; accepted rows stay applied.
func (e *Engine) BulkSetStatus(ctx context.Context, ids []string, status model.Status) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}
	ids = unique(ids)
	if len(ids) == 0 {
		return nil
	}

	priors := make(map[string]model.Status)
	if !e.apply(func() {
		for _, id := range ids {
			e.eachCopyLocked(id, func(c *model.Conversation) {
				if _, ok := priors[id]; !ok {
					priors[id] = c.Status
				}
				c.Status = status
			})
		}
	}) {
		return ErrClosed
	}

	spanCtx, span := e.startSpan(ctx, "inbox.UpdateConversations")
	res, err := e.backend.UpdateConversations(spanCtx, ids, backend.ConversationPatch{Status: &status})
	endSpan(span, err)

	var out error
	rolledBack := 0
	if !e.apply(func() {
		if err != nil {
			for id, prior := range priors {
				e.revertStatusLocked(id, status, prior)
			}
			rolledBack = len(priors)
			out = e.reportLocked(&Error{Kind: KindMutationFailed, Op: OpBulkSetStatus, IDs: ids, Prior: priors, Err: err})
			return
		}

		failures := e.settleBatchLocked(ids, res)
		if len(failures) == 0 {
			return
		}
		failedPrior := make(map[string]model.Status)
		for id := range failures {
			if prior, ok := priors[id]; ok {
				e.revertStatusLocked(id, status, prior)
				failedPrior[id] = prior
			}
		}
		rolledBack = len(failedPrior)
		out = e.reportLocked(partialFailure(OpBulkSetStatus, ids, failures, failedPrior))
	}) {
		return ErrClosed
	}
	metrics.RecordMutation(OpBulkSetStatus, out, rolledBack)
	return out
}

// MarkRead clears the unread flag locally, then at the backend. Every
// conversation whose update fails is set unread again and reported.
func (e *Engine) MarkRead(ctx context.Context, ids []string) error {
	ids = unique(ids)
	if len(ids) == 0 {
		return nil
	}

	affected := make(map[string]bool)
	if !e.apply(func() {
		for _, id := range ids {
			e.eachCopyLocked(id, func(c *model.Conversation) {
				if c.Unread {
					affected[id] = true
				}
				c.Unread = false
			})
		}
	}) {
		return ErrClosed
	}

	unread := false
	spanCtx, span := e.startSpan(ctx, "inbox.UpdateConversations")
	res, err := e.backend.UpdateConversations(spanCtx, ids, backend.ConversationPatch{Unread: &unread})
	endSpan(span, err)

	var out error
	rolledBack := 0
	if !e.apply(func() {
		if err != nil {
			for id := range affected {
				e.revertUnreadLocked(id)
			}
			rolledBack = len(affected)
			out = e.reportLocked(&Error{Kind: KindMutationFailed, Op: OpMarkRead, IDs: ids, Err: err})
			return
		}

		failures := e.settleBatchLocked(ids, res)
		if len(failures) == 0 {
			return
		}
		for id := range failures {
			if affected[id] {
				e.revertUnreadLocked(id)
				rolledBack++
			}
		}
		out = e.reportLocked(partialFailure(OpMarkRead, ids, failures, nil))
	}) {
		return ErrClosed
	}
	metrics.RecordMutation(OpMarkRead, out, rolledBack)
	return out
}

// SendReply posts an agent reply. A speculative copy is shown in the thread
// at once and replaced by the stored message on acknowledgment, or removed
// if the backend rejects it. Blank text is rejected without a backend call.
// SendReply never retries.
func (e *Engine) SendReply(ctx context.Context, id, text string) (*model.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyReply
	}

	content := text
	temp := model.Message{
		ID:             TempIDPrefix + uuid.NewString(),
		ConversationID: id,
		Sender:         model.SenderAgent,
		Content:        &content,
		CreatedAt:      e.opts.now(),
		Pending:        true,
	}
	if !e.apply(func() { e.threads.add(temp) }) {
		return nil, ErrClosed
	}

	spanCtx, span := e.startSpan(ctx, "inbox.InsertMessage")
	msg, err := e.backend.InsertMessage(spanCtx, model.NewMessage{
		ConversationID: id,
		Sender:         model.SenderAgent,
		Content:        text,
	})
	endSpan(span, err)

	var out error
	if !e.apply(func() {
		if err != nil {
			e.threads.discard(id, temp.ID)
			out = e.reportLocked(&Error{Kind: KindMutationFailed, Op: OpSendReply, IDs: []string{id}, Err: err})
			return
		}
		if verr := msg.Validate(); verr != nil {
			e.log.Warn("acknowledged reply is malformed, reloading thread",
				zap.String("conversation_id", id),
				zap.Error(verr),
			)
			e.threads.discard(id, temp.ID)
			e.threads.invalidate(id)
			return
		}
		e.threads.replace(id, temp.ID, *msg)
		e.seenMessages.add(msg.ID)
		e.touchLocked(*msg)
	}) {
		return nil, ErrClosed
	}
	metrics.RecordMutation(OpSendReply, out, 0)
	if out != nil {
		return nil, out
	}
	return msg, nil
}

// settleBatchLocked reconciles accepted rows and returns the failed ones.
// Ids the backend reported neither way count as failed.
func (e *Engine) settleBatchLocked(ids []string, res *backend.BatchResult) map[string]error {
	updated := make(map[string]bool)
	for i := range res.Updated {
		conv := res.Updated[i]
		updated[conv.ID] = true
		e.reconcileLocked(&conv)
	}

	failures := make(map[string]error)
	for _, id := range ids {
		if updated[id] {
			continue
		}
		if ferr := res.Failed[id]; ferr != nil {
			failures[id] = ferr
		} else {
			failures[id] = errNoResult
		}
	}
	return failures
}

// reconcileLocked applies the authoritative row returned by a command.
func (e *Engine) reconcileLocked(conv *model.Conversation) {
	if conv == nil {
		return
	}
	if err := conv.Validate(); err != nil {
		e.log.Warn("quarantined malformed command result", zap.Error(err))
		return
	}
	e.ingestUpdatedLocked(conv.Clone())
}

// revertStatusLocked restores prior on copies still showing the optimistic
// value; copies already replaced by newer backend data are left alone.
func (e *Engine) revertStatusLocked(id string, optimistic, prior model.Status) {
	e.eachCopyLocked(id, func(c *model.Conversation) {
		if c.Status == optimistic {
			c.Status = prior
		}
	})
}

func (e *Engine) revertUnreadLocked(id string) {
	e.eachCopyLocked(id, func(c *model.Conversation) {
		c.Unread = true
	})
}

func partialFailure(op string, ids []string, failures map[string]error, prior map[string]model.Status) *Error {
	failed := sortedKeys(failures)
	errs := make([]error, 0, len(failed))
	for _, id := range failed {
		errs = append(errs, fmt.Errorf("%s: %w", id, failures[id]))
	}
	if len(prior) == 0 {
		prior = nil
	}
	return &Error{
		Kind:     KindPartialBatchFailure,
		Op:       op,
		IDs:      failed,
		Prior:    prior,
		Failures: failures,
		Err:      fmt.Errorf("%d of %d conversations failed: %w", len(failed), len(ids), errors.Join(errs...)),
	}
}

func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
