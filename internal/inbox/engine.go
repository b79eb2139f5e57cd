// Package inbox keeps a live, paginated projection of the conversation inbox
// for one viewing session. Page queries, live feed events, optimistic
// mutations and their acknowledgments all funnel through one serialized
// apply path, so the projection is only ever written by one caller at a time.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox-sync/internal/backend"
	"github.com/capitalize-ai/inbox-sync/internal/filter"
	"github.com/capitalize-ai/inbox-sync/internal/model"
	"github.com/capitalize-ai/inbox-sync/pkg/logger"
	"github.com/capitalize-ai/inbox-sync/pkg/metrics"
)

const tracerName = "github.com/capitalize-ai/inbox-sync/internal/inbox"

var errFeedDisconnected = errors.New("live event feed disconnected")

// Engine is the inbox sync engine. It is safe for concurrent use.
type Engine struct {
	backend  backend.Backend
	resolver *SearchResolver
	opts     options
	log      *logger.Logger
	tracer   trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sub    backend.Subscription

	mu sync.Mutex
	// spec is the requested view; shown is the key of the page on display,
	// which lags spec while a fetch is in flight.
	spec  filter.Spec
	gen   uint64
	shown string
	pages *pageStore
	// loading is set while the fetch for gen is in flight.
	loading bool

	threads *messageCache
	openID  string

	feedDown bool
	missed   bool
	// reconnectGen is gen when the feed last reconnected. A page fetched
	// for a later gen reflects everything missed while it was down.
	reconnectGen uint64
	closed       bool

	seenMessages      *recentSet
	seenConversations *recentSet
	latest            *latestSeen

	errs    chan *Error
	changes chan struct{}
}

// Snapshot is a read-only copy of the current view.
type Snapshot struct {
	Spec          filter.Spec          `json:"filter"`
	Conversations []model.Conversation `json:"conversations"`
	Total         int                  `json:"total"`
	PageSize      int                  `json:"page_size"`
	// Loading is set while a fetch for Spec is in flight; Conversations
	// still show the previous page.
	Loading bool `json:"loading"`
	// Stale is set while the live feed is down or events may have been
	// missed since it reconnected.
	Stale  bool        `json:"stale"`
	Thread *ThreadView `json:"thread,omitempty"`
}

// ThreadView is the open conversation's message history.
type ThreadView struct {
	ConversationID string              `json:"conversation_id"`
	Conversation   *model.Conversation `json:"conversation,omitempty"`
	Messages       []model.Message     `json:"messages"`
	Loading        bool                `json:"loading"`
}

// New creates an engine over b and subscribes to its live feed. The filter
// is restored from the configured filter store; call Refresh to load the
// first page.
func New(ctx context.Context, b backend.Backend, opts ...Option) (*Engine, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		backend:           b,
		resolver:          NewSearchResolver(b, o.searchWindow),
		opts:              o,
		log:               o.logger.Named("inbox"),
		tracer:            otel.Tracer(tracerName),
		spec:              filter.New(),
		pages:             newPageStore(o.pageCacheSize),
		threads:           newMessageCache(o.threadLimit, o.threadCacheSize),
		seenMessages:      newRecentSet(seenMessageCapacity),
		seenConversations: newRecentSet(seenMessageCapacity),
		latest:            newLatestSeen(seenMessageCapacity),
		errs:              make(chan *Error, o.errorBuffer),
		changes:           make(chan struct{}, 1),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	if o.filterStore != nil {
		spec, ok, err := o.filterStore.Load()
		if err != nil {
			e.log.Warn("failed to restore filter, using defaults", zap.Error(err))
		} else if ok {
			e.spec = spec
		}
	}

	sub, err := b.Subscribe(ctx, e.ApplyEvent, e.onFeedState)
	if err != nil {
		e.cancel()
		return nil, fmt.Errorf("subscribe to event feed: %w", err)
	}
	e.sub = sub
	metrics.SessionsActive.Inc()

	return e, nil
}

// Close unsubscribes from the feed and stops the engine. Results of queries
// and commands still in flight are ignored.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.errs)
	close(e.changes)
	e.mu.Unlock()

	e.cancel()
	var err error
	if e.sub != nil {
		if uerr := e.sub.Unsubscribe(); uerr != nil {
			err = fmt.Errorf("unsubscribe from event feed: %w", uerr)
		}
	}
	e.wg.Wait()
	metrics.SessionsActive.Dec()
	e.log.Info("inbox engine closed")
	return err
}

// Errors delivers every surfaced failure. Notifications are dropped when the
// buffer is full. The channel is closed by Close.
func (e *Engine) Errors() <-chan *Error {
	return e.errs
}

// Changes signals after each state change. Signals coalesce; read Snapshot
// after receiving one. The channel is closed by Close.
func (e *Engine) Changes() <-chan struct{} {
	return e.changes
}

// Spec returns the requested view.
func (e *Engine) Spec() filter.Spec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spec
}

// Snapshot returns a copy of the current view.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{
		Spec:          e.spec,
		Conversations: []model.Conversation{},
		PageSize:      e.opts.pageSize,
		Loading:       e.loading,
		Stale:         e.feedDown || e.missed,
	}
	if p := e.pages.peek(e.shown); p != nil {
		snap.Conversations = p.snapshot()
		snap.Total = p.total
	}
	if e.openID != "" {
		view := &ThreadView{ConversationID: e.openID, Messages: []model.Message{}}
		if t, ok := e.threads.threads[e.openID]; ok {
			view.Messages = t.snapshot()
			view.Loading = t.loading
			if t.conv != nil {
				c := t.conv.Clone()
				view.Conversation = &c
			}
		}
		snap.Thread = view
	}
	return snap
}

// SetSpec switches to another view. Unless next differs from the current
// view only by page, it starts at page 1. A cached page that no event has
// touched is shown without a query. If a newer SetSpec overtakes this one,
// the result is discarded and ErrSuperseded returned.
func (e *Engine) SetSpec(ctx context.Context, next filter.Spec) error {
	return e.load(ctx, func(cur filter.Spec) filter.Spec {
		if !next.SameView(cur) {
			return next.WithPage(1)
		}
		return next
	}, false)
}

// SetPage moves to another page of the current view.
func (e *Engine) SetPage(ctx context.Context, page int) error {
	return e.load(ctx, func(cur filter.Spec) filter.Spec {
		return cur.WithPage(page)
	}, false)
}

// Refresh re-queries the current view, bypassing the page cache.
func (e *Engine) Refresh(ctx context.Context) error {
	return e.load(ctx, func(cur filter.Spec) filter.Spec { return cur }, true)
}

func (e *Engine) load(ctx context.Context, pick func(filter.Spec) filter.Spec, force bool) error {
	var (
		next    filter.Spec
		changed bool
		gen     uint64
		hit     bool
	)
	if !e.apply(func() {
		next = pick(e.spec)
		changed = !next.Equal(e.spec)
		e.spec = next
		e.gen++
		gen = e.gen
		e.loading = true
		if force {
			return
		}
		if p := e.pages.lookup(next.Key()); p != nil && p.fresh {
			e.shown = p.key
			e.loading = false
			hit = true
		}
	}) {
		return ErrClosed
	}

	if changed {
		e.log.Info("filter changed", zap.String("filter", next.Key()))
		e.saveFilter(next)
	}
	if hit {
		metrics.PageCacheTotal.WithLabelValues("hit").Inc()
		return nil
	}
	metrics.PageCacheTotal.WithLabelValues("miss").Inc()

	items, total, err := e.queryPage(ctx, next)

	var out error
	if !e.apply(func() {
		if gen != e.gen || !next.Equal(e.spec) {
			metrics.StaleResponsesTotal.Inc()
			e.log.Warn("discarded stale page response", zap.String("filter", next.Key()))
			out = ErrSuperseded
			return
		}
		e.loading = false
		if err != nil {
			out = e.reportLocked(&Error{Kind: KindQueryFailed, Op: OpFetchPage, Err: err})
			return
		}
		lifted := false
		for i := range items {
			if e.latest.lift(&items[i]) {
				lifted = true
			}
		}
		p := e.pages.store(next, items, total, e.shown)
		if lifted {
			p.resort()
		}
		e.shown = p.key
		if !e.feedDown && gen > e.reconnectGen {
			e.missed = false
		}
	}) {
		return ErrClosed
	}
	return out
}

// queryPage runs the page query, narrowed by the search resolver. A search
// that matches nothing yields an empty page without a row query.
func (e *Engine) queryPage(ctx context.Context, spec filter.Spec) ([]model.Conversation, int, error) {
	q := backend.QueryFromSpec(spec, e.opts.pageSize)
	if spec.HasSearch() {
		spanCtx, span := e.startSpan(ctx, "inbox.SearchMessages")
		ids, err := e.resolver.Resolve(spanCtx, spec.Search())
		endSpan(span, err)
		if err != nil {
			return nil, 0, err
		}
		if ids != nil {
			if len(ids) == 0 {
				return []model.Conversation{}, 0, nil
			}
			q = q.WithIDs(ids.IDs())
		}
	}

	spanCtx, span := e.startSpan(ctx, "inbox.QueryConversations")
	start := time.Now()
	res, err := e.backend.QueryConversations(spanCtx, q)
	metrics.RecordQuery("conversations", err, time.Since(start).Seconds())
	endSpan(span, err)
	if err != nil {
		return nil, 0, fmt.Errorf("query conversations: %w", err)
	}

	items := make([]model.Conversation, 0, len(res.Conversations))
	for _, conv := range res.Conversations {
		if verr := conv.Validate(); verr != nil {
			e.log.Warn("quarantined malformed conversation row", zap.Error(verr))
			continue
		}
		items = append(items, conv.Clone())
	}
	return items, res.Total, nil
}

// OpenThread shows a conversation's messages, loading them if they are not
// cached, and marks the conversation read.
func (e *Engine) OpenThread(ctx context.Context, id string) error {
	var (
		t          *thread
		markNeeded = true
	)
	if !e.apply(func() {
		e.openID = id
		conv, found := e.findLocked(id)
		if found {
			markNeeded = conv.Unread
		}
		existing := e.threads.get(id)
		if existing == nil {
			t = e.threads.begin(id, id)
			existing = t
		}
		if existing.conv == nil && found {
			c := conv.Clone()
			existing.conv = &c
		}
	}) {
		return ErrClosed
	}

	if t != nil {
		if err := e.fetchThread(ctx, t); err != nil {
			return err
		}
	}
	if markNeeded {
		return e.MarkRead(ctx, []string{id})
	}
	return nil
}

// CloseThread leaves the thread view. The thread stays cached.
func (e *Engine) CloseThread() {
	e.apply(func() { e.openID = "" })
}

func (e *Engine) fetchThread(ctx context.Context, t *thread) error {
	spanCtx, span := e.startSpan(ctx, "inbox.ListMessages")
	start := time.Now()
	msgs, err := e.backend.ListMessages(spanCtx, t.id, e.opts.threadLimit)
	metrics.RecordQuery("messages", err, time.Since(start).Seconds())
	endSpan(span, err)

	valid := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if verr := m.Validate(); verr != nil {
			e.log.Warn("quarantined malformed message row", zap.Error(verr))
			continue
		}
		valid = append(valid, m)
	}

	var out error
	if !e.apply(func() {
		if err != nil {
			e.threads.abort(t)
			out = e.reportLocked(&Error{
				Kind: KindQueryFailed,
				Op:   OpOpenThread,
				IDs:  []string{t.id},
				Err:  fmt.Errorf("list messages: %w", err),
			})
			return
		}
		if !e.threads.complete(t, valid) {
			e.log.Debug("thread invalidated while loading", zap.String("conversation_id", t.id))
		}
	}) {
		return ErrClosed
	}
	return out
}

func (e *Engine) onFeedState(state backend.FeedState) {
	metrics.FeedTransitionsTotal.WithLabelValues(state.String()).Inc()
	e.log.Info("event feed state changed", zap.String("state", state.String()))

	switch state {
	case backend.FeedDisconnected:
		e.apply(func() {
			if e.feedDown {
				return
			}
			e.feedDown = true
			e.missed = true
			e.reportLocked(&Error{Kind: KindSubscriptionLost, Op: OpSubscribe, Err: errFeedDisconnected})
		})
	case backend.FeedReconnected:
		e.apply(func() {
			e.feedDown = false
			e.missed = true
			e.reconnectGen = e.gen
			e.wg.Add(1)
			go e.resync()
		})
	}
}

// resync reconciles events the feed may have dropped while disconnected:
// every cached page and thread is invalidated, then the current page and
// the open thread are fetched again.
func (e *Engine) resync() {
	defer e.wg.Done()

	var openID string
	if !e.apply(func() {
		e.pages.expire()
		e.threads.invalidateAll()
		openID = e.openID
	}) {
		return
	}

	if err := e.Refresh(e.ctx); err != nil && !errors.Is(err, ErrSuperseded) {
		e.log.Warn("resync after reconnect failed", zap.Error(err))
		return
	}
	if openID == "" {
		return
	}

	var t *thread
	if !e.apply(func() {
		if e.openID != openID || e.threads.get(openID) != nil {
			return
		}
		t = e.threads.begin(openID, openID)
		if conv, ok := e.findLocked(openID); ok {
			c := conv.Clone()
			t.conv = &c
		}
	}) || t == nil {
		return
	}
	if err := e.fetchThread(e.ctx, t); err != nil {
		e.log.Warn("thread reload after reconnect failed", zap.Error(err))
	}
}

// apply runs fn on the serialized apply path. It returns false, without
// running fn, once the engine is closed.
func (e *Engine) apply(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	fn()
	select {
	case e.changes <- struct{}{}:
	default:
	}
	return true
}

func (e *Engine) reportLocked(err *Error) error {
	e.log.Error("inbox operation failed",
		zap.String("kind", string(err.Kind)),
		zap.String("op", err.Op),
		zap.Strings("conversation_ids", err.IDs),
		zap.Error(err.Err),
	)
	select {
	case e.errs <- err:
	default:
		metrics.ErrorsDroppedTotal.Inc()
		e.log.Warn("error notification dropped", zap.String("kind", string(err.Kind)))
	}
	return err
}

func (e *Engine) saveFilter(spec filter.Spec) {
	if e.opts.filterStore == nil {
		return
	}
	if err := e.opts.filterStore.Save(spec); err != nil {
		e.log.Warn("failed to persist filter", zap.Error(err))
	}
}

func (e *Engine) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
