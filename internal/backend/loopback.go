package backend

import (
	"context"
	"sync"

	"github.com/capitalize-ai/inbox-sync/internal/model"
)

// Loopback is an in-process feed: events published on it are delivered
// synchronously to every subscription. It serves single-node deployments
// without a broker.
type Loopback struct {
	mu     sync.RWMutex
	subs   map[int]EventHandler
	nextID int
}

// NewLoopback creates an empty loopback feed.
func NewLoopback() *Loopback {
	return &Loopback{subs: make(map[int]EventHandler)}
}

type loopbackSubscription struct {
	feed *Loopback
	id   int
}

func (s loopbackSubscription) Unsubscribe() error {
	s.feed.mu.Lock()
	delete(s.feed.subs, s.id)
	s.feed.mu.Unlock()
	return nil
}

// Subscribe registers onEvent. The feed never disconnects, so onState only
// ever sees FeedConnected.
func (l *Loopback) Subscribe(ctx context.Context, onEvent EventHandler, onState StateHandler) (Subscription, error) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = onEvent
	l.mu.Unlock()

	if onState != nil {
		onState(FeedConnected)
	}
	return loopbackSubscription{feed: l, id: id}, nil
}

// PublishEvent delivers event to every subscription.
func (l *Loopback) PublishEvent(ctx context.Context, event model.Event) error {
	l.mu.RLock()
	handlers := make([]EventHandler, 0, len(l.subs))
	for _, h := range l.subs {
		handlers = append(handlers, h)
	}
	l.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
	return nil
}

var (
	_ Subscriber = (*Loopback)(nil)
	_ Publisher  = (*Loopback)(nil)
)
