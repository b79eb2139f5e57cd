package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox-sync/internal/backend"
	"github.com/capitalize-ai/inbox-sync/internal/model"
	"github.com/capitalize-ai/inbox-sync/pkg/logger"
	"github.com/capitalize-ai/inbox-sync/pkg/metrics"
)

// RoutingKeys are the routing keys every subscription binds.
var RoutingKeys = []string{
	string(model.EventMessageCreated),
	string(model.EventConversationCreated),
	string(model.EventConversationUpdated),
}

// Feed implements backend.Subscriber. Each subscription consumes from its
// own exclusive queue so every viewing session sees every event.
type Feed struct {
	cfg Config
	log *logger.Logger
}

// NewFeed creates a feed over the configured exchange.
func NewFeed(cfg Config, log *logger.Logger) *Feed {
	return &Feed{cfg: cfg.withDefaults(), log: log.Named("amqp")}
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

// Subscribe connects, binds a fresh queue and starts consuming. When the
// connection drops, onState receives FeedDisconnected and the feed redials
// in the background until it consumes again, then reports FeedReconnected.
func (f *Feed) Subscribe(ctx context.Context, onEvent backend.EventHandler, onState backend.StateHandler) (backend.Subscription, error) {
	queue := fmt.Sprintf("%s.%s", f.cfg.QueuePrefix, uuid.NewString())
	connect := func(ctx context.Context) (session, error) {
		conn, deliveries, err := f.consume(ctx, queue)
		if err != nil {
			return nil, err
		}
		return &consumer{feed: f, conn: conn, deliveries: deliveries, onEvent: onEvent}, nil
	}

	first, err := connect(ctx)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	onState(backend.FeedConnected)

	go func() {
		defer close(sub.done)
		supervise(runCtx, first, connect, f.cfg.Delay, onState, f.log.With(zap.String("queue", queue)))
	}()
	return sub, nil
}

// session is one live consumer.
type session interface {
	// wait blocks until ctx ends (false) or the connection is lost (true).
	wait(ctx context.Context) bool
	close()
}

type consumer struct {
	feed       *Feed
	conn       *amqp091.Connection
	deliveries <-chan amqp091.Delivery
	onEvent    backend.EventHandler
}

func (c *consumer) wait(ctx context.Context) bool {
	return c.feed.drain(ctx, c.conn, c.deliveries, c.onEvent)
}

func (c *consumer) close() { c.conn.Close() }

// supervise runs s and replaces it after every connection loss until ctx
// ends.
func supervise(ctx context.Context, s session, connect func(context.Context) (session, error), delay time.Duration, onState backend.StateHandler, log *logger.Logger) {
	for {
		lost := s.wait(ctx)
		s.close()
		if !lost {
			return
		}
		onState(backend.FeedDisconnected)

		next, ok := redial(ctx, connect, delay, log)
		if !ok {
			return
		}
		s = next
		onState(backend.FeedReconnected)
	}
}

// redial calls connect with capped exponential backoff until it succeeds or
// ctx ends.
func redial(ctx context.Context, connect func(context.Context) (session, error), delay time.Duration, log *logger.Logger) (session, bool) {
	for attempt := 1; ; attempt++ {
		s, err := connect(ctx)
		if err == nil {
			return s, true
		}
		if ctx.Err() != nil {
			return nil, false
		}

		sleep := backoff(delay, attempt)
		log.Error("feed resubscribe failed", zap.Int("attempt", attempt), zap.Duration("sleep", sleep), zap.Error(err))

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
		}
	}
}

// drain handles deliveries until ctx ends (false) or the connection is lost
// (true).
func (f *Feed) drain(ctx context.Context, conn *amqp091.Connection, deliveries <-chan amqp091.Delivery, onEvent backend.EventHandler) bool {
	closed := conn.NotifyClose(make(chan *amqp091.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return false
		case err := <-closed:
			f.log.Warn("rabbit connection lost", zap.Any("error", err))
			return true
		case d, ok := <-deliveries:
			if !ok {
				return ctx.Err() == nil
			}
			f.handle(d, onEvent)
		}
	}
}

func (f *Feed) handle(d amqp091.Delivery, onEvent backend.EventHandler) {
	var event model.Event
	if err := json.Unmarshal(d.Body, &event); err != nil {
		metrics.RecordEvent("unknown", "malformed")
		f.log.Warn("dropped undecodable event", zap.String("key", d.RoutingKey), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	onEvent(event)
	_ = d.Ack(false)
}

func (f *Feed) consume(ctx context.Context, queue string) (*amqp091.Connection, <-chan amqp091.Delivery, error) {
	conn, err := DialWithRetry(ctx, f.cfg, f.log)
	if err != nil {
		return nil, nil, err
	}
	deliveries, err := f.setupQueue(conn, queue)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	f.log.Info("subscriber started", zap.String("queue", queue))
	return conn, deliveries, nil
}

func (f *Feed) setupQueue(conn *amqp091.Connection, queue string) (<-chan amqp091.Delivery, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareExchange(ch, f.cfg.Exchange); err != nil {
		return nil, err
	}
	if err := ch.Qos(64, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	q, err := ch.QueueDeclare(queue, false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	for _, key := range RoutingKeys {
		if err := ch.QueueBind(q.Name, key, f.cfg.Exchange, false, nil); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	deliveries, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", q.Name, err)
	}
	return deliveries, nil
}

var _ backend.Subscriber = (*Feed)(nil)
