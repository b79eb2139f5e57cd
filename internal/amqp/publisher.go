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
)

// Publisher publishes inbox events to the exchange with the event kind as
// routing key.
type Publisher struct {
	cfg  Config
	log  *logger.Logger
	mu   sync.Mutex
	conn *amqp091.Connection
}

// NewPublisher connects and declares the exchange.
func NewPublisher(ctx context.Context, cfg Config, log *logger.Logger) (*Publisher, error) {
	cfg = cfg.withDefaults()
	p := &Publisher{cfg: cfg, log: log.Named("amqp")}
	if _, err := p.connection(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// connection returns the live connection, redialing after a broker drop.
func (p *Publisher) connection(ctx context.Context) (*amqp091.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn, nil
	}

	conn, err := DialWithRetry(ctx, p.cfg, p.log)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	if err := declareExchange(ch, p.cfg.Exchange); err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return conn, nil
}

// PublishEvent publishes event persistently and waits for the broker confirm.
func (p *Publisher) PublishEvent(ctx context.Context, event model.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.EmittedAt.IsZero() {
		event.EmittedAt = time.Now()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	conn, err := p.connection(ctx)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("enable confirms: %w", err)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(
		ctx, p.cfg.Exchange, string(event.Kind), false, false,
		amqp091.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp091.Persistent,
			MessageId:     event.ID,
			CorrelationId: event.ConversationID(),
			Timestamp:     event.EmittedAt,
			Body:          body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", event.Kind, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker rejected %s event %s", event.Kind, event.ID)
	}

	p.log.Debug("published",
		zap.String("key", string(event.Kind)),
		zap.String("exchange", p.cfg.Exchange),
	)
	return nil
}

// Close closes the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil || p.conn.IsClosed() {
		return nil
	}
	return p.conn.Close()
}

// IsConnected reports whether the publisher holds an open connection.
func (p *Publisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil && !p.conn.IsClosed()
}

var _ backend.Publisher = (*Publisher)(nil)
