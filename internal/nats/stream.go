package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox-sync/internal/backend"
	"github.com/capitalize-ai/inbox-sync/internal/model"
	"github.com/capitalize-ai/inbox-sync/pkg/logger"
	"github.com/capitalize-ai/inbox-sync/pkg/metrics"
)

const (
	// StreamName is the name of the inbox events stream.
	StreamName = "INBOX_EVENTS"

	// DefaultSubjectPrefix is the subject prefix for inbox events.
	DefaultSubjectPrefix = "inbox.events"
)

// EventSubject returns the subject for an event:
// <prefix>.<kind>.<conversation id>.
func EventSubject(prefix string, event model.Event) string {
	return fmt.Sprintf("%s.%s.%s", prefix, event.Kind, event.ConversationID())
}

// StreamManager publishes and consumes inbox events on a JetStream stream.
// It implements backend.Subscriber and backend.Publisher.
type StreamManager struct {
	client *Client
	prefix string
	logger *logger.Logger
}

// NewStreamManager creates a stream manager for subjects under prefix.
func NewStreamManager(client *Client, prefix string, log *logger.Logger) *StreamManager {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &StreamManager{client: client, prefix: prefix, logger: log.Named("nats")}
}

// EnsureStream ensures the events stream exists.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{m.prefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  2 * time.Minute,
		Description: "Inbox live feed events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// PublishEvent publishes an event. The event id doubles as the JetStream
// message id, so retried publishes within the duplicate window are dropped.
func (m *StreamManager) PublishEvent(ctx context.Context, event model.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.EmittedAt.IsZero() {
		event.EmittedAt = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := m.client.JetStream().Publish(ctx, EventSubject(m.prefix, event), data, jetstream.WithMsgID(event.ID)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

type subscription struct {
	consume  jetstream.ConsumeContext
	unlisten func()
}

func (s *subscription) Unsubscribe() error {
	s.unlisten()
	s.consume.Stop()
	return nil
}

// Subscribe delivers events published from now on. Connection state changes
// are reported to onState for as long as the subscription is active.
func (m *StreamManager) Subscribe(ctx context.Context, onEvent backend.EventHandler, onState backend.StateHandler) (backend.Subscription, error) {
	consumer, err := m.client.JetStream().OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{m.prefix + ".>"},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		event, err := DecodeEvent(msg.Data())
		if err != nil {
			metrics.RecordEvent("unknown", "malformed")
			m.logger.Warn("dropped undecodable event",
				zap.String("subject", msg.Subject()),
				zap.Error(err),
			)
			return
		}
		onEvent(event)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume events: %w", err)
	}

	sub := &subscription{consume: cc, unlisten: m.client.listen(onState)}
	onState(backend.FeedConnected)
	return sub, nil
}

// DecodeEvent parses a feed payload. Payload validation is left to the
// consumer.
func DecodeEvent(data []byte) (model.Event, error) {
	var event model.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return model.Event{}, fmt.Errorf("%w: %v", model.ErrMalformed, err)
	}
	return event, nil
}

var (
	_ backend.Subscriber = (*StreamManager)(nil)
	_ backend.Publisher  = (*StreamManager)(nil)
)
