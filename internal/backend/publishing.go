package backend

import (
	"context"

	"github.com/capitalize-ai/inbox-sync/internal/model"
	"github.com/capitalize-ai/inbox-sync/pkg/logger"
	"go.uber.org/zap"
)

// Publisher emits domain events onto the live feed.
type Publisher interface {
	PublishEvent(ctx context.Context, event model.Event) error
}

// PublishingStore emits a feed event after every successful command.
type PublishingStore struct {
	Store
	publisher Publisher
	logger    *logger.Logger
}

// Publishing wraps store so commands publish their effects.
func Publishing(store Store, publisher Publisher, log *logger.Logger) *PublishingStore {
	return &PublishingStore{Store: store, publisher: publisher, logger: log}
}

// InsertMessage inserts and publishes message.created.
func (s *PublishingStore) InsertMessage(ctx context.Context, msg model.NewMessage) (*model.Message, error) {
	created, err := s.Store.InsertMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, model.MessageCreated(*created))
	return created, nil
}

// UpdateConversation updates and publishes conversation.updated.
func (s *PublishingStore) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) (*model.Conversation, error) {
	conv, err := s.Store.UpdateConversation(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, model.ConversationUpdated(*conv))
	return conv, nil
}

// UpdateConversations updates and publishes one event per updated row.
func (s *PublishingStore) UpdateConversations(ctx context.Context, ids []string, patch ConversationPatch) (*BatchResult, error) {
	res, err := s.Store.UpdateConversations(ctx, ids, patch)
	if err != nil {
		return nil, err
	}
	for _, conv := range res.Updated {
		s.publish(ctx, model.ConversationUpdated(conv))
	}
	return res, nil
}

// publish logs failures; the command has already committed.
func (s *PublishingStore) publish(ctx context.Context, event model.Event) {
	if err := s.publisher.PublishEvent(ctx, event); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("kind", string(event.Kind)),
			zap.String("conversation_id", event.ConversationID()),
			zap.Error(err),
		)
	}
}
