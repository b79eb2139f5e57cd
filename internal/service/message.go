package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox-sync/internal/backend"
	"github.com/capitalize-ai/inbox-sync/internal/model"
	"github.com/capitalize-ai/inbox-sync/pkg/logger"
	"github.com/capitalize-ai/inbox-sync/pkg/metrics"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// MessageService records inbound user messages. The commander is expected
// to publish message.created, as backend.PublishingStore does.
type MessageService struct {
	commander backend.Commander
	querier   backend.Querier
	logger    *logger.Logger
}

// NewMessageService creates a new message service.
func NewMessageService(commander backend.Commander, querier backend.Querier, log *logger.Logger) *MessageService {
	return &MessageService{
		commander: commander,
		querier:   querier,
		logger:    log.Named("ingress"),
	}
}

// Receive stores a message sent by the end user. The conversation moves to
// the top of every view it matches and becomes unread.
func (s *MessageService) Receive(ctx context.Context, conversationID, content string, attachments []string) (*model.Message, error) {
	msg, err := s.commander.InsertMessage(ctx, model.NewMessage{
		ConversationID: conversationID,
		Sender:         model.SenderUser,
		Content:        content,
		Attachments:    attachments,
	})
	if err != nil {
		return nil, fmt.Errorf("receive message for %s: %w", conversationID, err)
	}

	metrics.IngressTotal.WithLabelValues("message", string(model.SenderUser)).Inc()
	s.logger.Debug("message received",
		zap.String("conversation_id", conversationID),
		zap.String("message_id", msg.ID),
	)
	return msg, nil
}

// History returns the most recent messages of a conversation in thread
// order, so adapters can render context for the agent runtime.
func (s *MessageService) History(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	msgs, err := s.querier.ListMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return msgs, nil
}
