// Package service provides the ingress side of the inbox: channel adapters
// report new conversations and inbound messages through it.
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

// ConversationService opens conversations and maintains agents.
type ConversationService struct {
	registrar backend.Registrar
	publisher backend.Publisher
	logger    *logger.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(registrar backend.Registrar, publisher backend.Publisher, log *logger.Logger) *ConversationService {
	return &ConversationService{
		registrar: registrar,
		publisher: publisher,
		logger:    log.Named("ingress"),
	}
}

// Create opens a conversation and announces it on the live feed. A failed
// announcement is logged; the conversation still exists and shows up on the
// next page load.
func (s *ConversationService) Create(ctx context.Context, req model.NewConversation) (*model.Conversation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	conv, err := s.registrar.CreateConversation(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	if err := s.publisher.PublishEvent(ctx, model.ConversationCreated(*conv)); err != nil {
		s.logger.Warn("failed to publish conversation.created",
			zap.String("conversation_id", conv.ID),
			zap.Error(err),
		)
	}

	metrics.IngressTotal.WithLabelValues("conversation", string(conv.Channel)).Inc()
	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("agent_id", conv.AgentID),
		zap.String("channel", string(conv.Channel)),
	)
	return conv, nil
}

// RegisterAgent creates or renames an agent.
func (s *ConversationService) RegisterAgent(ctx context.Context, agent model.Agent) error {
	if agent.ID == "" || agent.Name == "" {
		return fmt.Errorf("%w: agent id and name are required", model.ErrMalformed)
	}
	if err := s.registrar.UpsertAgent(ctx, agent); err != nil {
		return fmt.Errorf("register agent %s: %w", agent.ID, err)
	}
	return nil
}
