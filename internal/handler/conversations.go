package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox-sync/internal/backend"
	"github.com/capitalize-ai/inbox-sync/internal/model"
	"github.com/capitalize-ai/inbox-sync/internal/service"
	"github.com/capitalize-ai/inbox-sync/pkg/logger"
)

// ConversationHandler handles ingress conversation and agent endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	agents  backend.Querier
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, agents backend.Querier, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		agents:  agents,
		logger:  log,
	}
}

// Create handles POST /api/v1/ingress/conversations
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.NewConversation
	if !decodeJSON(w, r, &req) {
		return
	}

	conv, err := h.service.Create(r.Context(), req)
	if err != nil {
		if errors.Is(err, model.ErrMalformed) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("failed to create conversation", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	writeJSON(w, http.StatusCreated, conv)
}

// PutAgent handles PUT /api/v1/ingress/agents/{id}
func (h *ConversationHandler) PutAgent(w http.ResponseWriter, r *http.Request) {
	var agent model.Agent
	if !decodeJSON(w, r, &agent) {
		return
	}
	agent.ID = chi.URLParam(r, "id")

	if err := h.service.RegisterAgent(r.Context(), agent); err != nil {
		if errors.Is(err, model.ErrMalformed) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("failed to register agent", zap.String("agent_id", agent.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to register agent")
		return
	}

	writeJSON(w, http.StatusOK, agent)
}

// ListAgents handles GET /api/v1/agents
func (h *ConversationHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.agents.ListAgents(r.Context())
	if err != nil {
		h.logger.Error("failed to list agents", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to list agents")
		return
	}
	if agents == nil {
		agents = []model.Agent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": agents,
	})
}
