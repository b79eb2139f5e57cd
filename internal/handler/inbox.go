package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox-sync/internal/filter"
	"github.com/capitalize-ai/inbox-sync/internal/inbox"
	"github.com/capitalize-ai/inbox-sync/internal/middleware"
	"github.com/capitalize-ai/inbox-sync/internal/model"
	"github.com/capitalize-ai/inbox-sync/pkg/logger"
)

// Sessions hands out the signed-in operator's inbox engine.
type Sessions interface {
	Get(ctx context.Context, operatorID string) (*inbox.Engine, error)
	Pin(operatorID string) func()
	Dispose(operatorID string) error
}

// InboxHandler exposes the operator's inbox engine.
type InboxHandler struct {
	sessions Sessions
	logger   *logger.Logger
}

// NewInboxHandler creates a new inbox handler.
func NewInboxHandler(sessions Sessions, log *logger.Logger) *InboxHandler {
	return &InboxHandler{
		sessions: sessions,
		logger:   log,
	}
}

type statusRequest struct {
	Status model.Status `json:"status"`
}

type bulkStatusRequest struct {
	ConversationIDs []string     `json:"conversation_ids"`
	Status          model.Status `json:"status"`
}

type readRequest struct {
	ConversationIDs []string `json:"conversation_ids"`
}

type replyRequest struct {
	Text string `json:"text"`
}

// engine resolves the caller's engine, writing the error response itself
// when it cannot.
func (h *InboxHandler) engine(w http.ResponseWriter, r *http.Request) (*inbox.Engine, bool) {
	operatorID := middleware.GetOperatorID(r.Context())
	if operatorID == "" {
		writeError(w, http.StatusUnauthorized, "missing operator")
		return nil, false
	}
	e, err := h.sessions.Get(r.Context(), operatorID)
	if err != nil {
		h.logger.Error("failed to start inbox session", zap.String("operator_id", operatorID), zap.Error(err))
		writeEngineError(w, err)
		return nil, false
	}
	return e, true
}

// Snapshot handles GET /api/v1/inbox
func (h *InboxHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, e.Snapshot())
}

// Refresh handles POST /api/v1/inbox/refresh
func (h *InboxHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	if err := e.Refresh(r.Context()); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e.Snapshot())
}

// SetFilter handles PUT /api/v1/inbox/filter
func (h *InboxHandler) SetFilter(w http.ResponseWriter, r *http.Request) {
	var spec filter.Spec
	if !decodeJSON(w, r, &spec) {
		return
	}
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	if err := e.SetSpec(r.Context(), spec); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e.Snapshot())
}

// SetPage handles POST /api/v1/inbox/page/{page}
func (h *InboxHandler) SetPage(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil || page < 1 {
		writeError(w, http.StatusBadRequest, "page must be a positive integer")
		return
	}
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	if err := e.SetPage(r.Context(), page); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e.Snapshot())
}

// OpenThread handles POST /api/v1/inbox/threads/{id}/open
func (h *InboxHandler) OpenThread(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	// A failed mark-read still leaves the thread open and loaded.
	if err := e.OpenThread(r.Context(), conversationID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e.Snapshot().Thread)
}

// CloseThread handles DELETE /api/v1/inbox/threads
func (h *InboxHandler) CloseThread(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	e.CloseThread()
	w.WriteHeader(http.StatusNoContent)
}

// SetStatus handles POST /api/v1/inbox/conversations/{id}/status
func (h *InboxHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req statusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateStatus(req.Status); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	if err := e.SetStatus(r.Context(), conversationID, req.Status); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BulkSetStatus handles POST /api/v1/inbox/conversations/status
func (h *InboxHandler) BulkSetStatus(w http.ResponseWriter, r *http.Request) {
	var req bulkStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateConversationIDs(req.ConversationIDs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateStatus(req.Status); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	if err := e.BulkSetStatus(r.Context(), req.ConversationIDs, req.Status); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkRead handles POST /api/v1/inbox/conversations/read
func (h *InboxHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req readRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateConversationIDs(req.ConversationIDs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	if err := e.MarkRead(r.Context(), req.ConversationIDs); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SendReply handles POST /api/v1/inbox/conversations/{id}/replies
func (h *InboxHandler) SendReply(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req replyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateReplyText(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	msg, err := e.SendReply(r.Context(), conversationID, req.Text)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// Mutate handles POST /api/v1/inbox/mutations
func (h *InboxHandler) Mutate(w http.ResponseWriter, r *http.Request) {
	var m inbox.Mutation
	if !decodeJSON(w, r, &m) {
		return
	}
	if err := validateMutation(m); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	if err := e.Mutate(r.Context(), m); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validateMutation(m inbox.Mutation) error {
	if err := middleware.ValidateConversationIDs(m.ConversationIDs); err != nil {
		return err
	}
	switch m.Op {
	case inbox.OpSetStatus, inbox.OpSendReply:
		if len(m.ConversationIDs) != 1 {
			return fmt.Errorf("%s takes exactly one conversation id", m.Op)
		}
	case inbox.OpBulkSetStatus, inbox.OpMarkRead:
	default:
		return fmt.Errorf("unknown mutation %q", m.Op)
	}
	switch m.Op {
	case inbox.OpSetStatus, inbox.OpBulkSetStatus:
		return middleware.ValidateStatus(m.Status)
	case inbox.OpSendReply:
		return middleware.ValidateReplyText(m.Text)
	}
	return nil
}

// Export handles GET /api/v1/inbox/export
func (h *InboxHandler) Export(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="inbox.csv"`)
	if err := e.Export(w); err != nil {
		h.logger.Warn("export interrupted", zap.Error(err))
	}
}

// Dispose handles DELETE /api/v1/inbox
func (h *InboxHandler) Dispose(w http.ResponseWriter, r *http.Request) {
	operatorID := middleware.GetOperatorID(r.Context())
	if err := h.sessions.Dispose(operatorID); err != nil {
		h.logger.Warn("failed to dispose inbox session", zap.String("operator_id", operatorID), zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}
