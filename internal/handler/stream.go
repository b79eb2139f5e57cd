package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox-sync/internal/inbox"
	"github.com/capitalize-ai/inbox-sync/internal/middleware"
	"github.com/capitalize-ai/inbox-sync/pkg/logger"
	"github.com/capitalize-ai/inbox-sync/pkg/metrics"
)

const (
	liveWriteTimeout = 10 * time.Second
	liveHeartbeat    = 30 * time.Second
)

// Frame types pushed on the live view.
const (
	FrameSnapshot = "snapshot"
	FrameError    = "error"
)

// LiveFrame is one message on the live view socket.
type LiveFrame struct {
	Type     string          `json:"type"`
	Snapshot *inbox.Snapshot `json:"snapshot,omitempty"`
	Error    *engineError    `json:"error,omitempty"`
}

// StreamHandler pushes the operator's view over a websocket.
type StreamHandler struct {
	sessions       Sessions
	originPatterns []string
	logger         *logger.Logger
}

// NewStreamHandler creates a new stream handler. Origin patterns follow
// websocket.AcceptOptions; nil accepts same-origin requests only.
func NewStreamHandler(sessions Sessions, originPatterns []string, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		sessions:       sessions,
		originPatterns: originPatterns,
		logger:         log,
	}
}

// Live handles GET /api/v1/inbox/live
// It sends a snapshot on connect and after every change, and each surfaced
// engine error as it happens. The session is kept alive while connected.
func (h *StreamHandler) Live(w http.ResponseWriter, r *http.Request) {
	operatorID := middleware.GetOperatorID(r.Context())
	e, err := h.sessions.Get(r.Context(), operatorID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("failed to accept live view", zap.String("operator_id", operatorID), zap.Error(err))
		return
	}
	defer ws.CloseNow()

	unpin := h.sessions.Pin(operatorID)
	defer unpin()

	metrics.LiveConnectionsActive.Inc()
	defer metrics.LiveConnectionsActive.Dec()

	// The client sends nothing; CloseRead handles control frames and
	// cancels ctx when the peer goes away.
	ctx := ws.CloseRead(r.Context())

	log := h.logger.With(zap.String("operator_id", operatorID))
	log.Info("live view connected")

	if err := h.pushSnapshot(ctx, ws, e); err != nil {
		log.Debug("live view write failed", zap.Error(err))
		return
	}

	heartbeat := time.NewTicker(liveHeartbeat)
	defer heartbeat.Stop()

	changes, errs := e.Changes(), e.Errors()
	for {
		select {
		case <-ctx.Done():
			log.Info("live view disconnected")
			return

		case _, ok := <-changes:
			if !ok {
				ws.Close(websocket.StatusGoingAway, "inbox session closed")
				return
			}
			if err := h.pushSnapshot(ctx, ws, e); err != nil {
				log.Debug("live view write failed", zap.Error(err))
				return
			}

		case ie, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err := h.push(ctx, ws, LiveFrame{Type: FrameError, Error: &engineError{
				Error: ie.Message(),
				Kind:  ie.Kind,
				Op:    ie.Op,
				IDs:   ie.IDs,
				Prior: ie.Prior,
			}}); err != nil {
				log.Debug("live view write failed", zap.Error(err))
				return
			}

		case <-heartbeat.C:
			pingCtx, cancel := context.WithTimeout(ctx, liveWriteTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				log.Debug("live view heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *StreamHandler) pushSnapshot(ctx context.Context, ws *websocket.Conn, e *inbox.Engine) error {
	snap := e.Snapshot()
	return h.push(ctx, ws, LiveFrame{Type: FrameSnapshot, Snapshot: &snap})
}

func (h *StreamHandler) push(ctx context.Context, ws *websocket.Conn, frame LiveFrame) error {
	ctx, cancel := context.WithTimeout(ctx, liveWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, frame)
}
