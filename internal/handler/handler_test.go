package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/golang-jwt/jwt/v5"

	"github.com/capitalize-ai/inbox-sync/internal/backend"
	"github.com/capitalize-ai/inbox-sync/internal/inbox"
	"github.com/capitalize-ai/inbox-sync/internal/middleware"
	"github.com/capitalize-ai/inbox-sync/internal/model"
	"github.com/capitalize-ai/inbox-sync/internal/service"
	"github.com/capitalize-ai/inbox-sync/internal/session"
	"github.com/capitalize-ai/inbox-sync/internal/store/sqlite"
	"github.com/capitalize-ai/inbox-sync/pkg/logger"
)

const testSecret = "handler-test-secret"

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	handler  http.Handler
	store    *sqlite.Store
	sessions *session.Registry[*inbox.Engine]
}

func newTestServer(t *testing.T, checks map[string]Check) *testServer {
	t.Helper()
	log := logger.Nop()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "inbox.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		conv := model.Conversation{
			ID:            fmt.Sprintf("c%d", i),
			AgentID:       "agent-1",
			Channel:       model.ChannelWeb,
			Status:        model.StatusOpen,
			Unread:        true,
			LastMessageAt: base.Add(-time.Duration(i) * time.Hour),
			CreatedAt:     base,
			UpdatedAt:     base,
			Meta:          map[string]string{model.MetaCounterpartName: fmt.Sprintf("Customer %d", i)},
		}
		if err := store.PutConversation(ctx, conv); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if err := store.UpsertAgent(ctx, model.Agent{ID: "agent-1", Name: "Support"}); err != nil {
		t.Fatalf("seed agent: %v", err)
	}

	feed := backend.NewLoopback()
	publishing := backend.Publishing(store, feed, log)
	sessions := session.New(session.EngineFactory(backend.Combine(publishing, feed), "", log), 0, log)
	t.Cleanup(func() { _ = sessions.Close() })

	if checks == nil {
		checks = map[string]Check{"store": store.Ping}
	}

	h := Router(Routes{
		Health:            NewHealthHandler(checks),
		Inbox:             NewInboxHandler(sessions, log),
		Stream:            NewStreamHandler(sessions, []string{"*"}, log),
		Conversations:     NewConversationHandler(service.NewConversationService(store, feed, log), store, log),
		Messages:          NewMessageHandler(service.NewMessageService(publishing, store, log), log),
		JWTSecret:         testSecret,
		RateLimitRequests: 1000,
		RateLimitWindow:   time.Minute,
		Logger:            log,
	})
	return &testServer{handler: h, store: store, sessions: sessions}
}

func token(t *testing.T, subject string, scopes ...string) string {
	t.Helper()
	claims := middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Scopes: scopes,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func (s *testServer) do(t *testing.T, method, path, tok string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeSnapshot(t *testing.T, rec *httptest.ResponseRecorder) inbox.Snapshot {
	t.Helper()
	var snap inbox.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v (%s)", err, rec.Body.String())
	}
	return snap
}

func ids(convs []model.Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestInboxRequiresAuth(t *testing.T) {
	s := newTestServer(t, nil)
	if rec := s.do(t, http.MethodGet, "/api/v1/inbox", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestSnapshotAndFilter(t *testing.T) {
	s := newTestServer(t, nil)
	tok := token(t, "op-1")

	rec := s.do(t, http.MethodGet, "/api/v1/inbox", tok, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	snap := decodeSnapshot(t, rec)
	if got := strings.Join(ids(snap.Conversations), ","); got != "c0,c1,c2" || snap.Total != 3 {
		t.Errorf("expected c0,c1,c2 of 3, got %s of %d", got, snap.Total)
	}

	if rec := s.do(t, http.MethodPost, "/api/v1/inbox/conversations/c1/status", tok, map[string]string{"status": "resolved"}); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodPut, "/api/v1/inbox/filter", tok, map[string]interface{}{"statuses": []string{"resolved"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	snap = decodeSnapshot(t, rec)
	if got := strings.Join(ids(snap.Conversations), ","); got != "c1" {
		t.Errorf("expected only c1 resolved, got %s", got)
	}

	rec = s.do(t, http.MethodPut, "/api/v1/inbox/filter", tok, map[string]interface{}{"channels": []string{"fax"}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown channel, got %d", rec.Code)
	}
}

func TestSetStatusValidation(t *testing.T) {
	s := newTestServer(t, nil)
	tok := token(t, "op-1")

	tests := []struct {
		name   string
		path   string
		body   interface{}
		status int
	}{
		{"unknown status", "/api/v1/inbox/conversations/c0/status", map[string]string{"status": "archived"}, http.StatusBadRequest},
		{"unknown conversation", "/api/v1/inbox/conversations/nope/status", map[string]string{"status": "pending"}, http.StatusNotFound},
		{"empty batch", "/api/v1/inbox/conversations/status", map[string]interface{}{"status": "pending"}, http.StatusBadRequest},
		{"bad page", "/api/v1/inbox/page/zero", nil, http.StatusBadRequest},
		{"unknown mutation", "/api/v1/inbox/mutations", map[string]interface{}{"op": "archive", "conversation_ids": []string{"c0"}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, tt.path, tok, tt.body)
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestBulkSetStatusReportsFailedIDs(t *testing.T) {
	s := newTestServer(t, nil)
	tok := token(t, "op-1")

	rec := s.do(t, http.MethodPost, "/api/v1/inbox/conversations/status", tok, map[string]interface{}{
		"conversation_ids": []string{"c0", "missing", "c2"},
		"status":           "pending",
	})
	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("expected 207, got %d: %s", rec.Code, rec.Body.String())
	}
	var body engineError
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Kind != inbox.KindPartialBatchFailure || len(body.IDs) != 1 || body.IDs[0] != "missing" {
		t.Errorf("expected partial failure naming only missing, got %+v", body)
	}

	snap := decodeSnapshot(t, s.do(t, http.MethodGet, "/api/v1/inbox", tok, nil))
	for _, conv := range snap.Conversations {
		want := model.StatusPending
		if conv.ID == "c1" {
			want = model.StatusOpen
		}
		if conv.Status != want {
			t.Errorf("expected %s %s, got %s", conv.ID, want, conv.Status)
		}
	}
}

func TestOpenThreadAndReply(t *testing.T) {
	s := newTestServer(t, nil)
	tok := token(t, "op-1")

	rec := s.do(t, http.MethodPost, "/api/v1/inbox/threads/c2/open", tok, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if rec := s.do(t, http.MethodPost, "/api/v1/inbox/conversations/c2/replies", tok, map[string]string{"text": "  "}); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for blank reply, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/inbox/conversations/c2/replies", tok, map[string]string{"text": "On its way"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var msg model.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if strings.HasPrefix(msg.ID, inbox.TempIDPrefix) || msg.Pending {
		t.Errorf("expected stored message, got %+v", msg)
	}

	snap := decodeSnapshot(t, s.do(t, http.MethodGet, "/api/v1/inbox", tok, nil))
	if snap.Thread == nil || len(snap.Thread.Messages) != 1 || snap.Thread.Messages[0].ID != msg.ID {
		t.Fatalf("expected thread with the reply, got %+v", snap.Thread)
	}
	if snap.Conversations[0].ID != "c2" || snap.Conversations[0].Unread {
		t.Errorf("expected c2 read and on top, got %+v", snap.Conversations[0])
	}
}

func TestIngressRequiresScope(t *testing.T) {
	s := newTestServer(t, nil)
	body := map[string]interface{}{"agent_id": "agent-1", "channel": "whatsapp"}

	if rec := s.do(t, http.MethodPost, "/api/v1/ingress/conversations", token(t, "op-1"), body); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 without ingress scope, got %d", rec.Code)
	}
}

func TestIngressReachesOpenInbox(t *testing.T) {
	s := newTestServer(t, nil)
	operator := token(t, "op-1")
	adapter := token(t, "whatsapp-adapter", middleware.ScopeIngress)

	// Start the operator's session first so it is subscribed.
	s.do(t, http.MethodGet, "/api/v1/inbox", operator, nil)

	rec := s.do(t, http.MethodPost, "/api/v1/ingress/conversations", adapter, map[string]interface{}{
		"agent_id": "agent-1",
		"channel":  "whatsapp",
		"meta":     map[string]string{"name": "Ada"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var conv model.Conversation
	if err := json.Unmarshal(rec.Body.Bytes(), &conv); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/ingress/conversations/"+conv.ID+"/messages", adapter, map[string]string{"content": "Hi there"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	snap := decodeSnapshot(t, s.do(t, http.MethodGet, "/api/v1/inbox", operator, nil))
	if snap.Conversations[0].ID != conv.ID || snap.Total != 4 {
		t.Errorf("expected new conversation on top of 4, got %v of %d", ids(snap.Conversations), snap.Total)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/ingress/conversations/unknown/messages", adapter, map[string]string{"content": "Hi"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown conversation, got %d", rec.Code)
	}
}

func TestAgentsAndExport(t *testing.T) {
	s := newTestServer(t, nil)
	tok := token(t, "op-1")

	rec := s.do(t, http.MethodGet, "/api/v1/agents", tok, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"Support"`) {
		t.Errorf("expected agent list, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodGet, "/api/v1/inbox/export", tok, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("expected csv content type, got %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 4 || !strings.HasPrefix(lines[0], "id,") || !strings.HasSuffix(lines[1], "Customer 0") {
		t.Errorf("unexpected export %q", rec.Body.String())
	}
}

func TestDisposeEndsSession(t *testing.T) {
	s := newTestServer(t, nil)
	tok := token(t, "op-1")

	s.do(t, http.MethodGet, "/api/v1/inbox", tok, nil)
	if s.sessions.Len() != 1 {
		t.Fatalf("expected one session, got %d", s.sessions.Len())
	}
	if rec := s.do(t, http.MethodDelete, "/api/v1/inbox", tok, nil); rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if s.sessions.Len() != 0 {
		t.Errorf("expected session disposed, got %d", s.sessions.Len())
	}
}

func TestReady(t *testing.T) {
	s := newTestServer(t, map[string]Check{
		"feed": func(ctx context.Context) error { return errors.New("not connected") },
	})

	if rec := s.do(t, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Errorf("expected healthy, got %d", rec.Code)
	}
	rec := s.do(t, http.MethodGet, "/ready", "", nil)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "not connected") {
		t.Errorf("expected 503 naming the failed check, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLiveViewPushesChanges(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/inbox/live?access_token=" + token(t, "op-1")
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.CloseNow()

	var frame LiveFrame
	if err := wsjson.Read(ctx, ws, &frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Type != FrameSnapshot || frame.Snapshot == nil || len(frame.Snapshot.Conversations) != 3 {
		t.Fatalf("expected initial snapshot, got %+v", frame)
	}

	adapter := token(t, "adapter", middleware.ScopeIngress)
	if rec := s.do(t, http.MethodPost, "/api/v1/ingress/conversations/c2/messages", adapter, map[string]string{"content": "Any update?"}); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	for {
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			t.Fatalf("expected a snapshot with c2 on top: %v", err)
		}
		if frame.Type == FrameSnapshot && frame.Snapshot.Conversations[0].ID == "c2" {
			break
		}
	}

	eventually(t, func() bool { return s.sessions.Len() == 1 })
	ws.Close(websocket.StatusNormalClosure, "")
}
