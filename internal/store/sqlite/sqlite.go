// Package sqlite implements the inbox backend capabilities on an embedded
// SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/capitalize-ai/inbox-sync/internal/backend"
	"github.com/capitalize-ai/inbox-sync/internal/model"
	"github.com/capitalize-ai/inbox-sync/internal/store"
)

// Store implements backend.Store and backend.Registrar using SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
	// writeMu serializes read-modify-write commands to avoid SQLITE_BUSY.
	writeMu sync.Mutex
}

// Option configures the store.
type Option func(*Store)

// WithClock overrides the time source for assigned timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens or creates the database at path and applies the schema.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		status TEXT NOT NULL,
		last_message_at INTEGER NOT NULL,
		unread INTEGER NOT NULL DEFAULT 0,
		meta TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_last_message ON conversations(last_message_at DESC, id);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		sender TEXT NOT NULL,
		content TEXT,
		attachments TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at DESC);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (model.Conversation, error) {
	var (
		conv                           model.Conversation
		lastMessageAt, createdAt, upAt int64
		meta                           []byte
	)
	err := row.Scan(
		&conv.ID, &conv.AgentID, &conv.Channel, &conv.Status,
		&lastMessageAt, &conv.Unread, &meta, &createdAt, &upAt,
	)
	if err != nil {
		return model.Conversation{}, err
	}
	conv.LastMessageAt = fromNanos(lastMessageAt)
	conv.CreatedAt = fromNanos(createdAt)
	conv.UpdatedAt = fromNanos(upAt)
	if conv.Meta, err = store.DecodeMeta(meta); err != nil {
		return model.Conversation{}, err
	}
	return conv, nil
}

func scanMessage(row scanner) (model.Message, error) {
	var (
		msg         model.Message
		content     sql.NullString
		attachments []byte
		createdAt   int64
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Sender, &content, &attachments, &createdAt); err != nil {
		return model.Message{}, err
	}
	if content.Valid {
		text := content.String
		msg.Content = &text
	}
	msg.CreatedAt = fromNanos(createdAt)
	refs, err := store.DecodeAttachments(attachments)
	if err != nil {
		return model.Message{}, err
	}
	msg.Attachments = refs
	return msg, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

// QueryConversations returns one page of matching conversations and the
// exact total.
func (s *Store) QueryConversations(ctx context.Context, q backend.ConversationQuery) (*backend.ConversationPage, error) {
	count := store.CountConversations(store.SQLite, q)
	var total int
	if err := s.db.QueryRowContext(ctx, count.SQL, count.Args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count conversations: %w", err)
	}

	sel := store.SelectConversations(store.SQLite, q)
	rows, err := s.db.QueryContext(ctx, sel.SQL, sel.Args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	page := &backend.ConversationPage{Conversations: []model.Conversation{}, Total: total}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		page.Conversations = append(page.Conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return page, nil
}

// ListMessages returns the most recent limit messages of a conversation in
// thread order.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	query := `SELECT ` + store.MessageColumns + ` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	store.Reverse(msgs)
	return msgs, nil
}

// SearchMessages returns the newest limit messages containing text.
func (s *Store) SearchMessages(ctx context.Context, text string, limit int) ([]model.Message, error) {
	stmt := store.SearchMessages(store.SQLite, text, limit)
	rows, err := s.db.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]model.Message, error) {
	msgs := []model.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// ListAgents returns every agent ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, role FROM agents ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	agents := []model.Agent{}
	for rows.Next() {
		var a model.Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Role); err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpsertAgent creates or renames an agent.
func (s *Store) UpsertAgent(ctx context.Context, agent model.Agent) error {
	query := `
	INSERT INTO agents (id, name, role) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		role = excluded.role`
	if _, err := s.db.ExecContext(ctx, query, agent.ID, agent.Name, agent.Role); err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// CreateConversation opens a conversation. It starts open and unread.
func (s *Store) CreateConversation(ctx context.Context, in model.NewConversation) (*model.Conversation, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	meta, err := store.EncodeMeta(in.Meta)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	conv := model.Conversation{
		ID:            uuid.NewString(),
		AgentID:       in.AgentID,
		Channel:       in.Channel,
		Status:        model.StatusOpen,
		LastMessageAt: now,
		Unread:        true,
		Meta:          in.Meta,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	conv = conv.Clone()

	query := `
	INSERT INTO conversations (id, agent_id, channel, status, last_message_at, unread, meta, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		conv.ID, conv.AgentID, string(conv.Channel), string(conv.Status),
		nanos(conv.LastMessageAt), conv.Unread, string(meta), nanos(conv.CreatedAt), nanos(conv.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return &conv, nil
}

// PutConversation inserts or replaces a conversation row as given. It is
// used to import existing inbox data.
func (s *Store) PutConversation(ctx context.Context, conv model.Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	meta, err := store.EncodeMeta(conv.Meta)
	if err != nil {
		return err
	}
	query := `
	INSERT INTO conversations (id, agent_id, channel, status, last_message_at, unread, meta, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		agent_id = excluded.agent_id,
		channel = excluded.channel,
		status = excluded.status,
		last_message_at = excluded.last_message_at,
		unread = excluded.unread,
		meta = excluded.meta,
		updated_at = excluded.updated_at`
	_, err = s.db.ExecContext(ctx, query,
		conv.ID, conv.AgentID, string(conv.Channel), string(conv.Status),
		nanos(conv.LastMessageAt), conv.Unread, string(meta), nanos(conv.CreatedAt), nanos(conv.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put conversation: %w", err)
	}
	return nil
}

// InsertMessage stores a message and advances its conversation. User
// messages mark the conversation unread.
func (s *Store) InsertMessage(ctx context.Context, in model.NewMessage) (*model.Message, error) {
	if !in.Sender.Valid() {
		return nil, fmt.Errorf("%w: unknown sender %q", model.ErrMalformed, in.Sender)
	}
	attachments, err := store.EncodeAttachments(in.Attachments)
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, in.ConversationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", in.ConversationID, backend.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup conversation: %w", err)
	}

	content := in.Content
	msg := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: in.ConversationID,
		Sender:         in.Sender,
		Content:        &content,
		Attachments:    in.Attachments,
		CreatedAt:      s.now().UTC(),
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender, content, attachments, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Sender), content, string(attachments), nanos(msg.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET
			last_message_at = MAX(last_message_at, ?),
			unread = CASE WHEN ? THEN 1 ELSE unread END,
			updated_at = ?
		WHERE id = ?`,
		nanos(msg.CreatedAt), msg.Sender == model.SenderUser, nanos(msg.CreatedAt), msg.ConversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("advance conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit message: %w", err)
	}
	return msg, nil
}

// UpdateConversation applies patch to one conversation and returns the
// stored row.
func (s *Store) UpdateConversation(ctx context.Context, id string, patch backend.ConversationPatch) (*model.Conversation, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.updateLocked(ctx, id, patch)
}

// UpdateConversations applies patch to each conversation in its own
// transaction, so one failing row does not affect the others.
func (s *Store) UpdateConversations(ctx context.Context, ids []string, patch backend.ConversationPatch) (*backend.BatchResult, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res := &backend.BatchResult{Failed: make(map[string]error)}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conv, err := s.updateLocked(ctx, id, patch)
		if err != nil {
			res.Failed[id] = err
			continue
		}
		res.Updated = append(res.Updated, *conv)
	}
	return res, nil
}

func (s *Store) updateLocked(ctx context.Context, id string, patch backend.ConversationPatch) (*model.Conversation, error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", model.ErrMalformed, *patch.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+store.ConversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, backend.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	patch.Apply(&conv)
	updatedAt := s.now().UTC()
	if !updatedAt.After(conv.UpdatedAt) {
		updatedAt = conv.UpdatedAt.Add(time.Nanosecond)
	}
	conv.UpdatedAt = updatedAt

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET status = ?, unread = ?, updated_at = ? WHERE id = ?`,
		string(conv.Status), conv.Unread, nanos(conv.UpdatedAt), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit conversation: %w", err)
	}
	return &conv, nil
}

var (
	_ backend.Store     = (*Store)(nil)
	_ backend.Registrar = (*Store)(nil)
)
