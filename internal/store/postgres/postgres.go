// Package postgres implements the inbox backend capabilities on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/capitalize-ai/inbox-sync/internal/backend"
	"github.com/capitalize-ai/inbox-sync/internal/model"
	"github.com/capitalize-ai/inbox-sync/internal/store"
	"github.com/capitalize-ai/inbox-sync/pkg/logger"
	"go.uber.org/zap"
)

// Store implements backend.Store and backend.Registrar with PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Option configures the store.
type Option func(*Store)

// WithClock overrides the time source for assigned timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store over pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewPool connects to databaseURL, retrying while the server starts up.
func NewPool(ctx context.Context, databaseURL string, log *logger.Logger) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	var pool *pgxpool.Pool
	for attempt := 1; attempt <= 10; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, config)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				log.Info("database connected", zap.Int("attempt", attempt))
				return pool, nil
			}
			pool.Close()
		}
		log.Warn("database connect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return nil, fmt.Errorf("connect after 10 attempts: %w", err)
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
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
			last_message_at TIMESTAMPTZ NOT NULL,
			unread BOOLEAN NOT NULL DEFAULT FALSE,
			meta JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_last_message ON conversations(last_message_at DESC, id);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			sender TEXT NOT NULL,
			content TEXT,
			attachments JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanConversation(row pgx.Row) (model.Conversation, error) {
	var (
		conv model.Conversation
		meta []byte
	)
	err := row.Scan(
		&conv.ID, &conv.AgentID, &conv.Channel, &conv.Status,
		&conv.LastMessageAt, &conv.Unread, &meta, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		return model.Conversation{}, err
	}
	conv.LastMessageAt = conv.LastMessageAt.UTC()
	conv.CreatedAt = conv.CreatedAt.UTC()
	conv.UpdatedAt = conv.UpdatedAt.UTC()
	if conv.Meta, err = store.DecodeMeta(meta); err != nil {
		return model.Conversation{}, err
	}
	return conv, nil
}

func scanMessage(row pgx.Row) (model.Message, error) {
	var (
		msg         model.Message
		attachments []byte
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Sender, &msg.Content, &attachments, &msg.CreatedAt); err != nil {
		return model.Message{}, err
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	refs, err := store.DecodeAttachments(attachments)
	if err != nil {
		return model.Message{}, err
	}
	msg.Attachments = refs
	return msg, nil
}

// QueryConversations returns one page of matching conversations and the
// exact total.
func (s *Store) QueryConversations(ctx context.Context, q backend.ConversationQuery) (*backend.ConversationPage, error) {
	count := store.CountConversations(store.Postgres, q)
	var total int
	if err := s.pool.QueryRow(ctx, count.SQL, count.Args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting conversations: %w", err)
	}

	sel := store.SelectConversations(store.Postgres, q)
	rows, err := s.pool.Query(ctx, sel.SQL, sel.Args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	page := &backend.ConversationPage{Conversations: []model.Conversation{}, Total: total}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		page.Conversations = append(page.Conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	return page, nil
}

// ListMessages returns the most recent limit messages of a conversation in
// thread order.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+store.MessageColumns+` FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	store.Reverse(msgs)
	return msgs, nil
}

// SearchMessages returns the newest limit messages containing text.
func (s *Store) SearchMessages(ctx context.Context, text string, limit int) ([]model.Message, error) {
	stmt := store.SearchMessages(store.Postgres, text, limit)
	rows, err := s.pool.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	return collectMessages(rows)
}

func collectMessages(rows pgx.Rows) ([]model.Message, error) {
	defer rows.Close()
	msgs := []model.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return msgs, nil
}

// ListAgents returns every agent ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, role FROM agents ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	agents := []model.Agent{}
	for rows.Next() {
		var a model.Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Role); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpsertAgent creates or renames an agent.
func (s *Store) UpsertAgent(ctx context.Context, agent model.Agent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (id, name, role) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			role = EXCLUDED.role
	`, agent.ID, agent.Name, agent.Role)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
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

	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversations (id, agent_id, channel, status, last_message_at, unread, meta, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, conv.ID, conv.AgentID, string(conv.Channel), string(conv.Status),
		conv.LastMessageAt, conv.Unread, meta, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}
	return &conv, nil
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

	content := in.Content
	msg := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: in.ConversationID,
		Sender:         in.Sender,
		Content:        &content,
		Attachments:    in.Attachments,
		CreatedAt:      s.now().UTC(),
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE conversations SET
				last_message_at = GREATEST(last_message_at, $2),
				unread = unread OR $3,
				updated_at = $2
			WHERE id = $1
		`, msg.ConversationID, msg.CreatedAt, msg.Sender == model.SenderUser)
		if err != nil {
			return fmt.Errorf("advancing conversation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("conversation %s: %w", msg.ConversationID, backend.ErrNotFound)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO messages (id, conversation_id, sender, content, attachments, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, msg.ID, msg.ConversationID, string(msg.Sender), content, attachments, msg.CreatedAt)
		if err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// UpdateConversation applies patch to one conversation and returns the
// stored row.
func (s *Store) UpdateConversation(ctx context.Context, id string, patch backend.ConversationPatch) (*model.Conversation, error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", model.ErrMalformed, *patch.Status)
	}

	var status *string
	if patch.Status != nil {
		v := string(*patch.Status)
		status = &v
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE conversations SET
			status = COALESCE($2, status),
			unread = COALESCE($3, unread),
			updated_at = GREATEST($4, updated_at + INTERVAL '1 microsecond')
		WHERE id = $1
		RETURNING `+store.ConversationColumns,
		id, status, patch.Unread, s.now().UTC())

	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, backend.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("updating conversation: %w", err)
	}
	return &conv, nil
}

// UpdateConversations applies patch to each conversation as its own
// statement, so one failing row does not affect the others.
func (s *Store) UpdateConversations(ctx context.Context, ids []string, patch backend.ConversationPatch) (*backend.BatchResult, error) {
	res := &backend.BatchResult{Failed: make(map[string]error)}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conv, err := s.UpdateConversation(ctx, id, patch)
		if err != nil {
			res.Failed[id] = err
			continue
		}
		res.Updated = append(res.Updated, *conv)
	}
	return res, nil
}

var (
	_ backend.Store     = (*Store)(nil)
	_ backend.Registrar = (*Store)(nil)
)
