// Package store holds the SQL shared by the relational backends.
package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/capitalize-ai/inbox-sync/internal/backend"
	"github.com/capitalize-ai/inbox-sync/internal/model"
)

// Dialect adapts generated SQL to one database.
type Dialect struct {
	// Placeholder renders the nth (1-based) bind parameter.
	Placeholder func(n int) string
	// Time converts a timestamp to its column representation.
	Time func(time.Time) any
	// Like renders a case-insensitive pattern match of column against a
	// bind parameter. Patterns escape wildcards with a backslash.
	Like func(column, param string) string
}

// SQLite stores timestamps as unix nanoseconds.
var SQLite = Dialect{
	Placeholder: func(int) string { return "?" },
	Time:        func(t time.Time) any { return t.UTC().UnixNano() },
	Like: func(column, param string) string {
		return fmt.Sprintf(`%s LIKE %s ESCAPE '\'`, column, param)
	},
}

// Postgres uses numbered parameters and timestamptz columns.
var Postgres = Dialect{
	Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	Time:        func(t time.Time) any { return t.UTC() },
	Like: func(column, param string) string {
		return fmt.Sprintf(`%s ILIKE %s ESCAPE '\'`, column, param)
	},
}

// ConversationColumns is the column list scanned by ScanConversation
// implementations, in order.
const ConversationColumns = "id, agent_id, channel, status, last_message_at, unread, meta, created_at, updated_at"

// MessageColumns is the message column list, in scan order.
const MessageColumns = "id, conversation_id, sender, content, attachments, created_at"

// Statement is a query with its bind arguments.
type Statement struct {
	SQL  string
	Args []any
}

type builder struct {
	d       Dialect
	clauses []string
	args    []any
}

func (b *builder) bind(v any) string {
	b.args = append(b.args, v)
	return b.d.Placeholder(len(b.args))
}

func (b *builder) in(column string, values []string) {
	if len(values) == 0 {
		return
	}
	params := make([]string, len(values))
	for i, v := range values {
		params[i] = b.bind(v)
	}
	b.clauses = append(b.clauses, fmt.Sprintf("%s IN (%s)", column, strings.Join(params, ", ")))
}

func (b *builder) where() string {
	if len(b.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.clauses, " AND ")
}

func strs[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

func conversationFilter(d Dialect, q backend.ConversationQuery) *builder {
	b := &builder{d: d}
	b.in("agent_id", q.AgentIDs)
	b.in("channel", strs(q.Channels))
	b.in("status", strs(q.Statuses))
	if q.IDs != nil {
		if len(q.IDs) == 0 {
			b.clauses = append(b.clauses, "1 = 0")
		} else {
			b.in("id", q.IDs)
		}
	}
	if q.UnreadOnly {
		b.clauses = append(b.clauses, "unread = "+b.bind(true))
	}
	if !q.From.IsZero() {
		b.clauses = append(b.clauses, "last_message_at >= "+b.bind(d.Time(q.From)))
	}
	if !q.Until.IsZero() {
		b.clauses = append(b.clauses, "last_message_at < "+b.bind(d.Time(q.Until)))
	}
	return b
}

// CountConversations counts every row matching q, ignoring paging.
func CountConversations(d Dialect, q backend.ConversationQuery) Statement {
	b := conversationFilter(d, q)
	return Statement{SQL: "SELECT COUNT(*) FROM conversations" + b.where(), Args: b.args}
}

// SelectConversations selects one page of rows matching q, newest first.
func SelectConversations(d Dialect, q backend.ConversationQuery) Statement {
	b := conversationFilter(d, q)
	sql := "SELECT " + ConversationColumns + " FROM conversations" + b.where() +
		" ORDER BY last_message_at DESC, id ASC"
	if q.Limit > 0 {
		sql += " LIMIT " + b.bind(q.Limit)
		if q.Offset > 0 {
			sql += " OFFSET " + b.bind(q.Offset)
		}
	}
	return Statement{SQL: sql, Args: b.args}
}

// SearchMessages selects the newest limit messages whose content contains
// text, case-insensitively.
func SearchMessages(d Dialect, text string, limit int) Statement {
	b := &builder{d: d}
	b.clauses = append(b.clauses, d.Like("content", b.bind("%"+EscapeLike(text)+"%")))
	sql := "SELECT " + MessageColumns + " FROM messages" + b.where() +
		" ORDER BY created_at DESC, id DESC LIMIT " + b.bind(limit)
	return Statement{SQL: sql, Args: b.args}
}

// EscapeLike escapes LIKE wildcards so text matches literally.
func EscapeLike(text string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(text)
}

// EncodeMeta serializes conversation metadata. Empty metadata is stored as
// an empty object.
func EncodeMeta(meta map[string]string) ([]byte, error) {
	if len(meta) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}
	return data, nil
}

// DecodeMeta parses stored conversation metadata.
func DecodeMeta(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var meta map[string]string
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	if len(meta) == 0 {
		return nil, nil
	}
	return meta, nil
}

// EncodeAttachments serializes message attachment references.
func EncodeAttachments(refs []string) ([]byte, error) {
	if len(refs) == 0 {
		return []byte("[]"), nil
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return nil, fmt.Errorf("encode attachments: %w", err)
	}
	return data, nil
}

// DecodeAttachments parses stored attachment references.
func DecodeAttachments(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var refs []string
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	if len(refs) == 0 {
		return nil, nil
	}
	return refs, nil
}

// Reverse flips msgs in place; stores read the newest rows first.
func Reverse(msgs []model.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
