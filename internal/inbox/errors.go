package inbox

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/capitalize-ai/inbox-sync/internal/model"
)

// ErrorKind classifies engine failures. None of them are fatal.
type ErrorKind string

const (
	KindQueryFailed         ErrorKind = "query_failed"
	KindMutationFailed      ErrorKind = "mutation_failed"
	KindPartialBatchFailure ErrorKind = "partial_batch_failure"
	KindSubscriptionLost    ErrorKind = "subscription_lost"
)

// Operation names carried by Error.Op.
const (
	OpFetchPage     = "fetch_page"
	OpOpenThread    = "open_thread"
	OpSetStatus     = "set_status"
	OpBulkSetStatus = "bulk_set_status"
	OpMarkRead      = "mark_read"
	OpSendReply     = "send_reply"
	OpSubscribe     = "subscribe"
)

// Error is a surfaced engine failure with enough context to offer a retry.
type Error struct {
	Kind ErrorKind `json:"kind"`
	Op   string    `json:"op,omitempty"`
	// IDs lists the affected conversations. For partial batch failures only
	// the failed ids are listed.
	IDs []string `json:"ids,omitempty"`
	// Prior holds the status each conversation was rolled back to.
	Prior map[string]model.Status `json:"prior,omitempty"`
	// Failures holds per-row backend errors of a batch.
	Failures map[string]error `json:"-"`
	Err      error            `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		fmt.Fprintf(&b, " (%s)", e.Op)
	}
	if len(e.IDs) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.IDs, ","))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels, so errors.Is(err, ErrMutationFailed) works
// for any mutation failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && len(t.IDs) == 0 && t.Err == nil && t.Kind == e.Kind
}

// Message returns a caller-facing description without the wrapped cause.
func (e *Error) Message() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

var (
	ErrQueryFailed         error = &Error{Kind: KindQueryFailed}
	ErrMutationFailed      error = &Error{Kind: KindMutationFailed}
	ErrPartialBatchFailure error = &Error{Kind: KindPartialBatchFailure}
	ErrSubscriptionLost    error = &Error{Kind: KindSubscriptionLost}
)

var (
	// ErrEmptyReply is returned when a reply has no text. No backend call is made.
	ErrEmptyReply = errors.New("reply text is empty")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("inbox engine closed")
	// ErrSuperseded is returned when a page fetch finished after a newer spec
	// replaced it. The result was discarded.
	ErrSuperseded = errors.New("page fetch superseded by newer filter")
)

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
