package inbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/capitalize-ai/inbox-sync/internal/backend"
	"github.com/capitalize-ai/inbox-sync/internal/filter"
	"github.com/capitalize-ai/inbox-sync/pkg/metrics"
)

// IDSet is a set of conversation ids.
type IDSet map[string]struct{}

// IDs returns the members sorted.
func (s IDSet) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Has reports whether id is in the set.
func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// SearchResolver turns free text into candidate conversation ids by scanning
// recent message content. Only the most recent window of messages is
// considered, so older matches are missed.
type SearchResolver struct {
	searcher backend.Searcher
	window   int
}

// NewSearchResolver creates a resolver scanning up to window messages.
func NewSearchResolver(searcher backend.Searcher, window int) *SearchResolver {
	if window <= 0 {
		window = DefaultSearchWindow
	}
	return &SearchResolver{searcher: searcher, window: window}
}

// Resolve returns nil when text places no constraint (blank or shorter than
// filter.MinSearchLength characters). Otherwise it returns the distinct
// conversation ids whose messages contain text, case-insensitively; the set
// is empty, not nil, when nothing matched.
func (r *SearchResolver) Resolve(ctx context.Context, text string) (IDSet, error) {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < filter.MinSearchLength {
		return nil, nil
	}

	start := time.Now()
	msgs, err := r.searcher.SearchMessages(ctx, text, r.window)
	metrics.RecordQuery("search", err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}

	needle := strings.ToLower(text)
	ids := make(IDSet)
	for _, m := range msgs {
		if m.ConversationID == "" {
			continue
		}
		if !strings.Contains(strings.ToLower(m.Text()), needle) {
			continue
		}
		ids[m.ConversationID] = struct{}{}
	}
	return ids, nil
}
