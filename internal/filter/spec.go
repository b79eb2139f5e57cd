// Package filter describes which conversations are in view.
package filter

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/capitalize-ai/inbox-sync/internal/model"
)

// MinSearchLength is the shortest search text, in characters, that constrains
// a query.
const MinSearchLength = 2

const dateLayout = "2006-01-02"

// Spec is an immutable description of the conversations in view. Every With
// method returns a modified copy; changing any field other than the page
// resets the page to 1. Specs with equal fields have equal keys.
type Spec struct {
	agents     []string
	channels   []model.Channel
	statuses   []model.Status
	from       time.Time
	to         time.Time
	unreadOnly bool
	search     string
	page       int
}

// New returns the unfiltered first page.
func New() Spec {
	return Spec{page: 1}
}

// Agents returns the agent ids in the filter, sorted.
func (s Spec) Agents() []string { return append([]string(nil), s.agents...) }

// Channels returns the channels in the filter, sorted.
func (s Spec) Channels() []model.Channel { return append([]model.Channel(nil), s.channels...) }

// Statuses returns the statuses in the filter, sorted.
func (s Spec) Statuses() []model.Status { return append([]model.Status(nil), s.statuses...) }

// DateRange returns the first and last day of the range. Zero values are
// unbounded.
func (s Spec) DateRange() (from, to time.Time) { return s.from, s.to }

// UnreadOnly reports whether only unread conversations are in view.
func (s Spec) UnreadOnly() bool { return s.unreadOnly }

// Search returns the free-text search term.
func (s Spec) Search() string { return s.search }

// HasSearch reports whether the search term is long enough to constrain a
// query.
func (s Spec) HasSearch() bool {
	return utf8.RuneCountInString(s.search) >= MinSearchLength
}

// Page returns the 1-based page number.
func (s Spec) Page() int {
	if s.page < 1 {
		return 1
	}
	return s.page
}

// WithAgents restricts the view to the given agents. No ids means any agent.
func (s Spec) WithAgents(ids ...string) Spec {
	s.agents = canonical(ids, func(v string) bool { return v != "" })
	s.page = 1
	return s
}

// WithChannels restricts the view to the given channels.
func (s Spec) WithChannels(channels ...model.Channel) Spec {
	s.channels = canonical(channels, model.Channel.Valid)
	s.page = 1
	return s
}

// WithStatuses restricts the view to the given statuses.
func (s Spec) WithStatuses(statuses ...model.Status) Spec {
	s.statuses = canonical(statuses, model.Status.Valid)
	s.page = 1
	return s
}

// WithDateRange restricts lastMessageAt to the days [from, to], inclusive.
// Only the calendar date of each bound is kept. Zero values are unbounded.
func (s Spec) WithDateRange(from, to time.Time) Spec {
	s.from, s.to = day(from), day(to)
	if !s.from.IsZero() && !s.to.IsZero() && s.to.Before(s.from) {
		s.from, s.to = s.to, s.from
	}
	s.page = 1
	return s
}

// WithUnreadOnly toggles the unread-only constraint.
func (s Spec) WithUnreadOnly(unread bool) Spec {
	s.unreadOnly = unread
	s.page = 1
	return s
}

// WithSearch sets the free-text search term.
func (s Spec) WithSearch(text string) Spec {
	s.search = strings.TrimSpace(text)
	s.page = 1
	return s
}

// WithPage moves to another page of the same view.
func (s Spec) WithPage(page int) Spec {
	if page < 1 {
		page = 1
	}
	s.page = page
	return s
}

// Bounds returns the lastMessageAt bounds as a half-open interval
// [lower, upper). Zero values are unbounded.
func (s Spec) Bounds() (lower, upper time.Time) {
	lower = s.from
	if !s.to.IsZero() {
		upper = s.to.AddDate(0, 0, 1)
	}
	return lower, upper
}

// Matches reports whether conv satisfies every constraint except search.
func (s Spec) Matches(conv model.Conversation) bool {
	if len(s.agents) > 0 && !contains(s.agents, conv.AgentID) {
		return false
	}
	if len(s.channels) > 0 && !contains(s.channels, conv.Channel) {
		return false
	}
	if len(s.statuses) > 0 && !contains(s.statuses, conv.Status) {
		return false
	}
	if s.unreadOnly && !conv.Unread {
		return false
	}
	lower, upper := s.Bounds()
	if !lower.IsZero() && conv.LastMessageAt.Before(lower) {
		return false
	}
	if !upper.IsZero() && !conv.LastMessageAt.Before(upper) {
		return false
	}
	return true
}

// Key returns the canonical serialization, usable as a cache key.
func (s Spec) Key() string {
	data, _ := json.Marshal(s)
	return string(data)
}

// Equal reports whether both specs describe the same view.
func (s Spec) Equal(o Spec) bool {
	return s.Key() == o.Key()
}

// SameView reports whether both specs differ at most in page number.
func (s Spec) SameView(o Spec) bool {
	return s.WithPage(1).Key() == o.WithPage(1).Key()
}

type wireSpec struct {
	AgentIDs   []string        `json:"agent_ids,omitempty"`
	Channels   []model.Channel `json:"channels,omitempty"`
	Statuses   []model.Status  `json:"statuses,omitempty"`
	From       string          `json:"from,omitempty"`
	To         string          `json:"to,omitempty"`
	UnreadOnly bool            `json:"unread_only,omitempty"`
	Search     string          `json:"search,omitempty"`
	Page       int             `json:"page"`
}

// MarshalJSON encodes the spec in its canonical form.
func (s Spec) MarshalJSON() ([]byte, error) {
	w := wireSpec{
		AgentIDs:   s.agents,
		Channels:   s.channels,
		Statuses:   s.statuses,
		UnreadOnly: s.unreadOnly,
		Search:     s.search,
		Page:       s.Page(),
	}
	if !s.from.IsZero() {
		w.From = s.from.Format(dateLayout)
	}
	if !s.to.IsZero() {
		w.To = s.to.Format(dateLayout)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a spec, rejecting unknown channels, statuses and
// badly formatted dates.
func (s *Spec) UnmarshalJSON(data []byte) error {
	var w wireSpec
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode filter: %w", err)
	}
	for _, c := range w.Channels {
		if !c.Valid() {
			return fmt.Errorf("decode filter: unknown channel %q", c)
		}
	}
	for _, st := range w.Statuses {
		if !st.Valid() {
			return fmt.Errorf("decode filter: unknown status %q", st)
		}
	}
	var from, to time.Time
	var err error
	if w.From != "" {
		if from, err = time.Parse(dateLayout, w.From); err != nil {
			return fmt.Errorf("decode filter: from: %w", err)
		}
	}
	if w.To != "" {
		if to, err = time.Parse(dateLayout, w.To); err != nil {
			return fmt.Errorf("decode filter: to: %w", err)
		}
	}

	*s = New().
		WithAgents(w.AgentIDs...).
		WithChannels(w.Channels...).
		WithStatuses(w.Statuses...).
		WithDateRange(from, to).
		WithUnreadOnly(w.UnreadOnly).
		WithSearch(w.Search).
		WithPage(w.Page)
	return nil
}

func day(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func canonical[T ~string](values []T, keep func(T) bool) []T {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[T]struct{}, len(values))
	out := make([]T, 0, len(values))
	for _, v := range values {
		if !keep(v) {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func contains[T comparable](values []T, v T) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
