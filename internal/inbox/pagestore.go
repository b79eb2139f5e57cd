package inbox

import (
	"sort"

	"github.com/capitalize-ai/inbox-sync/internal/filter"
	"github.com/capitalize-ai/inbox-sync/internal/model"
)

// page is one cached page of conversation summaries.
type page struct {
	spec  filter.Spec
	key   string
	items []model.Conversation
	total int
	// fresh is cleared once local patches may have drifted the order or
	// total from the backend; a fresh page may be served without a query.
	fresh bool
	used  uint64
}

func (p *page) index(id string) int {
	for i := range p.items {
		if p.items[i].ID == id {
			return i
		}
	}
	return -1
}

// remove drops the item at i from the view and from the total.
func (p *page) remove(i int) {
	p.items = append(p.items[:i], p.items[i+1:]...)
	if p.total > 0 {
		p.total--
	}
	p.fresh = false
}

// prepend adds conv at the top, evicting the last visible entry when the
// page is full.
func (p *page) prepend(conv model.Conversation, size int) {
	p.items = append([]model.Conversation{conv}, p.items...)
	if len(p.items) > size {
		p.items = p.items[:size]
	}
	p.total++
}

// resort orders by LastMessageAt descending, keeping backend order on ties.
func (p *page) resort() {
	sort.SliceStable(p.items, func(i, j int) bool {
		return p.items[i].LastMessageAt.After(p.items[j].LastMessageAt)
	})
}

func (p *page) snapshot() []model.Conversation {
	out := make([]model.Conversation, len(p.items))
	for i := range p.items {
		out[i] = p.items[i].Clone()
	}
	return out
}

// pageStore caches pages keyed by their spec, evicting the least recently
// used page beyond capacity.
type pageStore struct {
	capacity int
	pages    map[string]*page
	clock    uint64
}

func newPageStore(capacity int) *pageStore {
	return &pageStore{
		capacity: capacity,
		pages:    make(map[string]*page),
	}
}

func (s *pageStore) lookup(key string) *page {
	p, ok := s.pages[key]
	if !ok {
		return nil
	}
	s.clock++
	p.used = s.clock
	return p
}

// peek returns a page without marking it used.
func (s *pageStore) peek(key string) *page {
	return s.pages[key]
}

// store replaces the page for spec. The page under keep is never evicted.
func (s *pageStore) store(spec filter.Spec, items []model.Conversation, total int, keep string) *page {
	s.clock++
	p := &page{
		spec:  spec,
		key:   spec.Key(),
		items: items,
		total: total,
		fresh: true,
		used:  s.clock,
	}
	s.pages[p.key] = p
	s.evict(p.key, keep)
	return p
}

func (s *pageStore) evict(keep ...string) {
	for len(s.pages) > s.capacity {
		var oldest *page
		for _, p := range s.pages {
			if isOneOf(p.key, keep) {
				continue
			}
			if oldest == nil || p.used < oldest.used {
				oldest = p
			}
		}
		if oldest == nil {
			return
		}
		delete(s.pages, oldest.key)
	}
}

func (s *pageStore) each(fn func(*page)) {
	for _, p := range s.pages {
		fn(p)
	}
}

// expire marks every page as needing a query before it is served again.
func (s *pageStore) expire() {
	for _, p := range s.pages {
		p.fresh = false
	}
}

func isOneOf(v string, set []string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
