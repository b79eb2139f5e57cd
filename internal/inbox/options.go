package inbox

import (
	"time"

	"github.com/capitalize-ai/inbox-sync/internal/filter"
	"github.com/capitalize-ai/inbox-sync/pkg/logger"
)

const (
	DefaultPageSize      = 20
	DefaultSearchWindow  = 500
	DefaultThreadLimit   = 200
	DefaultPageCacheSize = 16
	DefaultThreadCache   = 32
	DefaultErrorBuffer   = 32
	seenMessageCapacity  = 4096
)

type options struct {
	logger          *logger.Logger
	filterStore     filter.Store
	pageSize        int
	searchWindow    int
	threadLimit     int
	pageCacheSize   int
	threadCacheSize int
	errorBuffer     int
	quietOpenThread bool
	now             func() time.Time
}

func defaultOptions() options {
	return options{
		logger:          logger.Nop(),
		pageSize:        DefaultPageSize,
		searchWindow:    DefaultSearchWindow,
		threadLimit:     DefaultThreadLimit,
		pageCacheSize:   DefaultPageCacheSize,
		threadCacheSize: DefaultThreadCache,
		errorBuffer:     DefaultErrorBuffer,
		quietOpenThread: true,
		now:             time.Now,
	}
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the engine logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithFilterStore restores the filter from store on construction and saves
// every change to it.
func WithFilterStore(s filter.Store) Option {
	return func(o *options) { o.filterStore = s }
}

// WithPageSize sets the number of conversations per page.
func WithPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithSearchWindow bounds how many recent messages a search scans.
func WithSearchWindow(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.searchWindow = n
		}
	}
}

// WithThreadLimit caps the messages held per conversation thread.
func WithThreadLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.threadLimit = n
		}
	}
}

// WithPageCacheSize caps how many pages the page store keeps.
func WithPageCacheSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageCacheSize = n
		}
	}
}

// WithThreadCacheSize caps how many threads the message cache keeps.
func WithThreadCacheSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.threadCacheSize = n
		}
	}
}

// WithErrorBuffer sets the capacity of the Errors channel.
func WithErrorBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.errorBuffer = n
		}
	}
}

// WithUnreadWhileOpen controls whether a user message for the conversation
// open in the thread view marks it unread. The default keeps it read.
func WithUnreadWhileOpen(unread bool) Option {
	return func(o *options) { o.quietOpenThread = !unread }
}

// WithClock overrides the time source used for speculative messages.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
