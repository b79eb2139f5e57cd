// Package session keeps one inbox engine per signed-in operator.
package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/capitalize-ai/inbox-sync/internal/backend"
	"github.com/capitalize-ai/inbox-sync/internal/filter"
	"github.com/capitalize-ai/inbox-sync/internal/inbox"
	"github.com/capitalize-ai/inbox-sync/pkg/logger"
)

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("session registry closed")

// Engine is the part of an inbox engine the registry manages.
type Engine interface {
	Refresh(ctx context.Context) error
	Close() error
}

// Factory builds the engine for an operator.
type Factory[E Engine] func(ctx context.Context, operatorID string) (E, error)

type entry[E Engine] struct {
	engine   E
	lastUsed time.Time
	// pins counts live connections; pinned sessions are never idle.
	pins int
}

// Registry hands out per-operator engines, creating them on first use and
// disposing them after an idle timeout.
type Registry[E Engine] struct {
	factory Factory[E]
	idle    time.Duration
	now     func() time.Time
	log     *logger.Logger
	// starts collapses concurrent first Gets for one operator.
	starts singleflight.Group

	mu       sync.Mutex
	sessions map[string]*entry[E]
	closed   bool
}

// New creates a registry. An idle timeout of zero disables eviction.
func New[E Engine](factory Factory[E], idle time.Duration, log *logger.Logger) *Registry[E] {
	return &Registry[E]{
		factory:  factory,
		idle:     idle,
		now:      time.Now,
		log:      log.Named("session"),
		sessions: make(map[string]*entry[E]),
	}
}

// Get returns the operator's engine, creating it and loading its first page
// if needed. A failed first page load is logged and does not fail Get: the
// engine has surfaced it as a query failure.
func (r *Registry[E]) Get(ctx context.Context, operatorID string) (E, error) {
	var zero E
	if e, ok, err := r.lookup(operatorID); err != nil || ok {
		return e, err
	}

	v, err, _ := r.starts.Do(operatorID, func() (any, error) {
		return r.start(ctx, operatorID)
	})
	if err != nil {
		return zero, err
	}
	return v.(E), nil
}

func (r *Registry[E]) lookup(operatorID string) (E, bool, error) {
	var zero E
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return zero, false, ErrClosed
	}
	e, ok := r.sessions[operatorID]
	if !ok {
		return zero, false, nil
	}
	e.lastUsed = r.now()
	return e.engine, true, nil
}

func (r *Registry[E]) start(ctx context.Context, operatorID string) (E, error) {
	var zero E
	// An earlier start may have finished after this caller's lookup.
	if e, ok, err := r.lookup(operatorID); err != nil || ok {
		return e, err
	}

	engine, err := r.factory(ctx, operatorID)
	if err != nil {
		return zero, fmt.Errorf("start session for %s: %w", operatorID, err)
	}
	if rerr := engine.Refresh(ctx); rerr != nil {
		r.log.Warn("initial page load failed", zap.String("operator_id", operatorID), zap.Error(rerr))
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = engine.Close()
		return zero, ErrClosed
	}
	r.sessions[operatorID] = &entry[E]{engine: engine, lastUsed: r.now()}
	r.mu.Unlock()

	r.log.Info("session started", zap.String("operator_id", operatorID))
	return engine, nil
}

// Pin marks the session in use until the returned function is called.
func (r *Registry[E]) Pin(operatorID string) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[operatorID]
	if !ok {
		return func() {}
	}
	e.pins++
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			e.pins--
			e.lastUsed = r.now()
		})
	}
}

// Dispose closes and forgets the operator's engine.
func (r *Registry[E]) Dispose(operatorID string) error {
	r.mu.Lock()
	e, ok := r.sessions[operatorID]
	if ok {
		delete(r.sessions, operatorID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	r.log.Info("session disposed", zap.String("operator_id", operatorID))
	return e.engine.Close()
}

// Sweep disposes sessions idle for longer than the timeout and returns how
// many were disposed.
func (r *Registry[E]) Sweep() int {
	if r.idle <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.idle)

	r.mu.Lock()
	idle := make(map[string]*entry[E])
	for id, e := range r.sessions {
		if e.pins == 0 && e.lastUsed.Before(cutoff) {
			idle[id] = e
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for id, e := range idle {
		r.log.Info("idle session disposed", zap.String("operator_id", id))
		if err := e.engine.Close(); err != nil {
			r.log.Warn("failed to close idle session", zap.String("operator_id", id), zap.Error(err))
		}
	}
	return len(idle)
}

// Run sweeps idle sessions every interval until ctx is done.
func (r *Registry[E]) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.log.Debug("swept idle sessions", zap.Int("count", n))
			}
		}
	}
}

// Len returns the number of sessions.
func (r *Registry[E]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close disposes every session. Get fails afterwards.
func (r *Registry[E]) Close() error {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := r.Dispose(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EngineFactory builds inbox engines over b, persisting each operator's
// filter under stateDir. An empty stateDir disables persistence.
func EngineFactory(b backend.Backend, stateDir string, log *logger.Logger, opts ...inbox.Option) Factory[*inbox.Engine] {
	return func(ctx context.Context, operatorID string) (*inbox.Engine, error) {
		engineOpts := append([]inbox.Option{
			inbox.WithLogger(log.With(zap.String("operator_id", operatorID))),
		}, opts...)
		if stateDir != "" {
			store := filter.NewFileStore(filepath.Join(stateDir, stateFileName(operatorID)))
			engineOpts = append(engineOpts, inbox.WithFilterStore(store))
		}
		return inbox.New(ctx, b, engineOpts...)
	}
}

// stateFileName maps an operator id to a file name. The hex encoding is
// injective and safe on case-insensitive file systems.
func stateFileName(operatorID string) string {
	if operatorID == "" {
		return "_.json"
	}
	return hex.EncodeToString([]byte(operatorID)) + ".json"
}
