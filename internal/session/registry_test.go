package session

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/capitalize-ai/inbox-sync/internal/filter"
	"github.com/capitalize-ai/inbox-sync/internal/model"
	"github.com/capitalize-ai/inbox-sync/pkg/logger"
)

type fakeEngine struct {
	id        string
	refreshes atomic.Int32
	closed    atomic.Bool
}

func (f *fakeEngine) Refresh(ctx context.Context) error {
	f.refreshes.Add(1)
	return nil
}

func (f *fakeEngine) Close() error {
	f.closed.Store(true)
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(idle time.Duration) (*Registry[*fakeEngine], *atomic.Int32, *clock) {
	var built atomic.Int32
	factory := func(ctx context.Context, operatorID string) (*fakeEngine, error) {
		built.Add(1)
		if operatorID == "broken" {
			return nil, errors.New("feed unavailable")
		}
		return &fakeEngine{id: operatorID}, nil
	}
	r := New(factory, idle, logger.Nop())
	c := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	r.now = c.Now
	return r, &built, c
}

func TestGetReusesSession(t *testing.T) {
	r, built, _ := newTestRegistry(time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	engines := make([]*fakeEngine, 8)
	for i := range engines {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := r.Get(ctx, "op-1")
			if err != nil {
				t.Errorf("get: %v", err)
			}
			engines[i] = e
		}(i)
	}
	wg.Wait()

	if built.Load() != 1 {
		t.Fatalf("expected one engine built, got %d", built.Load())
	}
	for _, e := range engines {
		if e != engines[0] {
			t.Fatal("expected every caller to share the engine")
		}
	}
	if engines[0].refreshes.Load() != 1 {
		t.Errorf("expected one initial refresh, got %d", engines[0].refreshes.Load())
	}
}

func TestGetFailureIsNotCached(t *testing.T) {
	r, built, _ := newTestRegistry(time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := r.Get(context.Background(), "broken"); err == nil {
			t.Fatal("expected factory error")
		}
	}
	if built.Load() != 2 {
		t.Errorf("expected retry after failure, got %d builds", built.Load())
	}
	if r.Len() != 0 {
		t.Errorf("expected no sessions, got %d", r.Len())
	}
}

func TestSweepDisposesIdleSessions(t *testing.T) {
	r, _, c := newTestRegistry(time.Minute)
	ctx := context.Background()

	idle, _ := r.Get(ctx, "idle")
	live, _ := r.Get(ctx, "live")
	unpin := r.Pin("live")

	c.Advance(2 * time.Minute)
	if n := r.Sweep(); n != 1 {
		t.Fatalf("expected one idle session swept, got %d", n)
	}
	if !idle.closed.Load() || live.closed.Load() {
		t.Errorf("expected only the unpinned session closed")
	}

	unpin()
	c.Advance(30 * time.Second)
	if n := r.Sweep(); n != 0 {
		t.Errorf("expected recently released session kept, got %d swept", n)
	}
	c.Advance(time.Minute)
	if n := r.Sweep(); n != 1 || !live.closed.Load() {
		t.Errorf("expected released session swept after timeout")
	}
}

func TestCloseDisposesAll(t *testing.T) {
	r, _, _ := newTestRegistry(0)
	ctx := context.Background()
	a, _ := r.Get(ctx, "a")
	b, _ := r.Get(ctx, "b")

	if err := r.Dispose("a"); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if !a.closed.Load() {
		t.Error("expected disposed engine closed")
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !b.closed.Load() {
		t.Error("expected remaining engine closed")
	}
	if _, err := r.Get(ctx, "c"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestStateFileName(t *testing.T) {
	tests := map[string]string{
		"op-1":          "6f702d31.json",
		"../etc/passwd": "2e2e2f6574632f706173737764.json",
		"":              "_.json",
	}
	for in, want := range tests {
		if got := stateFileName(in); got != want {
			t.Errorf("stateFileName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStateFileNameDistinguishesOperators(t *testing.T) {
	ids := []string{"alice.smith", "alice_smith", "alice-smith", "Alice.Smith", "alice smith", "_"}
	seen := make(map[string]string)
	for _, id := range ids {
		name := stateFileName(id)
		if other, ok := seen[strings.ToLower(name)]; ok {
			t.Errorf("%q and %q share state file %s", id, other, name)
		}
		seen[strings.ToLower(name)] = id
	}
}

func TestFilterStateIsPerOperator(t *testing.T) {
	dir := t.TempDir()
	a := filter.NewFileStore(filepath.Join(dir, stateFileName("alice.smith")))
	b := filter.NewFileStore(filepath.Join(dir, stateFileName("alice_smith")))

	if err := a.Save(filter.New().WithStatuses(model.StatusResolved)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, ok, err := b.Load(); err != nil || ok {
		t.Errorf("expected no filter for the second operator, got ok=%v err=%v", ok, err)
	}
}
