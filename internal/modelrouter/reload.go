package modelrouter

import (
	"context"
	"sync"

	"github.com/fyrsmithlabs/researchd/internal/research"
)

// Reloadable wraps a Service behind a swappable handle. Steps hold the
// wrapper for the life of the process; the config watcher swaps in a
// freshly built router when provider chains change on disk. In-flight
// invocations finish on the router they started with.
type Reloadable struct {
	mu    sync.RWMutex
	inner Service
}

// NewReloadable wraps inner. It panics on nil: a router with nothing
// behind it cannot serve any step.
func NewReloadable(inner Service) *Reloadable {
	if inner == nil {
		panic("modelrouter: nil service")
	}
	return &Reloadable{inner: inner}
}

// Swap replaces the active router. A nil replacement is ignored.
func (r *Reloadable) Swap(next Service) {
	if next == nil {
		return
	}
	r.mu.Lock()
	r.inner = next
	r.mu.Unlock()
}

func (r *Reloadable) current() Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inner
}

// Invoke delegates to the active router. The handle is resolved before
// the call so a concurrent Swap never blocks on a slow generation.
func (r *Reloadable) Invoke(ctx context.Context, step research.StepKind, req *Request, parse ParseFunc) (*Result, error) {
	return r.current().Invoke(ctx, step, req, parse)
}

// Usage reports accounting from the active router. Counters restart
// when a swap installs a new one.
func (r *Reloadable) Usage() map[string]ModelUsage {
	return r.current().Usage()
}
