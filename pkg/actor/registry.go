package actor

import (
	"context"
	"sync"

	"github.com/shiyoukh/cf-ai-agent/pkg/llm/provider"
	"github.com/shiyoukh/cf-ai-agent/pkg/store"
)

// Registry hands out the single actor instance owning each session.
// Requests for the same session serialize through that actor; different
// sessions run independently. Registry is safe for concurrent use.
type Registry struct {
	store store.Store
	gen   provider.Generator
	cfg   Config

	mu     sync.Mutex
	actors map[string]*Actor

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRegistry creates a registry backed by the given store and generator.
func NewRegistry(st store.Store, gen provider.Generator, cfg Config) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:  st,
		gen:    gen,
		cfg:    cfg,
		actors: make(map[string]*Actor),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Actor returns the session's actor, starting it on first use.
// Hydration re-arms any alarm the previous process instance persisted.
func (r *Registry) Actor(sessionID string) *Actor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.actors[sessionID]; ok {
		return a
	}

	a := New(r.store, r.gen, sessionID, r.cfg)
	a.Start(r.ctx)
	r.actors[sessionID] = a
	return a
}

// Close stops every actor and releases the store.
func (r *Registry) Close() error {
	r.cancel()

	r.mu.Lock()
	for id, a := range r.actors {
		a.Stop()
		delete(r.actors, id)
	}
	r.mu.Unlock()

	return r.store.Close()
}
