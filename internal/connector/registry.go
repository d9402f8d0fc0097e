package connector

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Registry holds the sessions of all configured systems.
type Registry struct {
	sessions map[string]*Session
	order    []*Session
}

// NewRegistry creates one session per config. Options are applied to every
// session. System names are case-insensitive and must be unique.
func NewRegistry(cfgs []Config, opts ...Option) (*Registry, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("no AMI systems configured")
	}
	r := &Registry{sessions: make(map[string]*Session, len(cfgs))}
	for _, cfg := range cfgs {
		s := New(cfg, opts...)
		key := strings.ToUpper(s.Name())
		if _, dup := r.sessions[key]; dup {
			return nil, fmt.Errorf("duplicate AMI system %q", s.Name())
		}
		r.sessions[key] = s
		r.order = append(r.order, s)
	}
	return r, nil
}

// Start starts every session.
func (r *Registry) Start() {
	for _, s := range r.order {
		s.Start()
	}
}

// Get returns the named session. An empty name selects LOCAL, or the only
// configured system.
func (r *Registry) Get(name string) (*Session, bool) {
	if name == "" {
		if len(r.order) == 1 {
			return r.order[0], true
		}
		name = DefaultSystem
	}
	s, ok := r.sessions[strings.ToUpper(name)]
	return s, ok
}

// Sessions returns all sessions in configuration order.
func (r *Registry) Sessions() []*Session {
	out := make([]*Session, len(r.order))
	copy(out, r.order)
	return out
}

// Shutdown stops all sessions and waits for them to exit.
func (r *Registry) Shutdown(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range r.order {
		s := s
		g.Go(func() error {
			return s.Stop(ctx)
		})
	}
	return g.Wait()
}
