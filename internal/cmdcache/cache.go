// Package cmdcache caches CLI command output fetched over AMI and parses
// a few well-known commands.
package cmdcache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Executor runs a CLI command. *connector.Session implements it.
type Executor interface {
	ExecuteCommand(ctx context.Context, command string) ([]string, error)
}

type entry struct {
	lines   []string
	fetched time.Time
}

// Cache keeps command output for a fixed time. Concurrent misses for the
// same command share one request.
type Cache struct {
	exec  Executor
	ttl   time.Duration
	clock func() time.Time
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]entry
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) { c.clock = clock }
}

func New(exec Executor, ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		exec:    exec,
		ttl:     ttl,
		clock:   time.Now,
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the output of command, running it if the cached copy is
// missing or older than the TTL. Errors are not cached.
func (c *Cache) Get(ctx context.Context, command string) ([]string, error) {
	c.mu.Lock()
	e, ok := c.entries[command]
	c.mu.Unlock()
	if ok && c.clock().Sub(e.fetched) < c.ttl {
		return clone(e.lines), nil
	}

	v, err, _ := c.group.Do(command, func() (any, error) {
		lines, err := c.exec.ExecuteCommand(ctx, command)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[command] = entry{lines: lines, fetched: c.clock()}
		c.mu.Unlock()
		return lines, nil
	})
	if err != nil {
		return nil, err
	}
	return clone(v.([]string)), nil
}

// Invalidate drops the cached output of command.
func (c *Cache) Invalidate(command string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, command)
}

// Purge drops everything.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

func clone(lines []string) []string {
	out := make([]string, len(lines))
	copy(out, lines)
	return out
}
