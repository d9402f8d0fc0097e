// Package workerpool runs short deferred and periodic tasks on a bounded
// number of goroutines. Closing the pool cancels every pending and scheduled
// task.
package workerpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned when submitting to a closed pool.
var ErrClosed = errors.New("worker pool is closed")

// Task is a unit of work. It must return promptly once ctx is done.
type Task func(ctx context.Context)

// Pool bounds the number of concurrently running tasks.
type Pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates a pool running at most size tasks at once.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit queues task for execution. The task's context is done when either
// ctx or the pool is done; a task whose context ends before a worker slot is
// free never runs.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		taskCtx, cancel := p.join(ctx)
		defer cancel()

		if taskCtx.Err() != nil {
			return
		}
		if err := p.sem.Acquire(taskCtx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		task(taskCtx)
	}()
	return nil
}

// Every runs task on the pool immediately and then once per interval until
// ctx or the pool is done. A run is skipped if the previous one is still going.
func (p *Pool) Every(ctx context.Context, interval time.Duration, task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		schedCtx, cancel := p.join(ctx)
		defer cancel()

		running := make(chan struct{}, 1)
		run := func() {
			select {
			case running <- struct{}{}:
			default:
				return
			}
			err := p.Submit(schedCtx, func(ctx context.Context) {
				defer func() { <-running }()
				task(ctx)
			})
			if err != nil {
				<-running
			}
		}

		run()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-schedCtx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
	return nil
}

// join derives a context that ends with either ctx or the pool.
func (p *Pool) join(ctx context.Context) (context.Context, context.CancelFunc) {
	joined, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(p.ctx, cancel)
	return joined, func() {
		stop()
		cancel()
	}
}

// Close cancels all tasks and waits for running ones to return.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()
}
