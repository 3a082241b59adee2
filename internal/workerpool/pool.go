// Package workerpool runs short-lived server tasks on a bounded set of
// goroutines.
package workerpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrPoolClosed      = errors.New("worker pool closed")
	ErrPoolSaturated   = errors.New("worker pool saturated")
	ErrShutdownTimeout = errors.New("worker pool did not drain in time")
)

type Pool struct {
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	logger *log.Logger

	mu     sync.RWMutex
	closed bool
}

// New returns a pool running at most size tasks at once. Tasks receive a
// context that is cancelled when Shutdown starts.
func New(ctx context.Context, size int, logger *log.Logger) *Pool {
	ctx, cancel := context.WithCancel(ctx)
	g := new(errgroup.Group)
	g.SetLimit(size)

	return &Pool{
		group:  g,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.WithPrefix("pool"),
	}
}

// Submit schedules task without blocking. It fails with ErrPoolSaturated
// when every slot is busy.
func (p *Pool) Submit(task func(ctx context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	ok := p.group.TryGo(func() error {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("task panicked", "panic", r)
			}
		}()
		task(p.ctx)
		return nil
	})
	if !ok {
		return ErrPoolSaturated
	}
	return nil
}

// Shutdown refuses new tasks, cancels the task context and waits up to
// timeout for running tasks to return.
func (p *Pool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()

	drained := make(chan struct{})
	go func() {
		p.group.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-time.After(timeout):
		p.logger.Warn("forcing shutdown with tasks still running", "timeout", timeout)
		return ErrShutdownTimeout
	}
}
