// Package work tracks background tasks spawned on behalf of a container so
// that shutdown can wait for them instead of leaving detached goroutines.
package work

import (
	"context"
	"fmt"
	"sync"
)

// Group owns a set of background tasks. Tasks receive a context that is
// canceled when the group is canceled. After Close no new task is accepted.
type Group struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	onPanic func(error)
}

// New creates a Group. onPanic, if non-nil, receives a recovered panic from
// any task wrapped as an error.
func New(onPanic func(error)) *Group {
	ctx, cancel := context.WithCancel(context.Background())
	return &Group{ctx: ctx, cancel: cancel, onPanic: onPanic}
}

// Go runs fn in a new goroutine. It reports false when the group is closed
// and fn was not started.
func (g *Group) Go(fn func(ctx context.Context)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil && g.onPanic != nil {
				g.onPanic(fmt.Errorf("work: task panicked: %v", r))
			}
		}()
		fn(g.ctx)
	}()
	return true
}

// Closed reports whether Close has been called.
func (g *Group) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Close stops accepting tasks and waits for running ones. If ctx ends first
// the running tasks are canceled and ctx's error is returned once they exit.
//
// Close is safe to call multiple times.
func (g *Group) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		g.cancel()
		<-done
		return ctx.Err()
	}
}

// Cancel cancels the context handed to running tasks.
func (g *Group) Cancel() {
	g.cancel()
}
