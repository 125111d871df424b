package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned for work offered after Shutdown.
var ErrPoolShutdown = errors.New("state pool is shut down")

// PanicError describes a state execution that panicked.
type PanicError struct {
	InstanceID string
	Value      any
	Stack      []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("state execution %s panicked: %v", e.InstanceID, e.Value)
}

// PoolStats is a snapshot of the pool's counters. Waiting counts callers
// blocked on a free slot.
type PoolStats struct {
	Active    int64 `json:"active"`
	Waiting   int64 `json:"waiting"`
	Completed int64 `json:"completed"`
	Panics    int64 `json:"panics"`
}

// statePool bounds how many state executions run at once. Callers block
// for a slot, so a burst of fan-out children is admitted gradually.
type statePool struct {
	slots chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup

	active, waiting, completed, panics atomic.Int64

	mu      sync.Mutex
	closed  bool
	onPanic func(*PanicError)
}

func newStatePool(size int) *statePool {
	if size <= 0 {
		size = 1
	}
	return &statePool{
		slots: make(chan struct{}, size),
		done:  make(chan struct{}),
	}
}

// OnPanic sets the handler for panics recovered from running states.
func (p *statePool) OnPanic(fn func(*PanicError)) {
	p.mu.Lock()
	p.onPanic = fn
	p.mu.Unlock()
}

// Run executes fn for instanceID on a pool goroutine once a slot is free.
// It returns without running fn when ctx ends or the pool shuts down first.
func (p *statePool) Run(ctx context.Context, instanceID string, fn func(context.Context)) error {
	if p.isClosed() {
		return ErrPoolShutdown
	}

	p.waiting.Add(1)
	select {
	case p.slots <- struct{}{}:
		p.waiting.Add(-1)
	case <-ctx.Done():
		p.waiting.Add(-1)
		return ctx.Err()
	case <-p.done:
		p.waiting.Add(-1)
		return ErrPoolShutdown
	}

	// Registering with wg under mu keeps Shutdown from missing this run.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	onPanic := p.onPanic
	p.mu.Unlock()

	p.active.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				if onPanic != nil {
					onPanic(&PanicError{InstanceID: instanceID, Value: r, Stack: debug.Stack()})
				}
			} else {
				p.completed.Add(1)
			}
			p.active.Add(-1)
			<-p.slots
			p.wg.Done()
		}()
		fn(ctx)
	}()
	return nil
}

func (p *statePool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Wait blocks until every admitted run returns.
func (p *statePool) Wait() { p.wg.Wait() }

// Shutdown refuses new runs, releases blocked callers and waits for admitted
// runs. Safe to call more than once.
func (p *statePool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *statePool) Stats() PoolStats {
	return PoolStats{
		Active:    p.active.Load(),
		Waiting:   p.waiting.Load(),
		Completed: p.completed.Load(),
		Panics:    p.panics.Load(),
	}
}
