package pool

import (
	"context"
	"sync"
)

// Counter is a mutex-and-condition-variable-guarded integer, the
// idiomatic-Go rendering of a cross-process atomic job counter
// (spec.md §5/§6): Increment/Decrement track in-flight work, AwaitZero
// blocks until the count returns to zero.
type Counter struct {
	mu    sync.Mutex
	cond  *sync.Cond
	value int
}

// NewCounter returns a zeroed Counter.
func NewCounter() *Counter {
	c := &Counter{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Increment adds one to the counter.
func (c *Counter) Increment() {
	c.mu.Lock()
	c.value++
	c.mu.Unlock()
}

// Decrement subtracts one from the counter, waking any AwaitZero callers
// if it reaches zero.
func (c *Counter) Decrement() {
	c.mu.Lock()
	c.value--
	if c.value <= 0 {
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

// Value returns the current count.
func (c *Counter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// AwaitZero blocks until the counter reaches zero or ctx is done. A
// goroutine parks on the condition variable for the duration of the wait;
// cancellation returns to the caller but does not interrupt that goroutine,
// which exits only once a Decrement brings the count to zero.
func (c *Counter) AwaitZero(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.mu.Lock()
		for c.value > 0 {
			c.cond.Wait()
		}
		c.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CounterPool is a named registry of Counters, lazily created on first
// reference — the Go rendering of AsyncProcessPool.createJobCounter.
type CounterPool struct {
	mu       sync.Mutex
	counters map[string]*Counter
}

// NewCounterPool returns an empty CounterPool.
func NewCounterPool() *CounterPool {
	return &CounterPool{counters: map[string]*Counter{}}
}

// Counter returns the named counter, creating it if necessary.
func (p *CounterPool) Counter(name string) *Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.counters[name]
	if !ok {
		c = NewCounter()
		p.counters[name] = c
	}
	return c
}
