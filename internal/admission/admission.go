// Package admission bounds how many page fetches run at once.
package admission

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultLimit is the number of concurrent fetches allowed when unset.
const DefaultLimit = 8

// Controller is a counting semaphore that hands out releasable permits.
type Controller struct {
	sem      *semaphore.Weighted
	limit    int
	inFlight atomic.Int64
	observe  func(inFlight int64)

	// mu serializes in-flight updates with their observer calls so the
	// observer sees the counts in order.
	mu sync.Mutex
}

// Option customizes a Controller.
type Option func(*Controller)

// WithObserver registers a callback invoked with the in-flight count after
// every acquire and release. Calls are serialized and must not block.
func WithObserver(fn func(inFlight int64)) Option {
	return func(c *Controller) {
		c.observe = fn
	}
}

// New creates a Controller with the given capacity.
func New(limit int, opts ...Option) *Controller {
	if limit <= 0 {
		limit = DefaultLimit
	}
	c := &Controller{
		sem:   semaphore.NewWeighted(int64(limit)),
		limit: limit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire blocks until a permit is available or the context ends.
func (c *Controller) Acquire(ctx context.Context) (*Permit, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire permit: %w", err)
	}
	c.adjust(1)
	return &Permit{owner: c}, nil
}

// Limit returns the capacity.
func (c *Controller) Limit() int {
	return c.limit
}

// InFlight returns the number of permits currently held.
func (c *Controller) InFlight() int {
	return int(c.inFlight.Load())
}

func (c *Controller) release() {
	c.adjust(-1)
	c.sem.Release(1)
}

func (c *Controller) adjust(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.inFlight.Add(delta)
	if c.observe != nil {
		c.observe(n)
	}
}

// Permit is one unit of admission. Release may be called more than once;
// only the first call returns capacity.
type Permit struct {
	owner *Controller
	once  sync.Once
}

// Release returns the permit to its Controller.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(p.owner.release)
}
