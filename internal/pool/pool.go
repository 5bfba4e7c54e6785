// Package pool holds a bounded, lazily filled set of renderer handles.
package pool

import (
	"context"
	"errors"
	"io"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"tilebridge/internal/backend"
)

// ErrDrained the pool was drained and hands out nothing more
var ErrDrained = errors.New("pool drained")

// Factory creates a renderer handle.
type Factory func(ctx context.Context) (backend.Renderer, error)

// Pool 渲染器池. At most Size handles are checked out at once; Acquire blocks
// beyond that.
type Pool struct {
	size    int64
	factory Factory
	log     logrus.FieldLogger

	sem *semaphore.Weighted

	mu          sync.Mutex
	idle        []backend.Renderer
	created     int
	outstanding int
	drained     bool

	drainMu sync.Mutex
}

// New creates an empty pool. size <= 0 uses runtime.NumCPU().
func New(size int, factory Factory, log logrus.FieldLogger) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Pool{
		size:    int64(size),
		factory: factory,
		log:     log,
		sem:     semaphore.NewWeighted(int64(size)),
	}
}

// Size pool capacity
func (p *Pool) Size() int { return int(p.size) }

// Outstanding number of handles currently checked out
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// Idle number of handles waiting in the pool
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Acquire checks out a handle, creating one when none is idle. Factory errors
// are returned as is and free the slot.
func (p *Pool) Acquire(ctx context.Context) (backend.Renderer, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.drained {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrDrained
	}
	if n := len(p.idle); n > 0 {
		r := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.outstanding++
		p.mu.Unlock()
		return r, nil
	}
	p.mu.Unlock()

	r, err := p.factory(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}

	p.mu.Lock()
	p.created++
	p.outstanding++
	created := p.created
	p.mu.Unlock()
	p.log.WithFields(logrus.Fields{"created": created, "size": p.size}).Debug("renderer handle created")
	return r, nil
}

// Release returns a handle obtained from Acquire. Call it exactly once per handle.
func (p *Pool) Release(r backend.Renderer) {
	p.mu.Lock()
	p.outstanding--
	p.idle = append(p.idle, r)
	p.mu.Unlock()
	p.sem.Release(1)
}

// Drain waits until every handle is back, closes them all and marks the pool
// drained. Draining a drained pool is a no-op.
func (p *Pool) Drain(ctx context.Context) error {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()
	if p.Drained() {
		return nil
	}

	// holding the full weight means nothing is checked out and nothing can be
	if err := p.sem.Acquire(ctx, p.size); err != nil {
		return err
	}
	defer p.sem.Release(p.size)

	p.mu.Lock()
	p.drained = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, r := range idle {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.log.WithField("handles", len(idle)).Debug("pool drained")
	return errors.Join(errs...)
}

// Drained reports whether Drain completed.
func (p *Pool) Drained() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drained
}
