// Package bridge sits between a tile-serving caller and a rendering backend.
//
// A Source owns one style at a time. It renders tiles through a bounded pool
// of renderer handles, swaps that pool atomically when the style changes and
// walks a layer's features to build a coverage index.
package bridge

import (
	"context"
	"errors"
	"io"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tilebridge/internal/backend"
	"tilebridge/internal/pool"
)

// Options 样式源配置
type Options struct {
	// Style style definition text.
	Style string
	// Base directory relative resources resolve against.
	Base string
	// Deflate compresses tile payloads.
	Deflate bool
	// Blank reports every solid tile as fully transparent.
	Blank bool
	// Simplify enables geometry simplification during render.
	Simplify bool
	// PoolSize renderer handles per style; 0 uses runtime.NumCPU().
	PoolSize int
}

// DefaultOptions returns Options with deflate on and blank off.
func DefaultOptions(style, base string) Options {
	return Options{Style: style, Base: base, Deflate: true}
}

// state is swapped as a unit so a render always sees flags matching its pool.
type state struct {
	opts Options
	pool *pool.Pool
}

// Source 瓦片源
type Source struct {
	backend backend.Backend
	log     logrus.FieldLogger

	state atomic.Pointer[state]

	// mu serializes Update and Close; at most one old pool drains at a time.
	mu     sync.Mutex
	drains sync.WaitGroup
}

// New creates a Source without a style. A nil logger discards output.
func New(be backend.Backend, log logrus.FieldLogger) *Source {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Source{backend: be, log: log}
}

// Open creates a Source, loads opts and checks that the style compiles.
func Open(ctx context.Context, be backend.Backend, opts Options, log logrus.FieldLogger) (*Source, error) {
	s := New(be, log)
	if err := s.Update(ctx, opts); err != nil {
		return nil, err
	}

	st, r, err := s.acquire(ctx)
	if err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	st.pool.Release(r)
	return s, nil
}

// Update applies opts. The same style text keeps the current pool and only
// refreshes the flags. A new style installs a fresh pool first, then drains
// the previous one; Update returns once it is drained or ctx ends, in which
// case draining continues in the background.
func (s *Source) Update(ctx context.Context, opts Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.state.Load()
	if cur != nil && cur.opts.Style == opts.Style {
		if cur.opts != opts {
			s.state.Store(&state{opts: withPoolSize(opts, cur.pool.Size()), pool: cur.pool})
		}
		return nil
	}

	size := opts.PoolSize
	if size <= 0 {
		size = runtime.NumCPU()
	}
	next := &state{
		opts: withPoolSize(opts, size),
		pool: pool.New(size, s.factory(opts.Style, opts.Base), s.log.WithField("component", "pool")),
	}
	s.state.Store(next)
	s.log.WithFields(logrus.Fields{"pool": size, "base": opts.Base}).Info("style loaded")

	if cur == nil {
		return nil
	}
	return s.drain(ctx, cur.pool)
}

func withPoolSize(opts Options, size int) Options {
	opts.PoolSize = size
	return opts
}

// drain retires old on a later goroutine turn, after the new pool is visible.
func (s *Source) drain(ctx context.Context, old *pool.Pool) error {
	done := make(chan error, 1)
	s.drains.Add(1)
	go func() {
		defer s.drains.Done()
		runtime.Gosched()
		err := old.Drain(context.Background())
		if err != nil {
			s.log.WithError(err).Warn("close renderer handles")
		} else {
			s.log.WithField("handles", old.Size()).Debug("previous pool drained")
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the active pool and waits for earlier pools still draining.
func (s *Source) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.state.Swap(nil)

	g, gctx := errgroup.WithContext(ctx)
	if cur != nil {
		g.Go(func() error { return cur.pool.Drain(gctx) })
	}
	g.Go(func() error {
		done := make(chan struct{})
		go func() {
			s.drains.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})
	return g.Wait()
}

// Loaded reports whether a style is installed.
func (s *Source) Loaded() bool { return s.state.Load() != nil }

func (s *Source) factory(style, base string) pool.Factory {
	return func(ctx context.Context) (backend.Renderer, error) {
		return s.backend.Create(ctx, style, base)
	}
}

// acquire checks a handle out of the active pool. A pool drained under a
// waiting caller by a concurrent Update is retried against its successor.
func (s *Source) acquire(ctx context.Context) (*state, backend.Renderer, error) {
	for {
		st := s.state.Load()
		if st == nil {
			return nil, nil, ErrNotLoaded
		}
		r, err := st.pool.Acquire(ctx)
		switch {
		case err == nil:
			return st, r, nil
		case errors.Is(err, pool.ErrDrained):
			continue
		case ctx.Err() != nil:
			return nil, nil, err
		default:
			return nil, nil, &StyleError{cause: err}
		}
	}
}

// release hands r back on another goroutine so the caller's continuation
// never waits on it and r is not reacquired within the caller's own turn.
func (s *Source) release(st *state, r backend.Renderer) {
	go st.pool.Release(r)
}
