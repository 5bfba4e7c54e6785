package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdate_SameStyleKeepsPool(t *testing.T) {
	b := newFakeBackend()
	s := openFake(t, b, Options{Style: "a", PoolSize: 2})

	before := s.state.Load().pool
	require.NoError(t, s.Update(context.Background(), Options{Style: "a", Blank: true}))
	after := s.state.Load()

	assert.Same(t, before, after.pool)
	assert.True(t, after.opts.Blank)
	assert.False(t, before.Drained())
	assert.Equal(t, 1, b.created())
}

func TestUpdate_NewStyleDrainsOldPool(t *testing.T) {
	b := newFakeBackend()
	s := openFake(t, b, Options{Style: "a", PoolSize: 2})
	old := s.state.Load().pool

	require.NoError(t, s.Update(context.Background(), Options{Style: "b", PoolSize: 2}))

	assert.True(t, old.Drained())
	assert.Equal(t, 0, old.Outstanding())
	assert.NotSame(t, old, s.state.Load().pool)

	_, err := s.Tile(context.Background(), 0, 0, 0)
	require.NoError(t, err)
	b.mu.Lock()
	assert.Equal(t, []string{"a", "b"}, b.styles)
	b.mu.Unlock()
}

func TestUpdate_WaitsForOutstandingHandles(t *testing.T) {
	b := newFakeBackend()
	s := openFake(t, b, Options{Style: "a", PoolSize: 1})

	st, r, err := s.acquire(context.Background())
	require.NoError(t, err)

	updated := make(chan error, 1)
	go func() { updated <- s.Update(context.Background(), Options{Style: "b", PoolSize: 1}) }()

	// the new pool serves while the old one still has a handle out
	assert.Eventually(t, func() bool { return s.state.Load() != st }, time.Second, time.Millisecond)
	_, err = s.Tile(context.Background(), 0, 0, 0)
	require.NoError(t, err)

	select {
	case <-updated:
		t.Fatal("update returned before the old pool drained")
	case <-time.After(20 * time.Millisecond):
	}

	st.pool.Release(r)
	select {
	case err := <-updated:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("update never finished")
	}
	assert.True(t, st.pool.Drained())
}

func TestUpdate_CanceledContextLeavesDrainRunning(t *testing.T) {
	b := newFakeBackend()
	s := openFake(t, b, Options{Style: "a", PoolSize: 1})

	st, r, err := s.acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Update(ctx, Options{Style: "b"}), context.DeadlineExceeded)
	assert.False(t, st.pool.Drained())

	st.pool.Release(r)
	assert.Eventually(t, st.pool.Drained, time.Second, time.Millisecond)
}

func TestClose(t *testing.T) {
	b := newFakeBackend()
	s := openFake(t, b, Options{Style: "a", PoolSize: 2})
	p := s.state.Load().pool

	require.NoError(t, s.Close(context.Background()))
	assert.True(t, p.Drained())
	assert.False(t, s.Loaded())

	_, err := s.Tile(context.Background(), 0, 0, 0)
	assert.ErrorIs(t, err, ErrNotLoaded)
	_, err = s.Info(context.Background())
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestConcurrentTilesRespectCapacity(t *testing.T) {
	b := newFakeBackend()
	s := openFake(t, b, Options{Style: "a", PoolSize: 3})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Tile(context.Background(), 4, i%16, i/16)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, b.created(), 3)
	p := s.state.Load().pool
	assert.Eventually(t, func() bool { return p.Outstanding() == 0 }, time.Second, time.Millisecond)
}

func TestConcurrentTilesDuringUpdates(t *testing.T) {
	b := newFakeBackend()
	s := openFake(t, b, Options{Style: "s0", PoolSize: 2})

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Tile(context.Background(), 3, i%8, i%8)
			assert.NoError(t, err)
		}(i)
	}
	for _, style := range []string{"s1", "s2", "s3"} {
		require.NoError(t, s.Update(context.Background(), Options{Style: style, PoolSize: 2}))
	}
	wg.Wait()
}

func TestInfo(t *testing.T) {
	b := newFakeBackend()
	b.params = map[string]string{
		"json":    `{"foo":1,"nested":{"a":[1,2]},"maxzoom":9}`,
		"foo":     "2",
		"bounds":  "-180,-85.05,180,85.05",
		"center":  "0,0,3",
		"minzoom": "0",
		"maxzoom": "4",
		"name":    "demo",
	}
	s := openFake(t, b, Options{Style: "a"})

	info, err := s.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2", info["foo"])
	assert.Equal(t, map[string]any{"a": []any{float64(1), float64(2)}}, info["nested"])
	assert.Equal(t, []float64{-180, -85.05, 180, 85.05}, info["bounds"])
	assert.Equal(t, []float64{0, 0, 3}, info["center"])
	assert.Equal(t, 0, info["minzoom"])
	assert.Equal(t, 4, info["maxzoom"])
	assert.Equal(t, "demo", info["name"])
	assert.NotContains(t, info, "json")
}

func TestParseInfo(t *testing.T) {
	_, err := ParseInfo(map[string]string{"json": "{not json"})
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "json", pe.Key)

	info, err := ParseInfo(map[string]string{"json": `{"maxzoom":6}`, "center": "x,y"})
	require.NoError(t, err)
	z, ok := info.MaxZoom()
	assert.True(t, ok)
	assert.Equal(t, 6, z)
	assert.Equal(t, "x,y", info["center"])
}
