package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilebridge/internal/bridge"
)

type fakeRenderer struct {
	mu      sync.Mutex
	calls   map[string]int
	fail    map[string]bool
	empty   map[string]bool
	started chan struct{}
	block   chan struct{}
	// deflate answers zlib streams the way bridge.Source does by default
	deflate bool
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{calls: map[string]int{}, fail: map[string]bool{}, empty: map[string]bool{}}
}

func (r *fakeRenderer) Tile(ctx context.Context, z, x, y int) (*bridge.TileResult, error) {
	key := fmt.Sprintf("%d/%d/%d", z, x, y)
	r.mu.Lock()
	r.calls[key]++
	fail, empty := r.fail[key], r.empty[key]
	r.mu.Unlock()

	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("render failed")
	}
	res := &bridge.TileResult{Header: http.Header{}}
	data := []byte(key)
	if empty {
		data = nil
	}
	if r.deflate {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		zw.Write(data)
		zw.Close()
		data = buf.Bytes()
		res.Header.Set("Content-Encoding", "deflate")
	}
	res.Data = data
	return res, nil
}

func gunzip(t *testing.T, data []byte) []byte {
	t.Helper()
	require.True(t, bytes.HasPrefix(data, []byte{0x1f, 0x8b}), "stored tiles are gzipped, got % x", data[:min(len(data), 2)])
	zr, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer zr.Close()
	out, err := io.ReadAll(zr)
	require.NoError(t, err)
	return out
}

func (r *fakeRenderer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		n += c
	}
	return n
}

type memStore struct {
	mu    sync.Mutex
	tiles map[maptile.Tile][]byte
	err   error
}

func (s *memStore) Save(tile Tile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.tiles == nil {
		s.tiles = map[maptile.Tile][]byte{}
	}
	s.tiles[tile.T] = tile.C
	return nil
}

func (s *memStore) Close() error { return nil }

func TestNewTask(t *testing.T) {
	task, err := NewTask(Config{Name: "world", Min: 0, Max: 2}, newFakeRenderer(), &memStore{}, nil, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	require.Len(t, task.Layers, 3)
	assert.Equal(t, int64(1+4+16), task.Total)

	task, err = NewTask(Config{Min: 3, Max: 3, Bounds: orb.Bound{Min: orb.Point{1, 1}, Max: orb.Point{2, 2}}}, newFakeRenderer(), &memStore{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), task.Total)

	_, err = NewTask(Config{Min: 3, Max: 2}, newFakeRenderer(), &memStore{}, nil, nil)
	assert.Error(t, err)
	_, err = NewTask(Config{Min: 0, Max: 40}, newFakeRenderer(), &memStore{}, nil, nil)
	assert.Error(t, err)
	_, err = NewTask(Config{Bounds: orb.Bound{Min: orb.Point{10, 0}, Max: orb.Point{-10, 1}}}, newFakeRenderer(), &memStore{}, nil, nil)
	assert.Error(t, err)
}

func TestTask_Run(t *testing.T) {
	r := newFakeRenderer()
	r.empty["2/3/3"] = true
	store := &memStore{}

	task, err := NewTask(Config{Name: "world", Min: 0, Max: 2, Workers: 3, Rate: 1000}, r, store, nil, nil)
	require.NoError(t, err)
	require.NoError(t, task.Run(context.Background()))

	assert.Equal(t, 21, r.count())
	assert.Equal(t, int64(21), task.Current.Load())
	assert.Len(t, store.tiles, 20, "empty tiles are not stored")
	assert.Equal(t, []byte("1/1/0"), gunzip(t, store.tiles[maptile.New(1, 0, 1)]))
}

func TestTask_RunDeflated(t *testing.T) {
	r := newFakeRenderer()
	r.deflate = true
	r.empty["1/0/0"] = true
	store := &memStore{}

	task, err := NewTask(Config{Min: 0, Max: 1}, r, store, nil, nil)
	require.NoError(t, err)
	require.NoError(t, task.Run(context.Background()))

	assert.Len(t, store.tiles, 4, "a deflated empty tile is still empty")
	for tile, data := range store.tiles {
		assert.Equal(t, fmt.Sprintf("%d/%d/%d", tile.Z, tile.X, tile.Y), string(gunzip(t, data)))
	}
}

func TestTilePayload(t *testing.T) {
	data, err := tilePayload(&bridge.TileResult{})
	require.NoError(t, err)
	assert.Empty(t, data)

	data, err = tilePayload(&bridge.TileResult{Data: []byte("raw")})
	require.NoError(t, err)
	assert.Equal(t, "raw", string(gunzip(t, data)))

	h := http.Header{}
	h.Set("Content-Encoding", "deflate")
	_, err = tilePayload(&bridge.TileResult{Header: h, Data: []byte("not zlib")})
	assert.Error(t, err)

	store := &memStore{}
	task, err := NewTask(Config{Min: 0, Max: 0}, corruptRenderer{}, store, nil, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, task.Run(context.Background()), ErrIncomplete)
	assert.Equal(t, int64(1), task.Failed.Load())
	assert.Empty(t, store.tiles)
}

// corruptRenderer claims deflate but sends plain bytes.
type corruptRenderer struct{}

func (corruptRenderer) Tile(ctx context.Context, z, x, y int) (*bridge.TileResult, error) {
	h := http.Header{}
	h.Set("Content-Encoding", "deflate")
	return &bridge.TileResult{Header: h, Data: []byte("plain")}, nil
}

func TestTask_Failures(t *testing.T) {
	r := newFakeRenderer()
	r.fail["1/0/1"] = true
	store := &memStore{}

	task, err := NewTask(Config{Min: 1, Max: 1}, r, store, nil, nil)
	require.NoError(t, err)
	err = task.Run(context.Background())
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, int64(1), task.Failed.Load())
	assert.Len(t, store.tiles, 3)

	store.err = errors.New("disk full")
	task, err = NewTask(Config{Min: 0, Max: 0}, newFakeRenderer(), store, nil, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, task.Run(context.Background()), ErrIncomplete)
}

func TestTask_Resume(t *testing.T) {
	dir := t.TempDir()
	bp, err := OpenBreakPoint(dir, "world", 4, nil)
	require.NoError(t, err)

	r := newFakeRenderer()
	r.fail["2/1/1"] = true
	task, err := NewTask(Config{Name: "world", Min: 2, Max: 2}, r, &memStore{}, bp, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, task.Run(context.Background()), ErrIncomplete)
	require.NoError(t, bp.Close())

	bp, err = OpenBreakPoint(dir, "world", 4, nil)
	require.NoError(t, err)
	defer bp.Close()
	assert.Equal(t, 15, bp.Len())
	assert.True(t, bp.IsSuccessed(maptile.New(0, 0, 2)))
	assert.False(t, bp.IsSuccessed(maptile.New(1, 1, 2)))

	r2 := newFakeRenderer()
	store := &memStore{}
	task, err = NewTask(Config{Name: "world", Min: 2, Max: 2}, r2, store, bp, nil)
	require.NoError(t, err)
	require.NoError(t, task.Run(context.Background()))
	assert.Equal(t, 1, r2.count())
	assert.Equal(t, int64(15), task.Skipped.Load())
	assert.Contains(t, store.tiles, maptile.New(1, 1, 2))
}

func TestTask_Abort(t *testing.T) {
	r := newFakeRenderer()
	r.started = make(chan struct{}, 100)
	r.block = make(chan struct{})

	task, err := NewTask(Config{Min: 4, Max: 6, Workers: 2}, r, &memStore{}, nil, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- task.Run(context.Background()) }()

	<-r.started
	task.Abort()
	task.Abort()
	close(r.block)

	assert.ErrorIs(t, <-done, ErrAborted)
	assert.Less(t, r.count(), int(task.Total))
}

func TestTask_Canceled(t *testing.T) {
	r := newFakeRenderer()
	r.started = make(chan struct{}, 100)
	r.block = make(chan struct{})

	task, err := NewTask(Config{Min: 4, Max: 4, Workers: 2}, r, &memStore{}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- task.Run(ctx) }()

	<-r.started
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestBreakPoint_File(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "m.log"), []byte("1-2-3\n\n4-5-6\n"), 0o644))

	bp, err := OpenBreakPoint(dir, "m", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, bp.Len())
	assert.True(t, bp.IsSuccessed(maptile.New(1, 2, 3)))

	bp.SetSuccessed(maptile.New(7, 8, 9))
	bp.SetSuccessed(maptile.New(7, 8, 9))
	require.NoError(t, bp.Close())
	require.NoError(t, bp.Close())
	bp.SetSuccessed(maptile.New(0, 0, 1))

	data, err := os.ReadFile(filepath.Join(dir, "m.log"))
	require.NoError(t, err)
	assert.Equal(t, "1-2-3\n\n4-5-6\n7-8-9\n", string(data))
}
