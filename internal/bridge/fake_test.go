package bridge

import (
	"context"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"

	"tilebridge/internal/backend"
	"tilebridge/internal/projection"
)

type fakeFeature struct {
	id      uint64
	attrs   map[string]any
	extent  orb.Bound
	visible []string
}

func (f *fakeFeature) ID() uint64 { return f.id }

func (f *fakeFeature) Attributes() map[string]any {
	attrs := make(map[string]any, len(f.attrs))
	for k, v := range f.attrs {
		attrs[k] = v
	}
	return attrs
}

func (f *fakeFeature) Extent() orb.Bound { return f.extent }

type fakeLayer struct {
	name     string
	srs      string
	features []*fakeFeature
}

func (l *fakeLayer) Features() backend.FeatureCursor { return &fakeCursor{features: l.features} }

type fakeCursor struct {
	features []*fakeFeature
	next     int
}

func (c *fakeCursor) Next() (backend.Feature, bool) {
	if c.next >= len(c.features) {
		return nil, false
	}
	c.next++
	return c.features[c.next-1], true
}

// fakeBackend renders each feature as a point into the tiles listed in its
// visible set and counts what it does.
type fakeBackend struct {
	mu       sync.Mutex
	params   map[string]string
	layers   []*fakeLayer
	styles   []string
	renders  map[string]int
	lastOpts backend.RenderOptions

	createErr error
	renderErr error
	solid     bool
	solidKey  string
	solidErr  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		params:  map[string]string{},
		renders: map[string]int{},
	}
}

func (b *fakeBackend) Create(ctx context.Context, style, base string) (backend.Renderer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return nil, b.createErr
	}
	b.styles = append(b.styles, style)
	return &fakeRenderer{b: b, style: style}, nil
}

func (b *fakeBackend) IsSolid(payload []byte) (bool, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.solid, b.solidKey, b.solidErr
}

func (b *fakeBackend) created() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.styles)
}

func (b *fakeBackend) renderCount() (total int, maxPerTile int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range b.renders {
		total += n
		maxPerTile = max(maxPerTile, n)
	}
	return total, maxPerTile
}

type fakeRenderer struct {
	b      *fakeBackend
	style  string
	closed bool
}

func (r *fakeRenderer) Render(ctx context.Context, extent orb.Bound, tile maptile.Tile, opts backend.RenderOptions) ([]byte, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	key := projection.TileKey(tile)
	r.b.renders[key]++
	r.b.lastOpts = opts
	if r.b.renderErr != nil {
		return nil, r.b.renderErr
	}

	var layers mvt.Layers
	for _, l := range r.b.layers {
		fc := geojson.NewFeatureCollection()
		for _, f := range l.features {
			for _, v := range f.visible {
				if v == key {
					nf := geojson.NewFeature(orb.Point{100, 100})
					nf.ID = f.id
					fc.Append(nf)
				}
			}
		}
		if len(fc.Features) > 0 {
			layers = append(layers, mvt.NewLayer(l.name, fc))
		}
	}
	return mvt.Marshal(layers)
}

func (r *fakeRenderer) Parameters() map[string]string {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	params := make(map[string]string, len(r.b.params))
	for k, v := range r.b.params {
		params[k] = v
	}
	return params
}

func (r *fakeRenderer) Layers() []backend.Layer {
	layers := make([]backend.Layer, 0, len(r.b.layers))
	for _, l := range r.b.layers {
		layers = append(layers, backend.Layer{Name: l.name, SRS: l.srs, Datasource: l})
	}
	return layers
}

func (r *fakeRenderer) Close() error {
	r.closed = true
	return nil
}
