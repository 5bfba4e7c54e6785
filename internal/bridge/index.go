package bridge

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/maptile"
	"github.com/sirupsen/logrus"

	"tilebridge/internal/backend"
	"tilebridge/internal/projection"
)

// DefaultLimit features per IndexableDocs page
const DefaultLimit = 10000

// verifyThreshold candidate ranges this large are confirmed by rendering
const verifyThreshold = 3

// Cursor position in the geocoder layer's feature sequence
type Cursor struct {
	Offset int
	Limit  int
}

// Document one indexed feature: its attributes plus _id, _text and _zxy.
type Document map[string]any

// coverageCache tile key → ids of the features rendered into that tile.
// It lives for one IndexableDocs call.
type coverageCache struct {
	tiles   map[string]*roaring64.Bitmap
	renders int
}

func newCoverageCache() *coverageCache {
	return &coverageCache{tiles: make(map[string]*roaring64.Bitmap)}
}

// lookup returns the cached ids for key, filling the entry once with fill.
func (c *coverageCache) lookup(key string, fill func() (*roaring64.Bitmap, error)) (*roaring64.Bitmap, error) {
	if ids, ok := c.tiles[key]; ok {
		return ids, nil
	}
	ids, err := fill()
	if err != nil {
		return nil, err
	}
	c.renders++
	c.tiles[key] = ids
	return ids, nil
}

// walker computes feature coverage with one renderer handle.
type walker struct {
	ctx      context.Context
	renderer backend.Renderer
	layer    string
	zoom     maptile.Zoom
	srs      projection.SRS
	simplify bool
	cache    *coverageCache
}

// IndexableDocs returns the page of geocoder-layer documents at cur and the
// cursor of the next page. On error cur is returned unchanged.
func (s *Source) IndexableDocs(ctx context.Context, cur Cursor) ([]Document, Cursor, error) {
	start := cur
	if cur.Offset < 0 {
		cur.Offset = 0
	}
	if cur.Limit <= 0 {
		cur.Limit = DefaultLimit
	}

	st, r, err := s.acquire(ctx)
	if err != nil {
		return nil, start, err
	}
	defer s.release(st, r)

	params := r.Parameters()
	info, err := ParseInfo(params)
	if err != nil {
		return nil, start, err
	}
	maxzoom, ok := info.MaxZoom()
	if !ok || maxzoom < 0 || maxzoom > MaxZoom {
		return nil, start, ErrNoMaxZoom
	}

	layerName, field := parseGeocoderLayer(params["geocoder_layer"])
	layer, ok := findLayer(r.Layers(), layerName)
	if !ok {
		return nil, start, fmt.Errorf("%w: %q", ErrNoLayer, layerName)
	}
	srs, err := projection.Lookup(layer.SRS)
	if err != nil {
		return nil, start, err
	}

	w := &walker{
		ctx:      ctx,
		renderer: r,
		layer:    layer.Name,
		zoom:     maptile.Zoom(maxzoom),
		srs:      srs,
		simplify: st.opts.Simplify,
		cache:    newCoverageCache(),
	}

	features := layer.Datasource.Features()
	end := cur.Offset + cur.Limit
	if cur.Limit > math.MaxInt-cur.Offset {
		end = math.MaxInt
	}
	docs := make([]Document, 0)
	seen := 0
	for seen < end {
		f, ok := features.Next()
		if !ok {
			break
		}
		idx := seen
		seen++
		if idx < cur.Offset {
			continue
		}
		zxy, err := w.coverage(f)
		if err != nil {
			return nil, start, err
		}
		docs = append(docs, newDocument(f, field, zxy))
	}

	s.log.WithFields(logrus.Fields{
		"layer":   layer.Name,
		"offset":  cur.Offset,
		"docs":    len(docs),
		"renders": w.cache.renders,
	}).Debug("indexed")
	// an offset past the end stays put rather than moving back
	return docs, Cursor{Offset: max(seen, cur.Offset), Limit: cur.Limit}, nil
}

// IndexAll walks every page of limit documents and hands each to fn.
func (s *Source) IndexAll(ctx context.Context, limit int, fn func([]Document) error) error {
	cur := Cursor{Limit: limit}
	if cur.Limit <= 0 {
		cur.Limit = DefaultLimit
	}
	for {
		docs, next, err := s.IndexableDocs(ctx, cur)
		if err != nil {
			return err
		}
		if len(docs) > 0 {
			if err := fn(docs); err != nil {
				return err
			}
		}
		if len(docs) < cur.Limit {
			return nil
		}
		cur = next
	}
}

// coverage lists the max-zoom tiles f is visible in. Small candidate ranges
// are taken as they are; larger ones keep only tiles whose render holds f.
func (w *walker) coverage(f backend.Feature) ([]string, error) {
	if f.Extent().IsEmpty() {
		return []string{}, nil
	}
	rng := projection.TileRange(f.Extent(), w.srs, w.zoom)
	tiles := rng.Tiles()
	keys := make([]string, 0, len(tiles))
	if rng.Count() < verifyThreshold {
		for _, t := range tiles {
			keys = append(keys, projection.TileKey(t))
		}
		return keys, nil
	}

	for _, t := range tiles {
		key := projection.TileKey(t)
		ids, err := w.cache.lookup(key, func() (*roaring64.Bitmap, error) { return w.featureIDs(t) })
		if err != nil {
			return nil, err
		}
		if ids.Contains(f.ID()) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// featureIDs renders t and collects the ids present in the walker's layer.
func (w *walker) featureIDs(t maptile.Tile) (*roaring64.Bitmap, error) {
	extent := projection.TileExtent(t, projection.Mercator900913)
	data, err := w.renderer.Render(w.ctx, extent, t, RenderOptions(int(t.Z), w.simplify))
	if err != nil {
		return nil, &RenderError{Tile: t, cause: err}
	}
	layers, err := mvt.Unmarshal(data)
	if err != nil {
		return nil, &RenderError{Tile: t, cause: err}
	}

	ids := roaring64.New()
	for _, l := range layers {
		if l.Name != w.layer {
			continue
		}
		for _, f := range l.Features {
			if id, ok := featureID(f.ID); ok {
				ids.Add(id)
			}
		}
	}
	return ids, nil
}

func newDocument(f backend.Feature, field string, zxy []string) Document {
	doc := Document(f.Attributes())
	if doc == nil {
		doc = Document{}
	}
	text := ""
	if field != "" {
		text = textValue(doc[field])
	}
	doc["_id"] = f.ID()
	doc["_text"] = text
	doc["_zxy"] = zxy
	return doc
}

// textValue reads a falsy attribute (nil, false, zero, NaN, "") as "".
func textValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if !t {
			return ""
		}
		return "true"
	}
	rv := reflect.ValueOf(v)
	switch {
	case rv.CanInt() && rv.Int() == 0,
		rv.CanUint() && rv.Uint() == 0,
		rv.CanFloat() && (rv.Float() == 0 || math.IsNaN(rv.Float())):
		return ""
	}
	return fmt.Sprint(v)
}

// parseGeocoderLayer splits "layer.field". Without a dot the one name serves
// as both.
func parseGeocoderLayer(v string) (layer, field string) {
	parts := strings.Split(v, ".")
	return parts[0], parts[len(parts)-1]
}

// findLayer picks the named layer, or the first one when name is empty.
func findLayer(layers []backend.Layer, name string) (backend.Layer, bool) {
	for _, l := range layers {
		if name == "" || l.Name == name {
			return l, true
		}
	}
	return backend.Layer{}, false
}

// featureID converts a decoded MVT feature id to uint64.
func featureID(v any) (uint64, bool) {
	switch id := v.(type) {
	case uint64:
		return id, true
	case uint32:
		return uint64(id), true
	case uint:
		return uint64(id), true
	case int64:
		return uint64(id), id >= 0
	case int:
		return uint64(id), id >= 0
	case float64:
		return uint64(id), id >= 0 && id == float64(uint64(id))
	}
	return 0, false
}
