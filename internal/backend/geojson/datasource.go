package geojson

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"

	"tilebridge/internal/backend"
	"tilebridge/internal/projection"
)

// emptyBound extent of a feature without geometry
var emptyBound = orb.Bound{Min: orb.Point{1, 1}, Max: orb.Point{-1, -1}}

// pointEpsilon minimum R-tree rect side in degrees; the tree rejects zero-size rects
const pointEpsilon = 1e-9

// feature 要素
type feature struct {
	id     uint64
	geom   orb.Geometry
	props  geojson.Properties
	bound  orb.Bound // lon/lat
	extent orb.Bound // layer SRS
}

func (f *feature) ID() uint64 { return f.id }

func (f *feature) Attributes() map[string]any {
	attrs := make(map[string]any, len(f.props))
	for k, v := range f.props {
		attrs[k] = v
	}
	return attrs
}

func (f *feature) Extent() orb.Bound { return f.extent }

// Bounds implements rtreego.Spatial.
func (f *feature) Bounds() rtreego.Rect {
	rect, _ := rtreego.NewRect(
		rtreego.Point{f.bound.Min.X(), f.bound.Min.Y()},
		[]float64{
			math.Max(f.bound.Max.X()-f.bound.Min.X(), pointEpsilon),
			math.Max(f.bound.Max.Y()-f.bound.Min.Y(), pointEpsilon),
		},
	)
	return rect
}

// datasource GeoJSON features of one layer with an R-tree over their bounds
type datasource struct {
	features []*feature
	rtree    *rtreego.Rtree
}

func loadDatasource(ds StyleDatasource, srs, base string) (*datasource, error) {
	data := []byte(ds.Inline)
	if ds.File != "" {
		path := ds.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(base, path)
		}
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("geojson: %w", err)
	}

	mercator := false
	if s, err := projection.Lookup(srs); err == nil && s == projection.Mercator900913 {
		mercator = true
	}

	d := &datasource{
		features: make([]*feature, 0, len(fc.Features)),
		rtree:    rtreego.NewTree(2, 25, 50),
	}
	for i, f := range fc.Features {
		id, ok := featureID(f.ID)
		if !ok {
			id = uint64(i + 1)
		}
		ft := &feature{
			id:     id,
			geom:   f.Geometry,
			props:  f.Properties,
			bound:  emptyBound,
			extent: emptyBound,
		}
		d.features = append(d.features, ft)
		// null geometry: listed by the cursor, never rendered
		if f.Geometry == nil {
			continue
		}
		ft.bound = f.Geometry.Bound()
		ft.extent = ft.bound
		if mercator {
			ft.extent = orb.Bound{
				Min: project.WGS84.ToMercator(ft.bound.Min),
				Max: project.WGS84.ToMercator(ft.bound.Max),
			}
		}
		d.rtree.Insert(ft)
	}
	return d, nil
}

// search features whose bound intersects b (lon/lat)
func (d *datasource) search(b orb.Bound) []*feature {
	rect, err := rtreego.NewRect(
		rtreego.Point{b.Min.X(), b.Min.Y()},
		[]float64{
			math.Max(b.Max.X()-b.Min.X(), pointEpsilon),
			math.Max(b.Max.Y()-b.Min.Y(), pointEpsilon),
		},
	)
	if err != nil {
		return nil
	}
	spatials := d.rtree.SearchIntersect(rect)
	result := make([]*feature, 0, len(spatials))
	for _, s := range spatials {
		result = append(result, s.(*feature))
	}
	return result
}

func (d *datasource) Features() backend.FeatureCursor {
	return &cursor{features: d.features}
}

type cursor struct {
	features []*feature
	next     int
}

func (c *cursor) Next() (backend.Feature, bool) {
	if c.next >= len(c.features) {
		return nil, false
	}
	f := c.features[c.next]
	c.next++
	return f, true
}

// featureID converts a GeoJSON or decoded MVT id to uint64.
func featureID(v any) (uint64, bool) {
	switch id := v.(type) {
	case uint64:
		return id, true
	case uint32:
		return uint64(id), true
	case uint:
		return uint64(id), true
	case int:
		return uint64(id), id >= 0
	case int64:
		return uint64(id), id >= 0
	case int32:
		return uint64(id), id >= 0
	case float64:
		return uint64(id), id >= 0 && id == math.Trunc(id)
	case float32:
		return uint64(id), id >= 0 && float64(id) == math.Trunc(float64(id))
	case string:
		n, err := strconv.ParseUint(id, 10, 64)
		return n, err == nil
	}
	return 0, false
}
