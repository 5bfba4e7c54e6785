package geojson

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
	"github.com/sirupsen/logrus"

	"tilebridge/internal/backend"
	"tilebridge/internal/projection"
)

// Extent tile coordinate space; buffer and simplify distances are expressed in it.
const Extent = mvt.DefaultExtent

type layer struct {
	name string
	srs  string
	ds   *datasource
}

// renderer a compiled style. Not safe for concurrent use.
type renderer struct {
	params map[string]string
	layers []layer
	log    logrus.FieldLogger
	closed bool
}

func (r *renderer) Parameters() map[string]string {
	params := make(map[string]string, len(r.params))
	for k, v := range r.params {
		params[k] = v
	}
	return params
}

func (r *renderer) Layers() []backend.Layer {
	layers := make([]backend.Layer, 0, len(r.layers))
	for _, l := range r.layers {
		layers = append(layers, backend.Layer{Name: l.name, SRS: l.srs, Datasource: l.ds})
	}
	return layers
}

func (r *renderer) Close() error {
	r.closed = true
	r.layers = nil
	return nil
}

// Render builds a vector tile of every layer intersecting extent, which is in 900913 meters.
func (r *renderer) Render(ctx context.Context, extent orb.Bound, tile maptile.Tile, opts backend.RenderOptions) ([]byte, error) {
	if r.closed {
		return nil, fmt.Errorf("render %v: renderer closed", tile)
	}
	if !tile.Valid() {
		return nil, fmt.Errorf("render %v: invalid tile", tile)
	}

	buffer := float64(opts.BufferSize)
	query := padBound(projection.ToWGS84(extent, projection.Mercator900913), buffer/float64(Extent))

	layers := make(mvt.Layers, 0, len(r.layers))
	for _, l := range r.layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fc := geojson.NewFeatureCollection()
		for _, f := range l.ds.search(query) {
			nf := geojson.NewFeature(orb.Clone(f.geom))
			nf.ID = f.id
			nf.Properties = encodable(f.props)
			fc.Append(nf)
		}
		layers = append(layers, mvt.NewLayer(l.name, fc))
	}

	layers.ProjectToTile(tile)
	layers.Clip(orb.Bound{
		Min: orb.Point{-buffer, -buffer},
		Max: orb.Point{float64(Extent) + buffer, float64(Extent) + buffer},
	})
	if opts.Simplify && opts.SimplifyDistance > 0 {
		switch opts.SimplifyAlgorithm {
		case backend.SimplifyDouglasPeucker:
			layers.Simplify(simplify.DouglasPeucker(opts.SimplifyDistance))
		default:
			layers.Simplify(simplify.Radial(planar.Distance, opts.SimplifyDistance))
		}
	}
	layers.RemoveEmpty(minLength, minArea)

	nonEmpty := layers[:0]
	for _, l := range layers {
		if len(l.Features) > 0 {
			nonEmpty = append(nonEmpty, l)
		}
	}

	data, err := mvt.Marshal(nonEmpty)
	if err != nil {
		return nil, fmt.Errorf("render %v: %w", tile, err)
	}
	r.log.WithFields(logrus.Fields{"tile": tile, "layers": len(nonEmpty), "bytes": len(data)}).Debug("rendered")
	return data, nil
}

const (
	minLength = 1e-9
	minArea   = 1e-9
)

// padBound grows b by frac of its size on every side.
func padBound(b orb.Bound, frac float64) orb.Bound {
	dx := (b.Max.X() - b.Min.X()) * frac
	dy := (b.Max.Y() - b.Min.Y()) * frac
	return orb.Bound{
		Min: orb.Point{b.Min.X() - dx, b.Min.Y() - dy},
		Max: orb.Point{b.Max.X() + dx, b.Max.Y() + dy},
	}
}

// encodable keeps values MVT can carry and flattens the rest to JSON text.
func encodable(props geojson.Properties) geojson.Properties {
	out := make(geojson.Properties, len(props))
	for k, v := range props {
		switch v.(type) {
		case nil:
		case string, bool, float64, float32, int, int64, int32, uint, uint64, uint32:
			out[k] = v
		default:
			b, err := json.Marshal(v)
			if err != nil {
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}
