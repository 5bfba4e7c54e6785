package geojson

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/planar"
)

// IsSolid reports a tile as solid when it carries no features, or when every
// feature is a single hole-free polygon covering the whole tile. The key is
// empty for an empty tile and the first layer's name otherwise.
func (b *Backend) IsSolid(payload []byte) (bool, string, error) {
	layers, err := mvt.Unmarshal(payload)
	if err != nil {
		return false, "", fmt.Errorf("solid: %w", err)
	}

	key := ""
	for _, l := range layers {
		if len(l.Features) == 0 {
			continue
		}
		extent := float64(l.Extent)
		if extent == 0 {
			extent = float64(Extent)
		}
		for _, f := range l.Features {
			if !coversTile(f.Geometry, extent) {
				return false, "", nil
			}
		}
		if key == "" {
			key = l.Name
		}
	}
	return true, key, nil
}

func coversTile(g orb.Geometry, extent float64) bool {
	var poly orb.Polygon
	switch g := g.(type) {
	case orb.Polygon:
		poly = g
	case orb.MultiPolygon:
		if len(g) != 1 {
			return false
		}
		poly = g[0]
	default:
		return false
	}
	if len(poly) != 1 {
		return false
	}

	bound := poly.Bound()
	if bound.Min.X() > 0 || bound.Min.Y() > 0 || bound.Max.X() < extent || bound.Max.Y() < extent {
		return false
	}
	// a ring whose area equals its bounding box is that box
	boxArea := (bound.Max.X() - bound.Min.X()) * (bound.Max.Y() - bound.Min.Y())
	return math.Abs(math.Abs(planar.Area(poly))-boxArea) < 1
}
