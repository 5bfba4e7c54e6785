// Package backend describes the rendering capability the bridge orchestrates.
//
// A Backend compiles a style into Renderer handles. A Renderer is stateful and
// renders one tile at a time; callers must not share it between goroutines.
package backend

import (
	"context"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Simplification algorithms understood by RenderOptions.
const (
	SimplifyRadialDistance = "radial-distance"
	SimplifyDouglasPeucker = "douglas-peucker"
)

// RenderOptions per-tile render settings
type RenderOptions struct {
	// SimplifyDistance tolerance in pixels.
	SimplifyDistance float64
	// SimplifyAlgorithm one of the Simplify* constants.
	SimplifyAlgorithm string
	// Simplify enables simplification; off by default.
	Simplify bool
	// BufferSize pixels rendered around the tile edge.
	BufferSize int
}

// Backend compiles styles and classifies rendered payloads.
type Backend interface {
	// Create parses the style permissively, resolving relative resources against base.
	Create(ctx context.Context, style, base string) (Renderer, error)
	// IsSolid reports whether payload is uniformly solid and, if so, a sample key.
	IsSolid(payload []byte) (solid bool, key string, err error)
}

// Renderer a compiled style.
type Renderer interface {
	// Render produces an encoded vector tile covering extent.
	Render(ctx context.Context, extent orb.Bound, tile maptile.Tile, opts RenderOptions) ([]byte, error)
	// Parameters style metadata as raw strings.
	Parameters() map[string]string
	// Layers style layers in declaration order.
	Layers() []Layer
	Close() error
}

// Layer style layer
type Layer struct {
	Name       string
	SRS        string
	Datasource Datasource
}

// Datasource yields the layer's features.
type Datasource interface {
	// Features starts a fresh one-shot cursor.
	Features() FeatureCursor
}

// FeatureCursor is sequential, finite and not restartable.
type FeatureCursor interface {
	Next() (Feature, bool)
}

// Feature a vector feature of a layer
type Feature interface {
	ID() uint64
	Attributes() map[string]any
	// Extent bounding box in the layer's SRS; empty (Min above Max) for a
	// feature without geometry.
	Extent() orb.Bound
}
