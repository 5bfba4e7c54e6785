// Package geojson is a rendering backend that serves GeoJSON datasources as
// Mapbox vector tiles.
package geojson

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"tilebridge/internal/backend"
)

// Backend compiles YAML styles into renderers.
type Backend struct {
	log logrus.FieldLogger
}

var _ backend.Backend = (*Backend)(nil)

// New creates a backend. A nil logger discards output.
func New(log logrus.FieldLogger) *Backend {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Backend{log: log}
}

// Create parses the style and loads every layer's datasource.
func (b *Backend) Create(ctx context.Context, style, base string) (backend.Renderer, error) {
	s, err := ParseStyle(style)
	if err != nil {
		return nil, err
	}

	r := &renderer{
		params: s.Parameters,
		layers: make([]layer, 0, len(s.Layers)),
		log:    b.log,
	}
	for _, sl := range s.Layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ds, err := loadDatasource(sl.Datasource, sl.SRS, base)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", sl.Name, err)
		}
		r.layers = append(r.layers, layer{name: sl.Name, srs: sl.SRS, ds: ds})
	}
	b.log.WithFields(logrus.Fields{"layers": len(r.layers), "base": base}).Debug("renderer created")
	return r, nil
}
