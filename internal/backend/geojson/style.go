package geojson

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"tilebridge/internal/projection"
)

// Style 样式定义. YAML, which also accepts JSON documents. Unknown keys are ignored.
type Style struct {
	SRS        string            `yaml:"srs"`
	Parameters map[string]string `yaml:"parameters"`
	Layers     []StyleLayer      `yaml:"layers"`
}

// StyleLayer 图层定义
type StyleLayer struct {
	Name       string          `yaml:"name"`
	SRS        string          `yaml:"srs"`
	Datasource StyleDatasource `yaml:"datasource"`
}

// StyleDatasource 数据源, either a file relative to the style base or inline GeoJSON.
type StyleDatasource struct {
	Type   string `yaml:"type"`
	File   string `yaml:"file"`
	Inline string `yaml:"inline"`
}

// ParseStyle parses style text permissively and fills in defaults.
func ParseStyle(text string) (*Style, error) {
	var s Style
	if err := yaml.Unmarshal([]byte(text), &s); err != nil {
		return nil, fmt.Errorf("style: %w", err)
	}
	if s.SRS == "" {
		s.SRS = projection.DefMercator
	}
	if s.Parameters == nil {
		s.Parameters = map[string]string{}
	}
	for i := range s.Layers {
		l := &s.Layers[i]
		if l.Name == "" {
			return nil, fmt.Errorf("style: layer %d has no name", i)
		}
		if l.SRS == "" {
			l.SRS = projection.DefLongLat
		}
		if l.Datasource.Type == "" {
			l.Datasource.Type = "geojson"
		}
		if l.Datasource.Type != "geojson" {
			return nil, fmt.Errorf("style: layer %q: unsupported datasource type %q", l.Name, l.Datasource.Type)
		}
		if l.Datasource.File == "" && l.Datasource.Inline == "" {
			return nil, fmt.Errorf("style: layer %q: datasource needs file or inline", l.Name)
		}
	}
	return &s, nil
}
