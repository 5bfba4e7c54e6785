package bridge

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb/maptile"

	"tilebridge/internal/projection"
)

var (
	// ErrNotLoaded an operation ran before a style was loaded or after Close.
	ErrNotLoaded = errors.New("style not loaded")
	// ErrNoMaxZoom the style declares no integer maxzoom.
	ErrNoMaxZoom = errors.New("style has no maxzoom")
	// ErrNoLayer geocoder_layer resolves to no layer.
	ErrNoLayer = errors.New("no geocoder layer")
	// ErrUnknownSRS the geocoder layer's SRS is not a known definition.
	ErrUnknownSRS = projection.ErrUnknownSRS
	// ErrInvalidTile the coordinate lies outside the tile grid.
	ErrInvalidTile = errors.New("invalid tile coordinate")
)

// StyleError the backend could not build a renderer from the style.
type StyleError struct {
	cause error
}

func (e *StyleError) Error() string { return fmt.Sprintf("style: %v", e.cause) }

func (e *StyleError) Unwrap() error { return e.cause }

// RenderError the backend failed to render a tile.
type RenderError struct {
	Tile  maptile.Tile
	cause error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %d/%d/%d: %v", e.Tile.Z, e.Tile.X, e.Tile.Y, e.cause)
}

func (e *RenderError) Unwrap() error { return e.cause }

// ClassificationError solid detection failed on a rendered tile.
type ClassificationError struct {
	Tile  maptile.Tile
	cause error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify %d/%d/%d: %v", e.Tile.Z, e.Tile.X, e.Tile.Y, e.cause)
}

func (e *ClassificationError) Unwrap() error { return e.cause }

// CompressionError deflating a payload failed.
type CompressionError struct {
	cause error
}

func (e *CompressionError) Error() string { return fmt.Sprintf("deflate: %v", e.cause) }

func (e *CompressionError) Unwrap() error { return e.cause }

// ParseError a metadata value could not be parsed.
type ParseError struct {
	Key   string
	cause error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse %s: %v", e.Key, e.cause) }

func (e *ParseError) Unwrap() error { return e.cause }
