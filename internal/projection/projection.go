package projection

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/project"
)

// TileSize 瓦片像素大小
const TileSize = 256

// MaxLatitude web mercator latitude limit
const MaxLatitude = 85.05112877980659

// SRS spatial reference system
type SRS int

const (
	// Mercator900913 spherical web mercator, meters
	Mercator900913 SRS = iota
	// WGS84 longitude/latitude, degrees
	WGS84
)

func (s SRS) String() string {
	switch s {
	case Mercator900913:
		return "900913"
	case WGS84:
		return "WGS84"
	}
	return fmt.Sprintf("SRS(%d)", int(s))
}

// Known proj4 definitions
const (
	DefEPSG3857 = "+init=epsg:3857"
	DefMercator = "+proj=merc +a=6378137 +b=6378137 +lat_ts=0.0 +lon_0=0.0 +x_0=0.0 +y_0=0.0 +k=1.0 +units=m +nadgrids=@null +wktext +no_defs +over"
	DefLongLat  = "+proj=longlat +ellps=WGS84 +datum=WGS84 +no_defs"
)

var known = map[string]SRS{
	DefEPSG3857: Mercator900913,
	DefMercator: Mercator900913,
	DefLongLat:  WGS84,
}

// ErrUnknownSRS the definition is not one of the known ones
var ErrUnknownSRS = errors.New("unknown SRS")

// Lookup resolves a proj4 definition to a known SRS.
func Lookup(def string) (SRS, error) {
	srs, ok := known[strings.TrimSpace(def)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSRS, def)
	}
	return srs, nil
}

// TileExtent 瓦片范围, y axis is not flipped (XYZ scheme)
func TileExtent(t maptile.Tile, srs SRS) orb.Bound {
	b := t.Bound()
	if srs == WGS84 {
		return b
	}
	return orb.Bound{
		Min: project.WGS84.ToMercator(b.Min),
		Max: project.WGS84.ToMercator(b.Max),
	}
}

// ToWGS84 converts a bound expressed in srs to longitude/latitude.
func ToWGS84(b orb.Bound, srs SRS) orb.Bound {
	if srs == WGS84 {
		return b
	}
	return orb.Bound{
		Min: project.Mercator.ToWGS84(b.Min),
		Max: project.Mercator.ToWGS84(b.Max),
	}
}

// Range inclusive tile index range at one zoom
type Range struct {
	Z    maptile.Zoom
	MinX uint32
	MinY uint32
	MaxX uint32
	MaxY uint32
}

// Count number of tiles in the range
func (r Range) Count() int {
	return int(uint64(r.MaxX)-uint64(r.MinX)+1) * int(uint64(r.MaxY)-uint64(r.MinY)+1)
}

// Tiles lists the tiles column by column, x outer and y inner.
func (r Range) Tiles() []maptile.Tile {
	tiles := make([]maptile.Tile, 0, r.Count())
	r.Each(func(t maptile.Tile) bool {
		tiles = append(tiles, t)
		return true
	})
	return tiles
}

// Each visits the tiles in Tiles order until fn returns false.
func (r Range) Each(fn func(maptile.Tile) bool) {
	for x := uint64(r.MinX); x <= uint64(r.MaxX); x++ {
		for y := uint64(r.MinY); y <= uint64(r.MaxY); y++ {
			if !fn(maptile.New(uint32(x), uint32(y), r.Z)) {
				return
			}
		}
	}
}

// TileRange returns the tiles at zoom z whose extent overlaps b. A bound that
// ends exactly on a tile edge does not reach into the next tile. Latitudes
// beyond the mercator limit fall on the first or last row.
func TileRange(b orb.Bound, srs SRS, z maptile.Zoom) Range {
	ll := ToWGS84(b, srs)
	minPX, maxPY := pixel(ll.Min, z)
	maxPX, minPY := pixel(ll.Max, z)

	n := math.Exp2(float64(z))
	r := Range{
		Z:    z,
		MinX: clampIndex(math.Floor(minPX/TileSize), n),
		MaxX: clampIndex(math.Floor((maxPX-1)/TileSize), n),
		MinY: clampIndex(math.Floor(minPY/TileSize), n),
		MaxY: clampIndex(math.Floor((maxPY-1)/TileSize), n),
	}
	if r.MaxX < r.MinX {
		r.MaxX = r.MinX
	}
	if r.MaxY < r.MinY {
		r.MaxY = r.MinY
	}
	return r
}

// pixel 像素坐标 of a lon/lat point at zoom z, rounded and kept inside the world.
func pixel(p orb.Point, z maptile.Zoom) (x, y float64) {
	size := TileSize * math.Exp2(float64(z))
	sin := math.Max(-0.9999, math.Min(0.9999, math.Sin(p.Lat()*math.Pi/180)))
	x = math.Round(size/2 + p.Lon()*size/360)
	y = math.Round(size/2 - 0.5*math.Log((1+sin)/(1-sin))*size/(2*math.Pi))
	return math.Max(0, math.Min(size, x)), math.Max(0, math.Min(size, y))
}

// TileKey z/x/y key of a tile
func TileKey(t maptile.Tile) string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

func clampIndex(v, n float64) uint32 {
	if v < 0 {
		return 0
	}
	if v > n-1 {
		return uint32(n - 1)
	}
	return uint32(v)
}
