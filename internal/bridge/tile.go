package bridge

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"

	"github.com/klauspost/compress/zlib"
	"github.com/paulmach/orb/maptile"
	"github.com/sirupsen/logrus"

	"tilebridge/internal/backend"
	"tilebridge/internal/projection"
)

const (
	// ContentType of rendered tiles
	ContentType = "application/x-protobuf"
	// Transparent fingerprint of a fully transparent solid tile
	Transparent = "0,0,0,0"
	// BufferSize pixels rendered around every tile
	BufferSize = 256
	// MaxZoom deepest zoom the tile grid addresses
	MaxZoom = 32
)

// TileResult 瓦片渲染结果
type TileResult struct {
	Data   []byte
	Header http.Header
	// Solid is "r,g,b,1" or Transparent for a solid tile and empty otherwise.
	Solid string
}

// SimplifyDistance tolerance for zoom z, clamped to [0, 5].
func SimplifyDistance(z int) float64 {
	return float64(max(0, min(5, 14-z)))
}

// RenderOptions render settings for zoom z.
func RenderOptions(z int, simplify bool) backend.RenderOptions {
	return backend.RenderOptions{
		SimplifyDistance:  SimplifyDistance(z),
		SimplifyAlgorithm: backend.SimplifyRadialDistance,
		Simplify:          simplify,
		BufferSize:        BufferSize,
	}
}

// Fingerprint derives the solid value of a tile. blank or a missing key yields
// Transparent; otherwise the first three bytes of the payload's md5 stand in
// as a reproducible color.
func Fingerprint(payload []byte, key string, blank bool) string {
	if blank || key == "" {
		return Transparent
	}
	sum := md5.Sum(payload)
	h := hex.EncodeToString(sum[:])
	rgb := make([]byte, 3)
	for i := range rgb {
		v, _ := strconv.ParseUint(h[i*2:i*2+2], 16, 8)
		rgb[i] = byte(v)
	}
	return fmt.Sprintf("%d,%d,%d,1", rgb[0], rgb[1], rgb[2])
}

// NewTile validates z/x/y against the tile grid.
func NewTile(z, x, y int) (maptile.Tile, error) {
	if z < 0 || z > MaxZoom || x < 0 || y < 0 {
		return maptile.Tile{}, fmt.Errorf("%w: %d/%d/%d", ErrInvalidTile, z, x, y)
	}
	n := uint64(1) << uint(z)
	if uint64(x) >= n || uint64(y) >= n {
		return maptile.Tile{}, fmt.Errorf("%w: %d/%d/%d", ErrInvalidTile, z, x, y)
	}
	return maptile.New(uint32(x), uint32(y), maptile.Zoom(z)), nil
}

// Tile renders z/x/y. Any failure aborts with no partial result.
func (s *Source) Tile(ctx context.Context, z, x, y int) (*TileResult, error) {
	t, err := NewTile(z, x, y)
	if err != nil {
		return nil, err
	}

	st, r, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	extent := projection.TileExtent(t, projection.Mercator900913)
	data, err := r.Render(ctx, extent, t, RenderOptions(z, st.opts.Simplify))
	s.release(st, r)
	if err != nil {
		s.log.WithFields(logrus.Fields{"z": z, "x": x, "y": y}).WithError(err).Debug("render failed")
		return nil, &RenderError{Tile: t, cause: err}
	}

	solid, key, err := s.backend.IsSolid(data)
	if err != nil {
		return nil, &ClassificationError{Tile: t, cause: err}
	}

	res := &TileResult{Header: http.Header{}}
	res.Header.Set("Content-Type", ContentType)
	if solid {
		res.Solid = Fingerprint(data, key, st.opts.Blank)
	}
	if st.opts.Deflate {
		data, err = deflate(data)
		if err != nil {
			return nil, &CompressionError{cause: err}
		}
		res.Header.Set("Content-Encoding", "deflate")
	}
	res.Data = data
	return res, nil
}

// deflate wraps data in a zlib stream, which is what HTTP calls deflate.
func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
