package seed

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilebridge/internal/bridge"
)

func TestDirStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	s, err := OpenStore(FILE, dir, nil)
	require.NoError(t, err)

	require.NoError(t, s.Save(Tile{T: maptile.New(3, 5, 4), C: []byte("abc")}))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(filepath.Join(dir, "4", "3", "5.pbf"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestOpenStore_UnknownFormat(t *testing.T) {
	_, err := OpenStore("zip", t.TempDir(), nil)
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestMBTiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.mbtiles")
	s, err := OpenStore(MBTILES, path, map[string]string{"name": "world", "format": PBF})
	require.NoError(t, err)

	require.NoError(t, s.Save(Tile{T: maptile.New(1, 0, 2), C: []byte("a")}))
	require.NoError(t, s.Save(Tile{T: maptile.New(1, 0, 2), C: []byte("b")}))
	require.NoError(t, s.Save(Tile{T: maptile.New(0, 0, 0), C: []byte("root")}))
	require.NoError(t, s.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM tiles").Scan(&n))
	assert.Equal(t, 2, n)

	var data []byte
	// xyz row 0 at zoom 2 is tms row 3
	require.NoError(t, db.QueryRow("SELECT tile_data FROM tiles WHERE zoom_level = 2 AND tile_column = 1 AND tile_row = 3").Scan(&data))
	assert.Equal(t, "b", string(data))

	var name string
	require.NoError(t, db.QueryRow("SELECT value FROM metadata WHERE name = 'name'").Scan(&name))
	assert.Equal(t, "world", name)
}

func TestMetadata(t *testing.T) {
	meta := Metadata("world", bridge.Info{
		"bounds":      []float64{-180, -85.5, 180, 85.5},
		"maxzoom":     4,
		"attribution": "osm",
		"nested":      map[string]any{"a": float64(1)},
	})
	assert.Equal(t, "world", meta["name"])
	assert.Equal(t, PBF, meta["format"])
	assert.Equal(t, "-180,-85.5,180,85.5", meta["bounds"])
	assert.Equal(t, "4", meta["maxzoom"])
	assert.Equal(t, "osm", meta["attribution"])

	var extra map[string]any
	require.NoError(t, json.Unmarshal([]byte(meta["json"]), &extra))
	assert.Equal(t, map[string]any{"nested": map[string]any{"a": float64(1)}}, extra)
}
