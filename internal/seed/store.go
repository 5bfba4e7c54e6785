package seed

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/paulmach/orb/maptile"

	"tilebridge/internal/bridge"
)

// Output formats
const (
	FILE    = "file"
	MBTILES = "mbtiles"
	PBF     = "pbf"
)

// ErrUnknownFormat the output format is neither file nor mbtiles
var ErrUnknownFormat = errors.New("unknown output format")

// Tile 自定义瓦片存储
type Tile struct {
	T maptile.Tile
	C []byte
}

// Store 瓦片存储
type Store interface {
	Save(tile Tile) error
	Close() error
}

// OpenStore opens a store of format at path. For mbtiles path is the
// database file, for file it is the root directory.
func OpenStore(format, path string, meta map[string]string) (Store, error) {
	switch format {
	case FILE, "":
		return newDirStore(path)
	case MBTILES:
		return newMBTiles(path, meta)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// dirStore writes {dir}/{z}/{x}/{y}.pbf
type dirStore struct {
	dir string
}

func newDirStore(dir string) (*dirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &dirStore{dir: dir}, nil
}

func (s *dirStore) Save(tile Tile) error {
	dir := filepath.Join(s.dir, strconv.Itoa(int(tile.T.Z)), strconv.FormatUint(uint64(tile.T.X), 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	fileName := filepath.Join(dir, fmt.Sprintf("%d.%s", tile.T.Y, PBF))
	return os.WriteFile(fileName, tile.C, 0o644)
}

func (s *dirStore) Close() error { return nil }

const mbtilesSchema = `
CREATE TABLE IF NOT EXISTS metadata (name text, value text);
CREATE UNIQUE INDEX IF NOT EXISTS name ON metadata (name);
CREATE TABLE IF NOT EXISTS tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data blob);
CREATE UNIQUE INDEX IF NOT EXISTS tile_index ON tiles (zoom_level, tile_column, tile_row);
`

// mbtiles MBTiles 1.3 file; rows use the TMS scheme.
type mbtiles struct {
	mu   sync.Mutex
	db   *sql.DB
	stmt *sql.Stmt
}

func newMBTiles(path string, meta map[string]string) (*mbtiles, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(mbtilesSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("mbtiles schema: %w", err)
	}
	for k, v := range meta {
		if _, err := db.Exec("INSERT OR REPLACE INTO metadata (name, value) VALUES (?, ?)", k, v); err != nil {
			db.Close()
			return nil, fmt.Errorf("mbtiles metadata %s: %w", k, err)
		}
	}
	stmt, err := db.Prepare("INSERT OR REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)")
	if err != nil {
		db.Close()
		return nil, err
	}
	return &mbtiles{db: db, stmt: stmt}, nil
}

func (s *mbtiles) Save(tile Tile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.stmt.Exec(tile.T.Z, tile.T.X, flipY(tile.T), tile.C)
	return err
}

func (s *mbtiles) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.stmt.Close(), s.db.Close())
}

// flipY XYZ row to TMS row
func flipY(t maptile.Tile) uint64 {
	return (uint64(1) << uint(t.Z)) - 1 - uint64(t.Y)
}

// Metadata MBTiles metadata rows for a style's Info. Values that are not
// strings, integers or number lists are collected into the json row.
func Metadata(name string, info bridge.Info) map[string]string {
	meta := map[string]string{"name": name, "format": PBF}
	extra := map[string]any{}
	for k, val := range info {
		switch v := val.(type) {
		case string:
			meta[k] = v
		case int:
			meta[k] = strconv.Itoa(v)
		case []float64:
			parts := make([]string, len(v))
			for i, n := range v {
				parts[i] = strconv.FormatFloat(n, 'f', -1, 64)
			}
			meta[k] = strings.Join(parts, ",")
		default:
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		if b, err := json.Marshal(extra); err == nil {
			meta["json"] = string(b)
		}
	}
	return meta
}
