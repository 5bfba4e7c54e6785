package seed

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/paulmach/orb/maptile"
	"github.com/sirupsen/logrus"
)

// BreakPoint 断点记录. Finished tiles are appended to a log file as "x-y-z"
// lines so an interrupted task can resume where it stopped.
type BreakPoint struct {
	file       *os.File
	saveChan   chan maptile.Tile
	successMap map[string]struct{}
	log        logrus.FieldLogger

	mu      sync.RWMutex
	isClose bool
	done    chan struct{}
}

// OpenBreakPoint opens (or creates) {dir}/{name}.log and loads its records.
func OpenBreakPoint(dir, name string, bufSize int, log logrus.FieldLogger) (*BreakPoint, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s.log", name))
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("break point file: %w", err)
	}

	// 获取断点记录
	successMap, err := readBreakPoint(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("break point file %s: %w", path, err)
	}

	b := &BreakPoint{
		file:       file,
		saveChan:   make(chan maptile.Tile, max(bufSize, 1)),
		successMap: successMap,
		log:        discardIfNil(log),
		done:       make(chan struct{}),
	}
	go b.start()
	b.log.WithFields(logrus.Fields{"file": path, "finished": len(successMap)}).Info("break point loaded")
	return b, nil
}

func readBreakPoint(file *os.File) (map[string]struct{}, error) {
	res := make(map[string]struct{})
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			res[line] = struct{}{}
		}
	}
	return res, sc.Err()
}

func breakPointKey(tile maptile.Tile) string {
	return fmt.Sprintf("%d-%d-%d", tile.X, tile.Y, tile.Z)
}

// Len number of tiles recorded as finished.
func (b *BreakPoint) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.successMap)
}

// IsSuccessed reports whether tile was finished by this or an earlier run.
func (b *BreakPoint) IsSuccessed(tile maptile.Tile) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.successMap[breakPointKey(tile)]
	return ok
}

// SetSuccessed records tile as finished. Records after Close are dropped.
func (b *BreakPoint) SetSuccessed(tile maptile.Tile) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isClose {
		return
	}
	key := breakPointKey(tile)
	if _, ok := b.successMap[key]; ok {
		return
	}
	b.successMap[key] = struct{}{}
	b.saveChan <- tile
}

func (b *BreakPoint) start() {
	defer close(b.done)
	w := bufio.NewWriter(b.file)
	for tile := range b.saveChan {
		if _, err := w.WriteString(breakPointKey(tile) + "\n"); err != nil {
			b.log.WithError(err).Warn("write break point")
			continue
		}
		if len(b.saveChan) == 0 {
			if err := w.Flush(); err != nil {
				b.log.WithError(err).Warn("flush break point")
			}
		}
	}
	if err := w.Flush(); err != nil {
		b.log.WithError(err).Warn("flush break point")
	}
}

// Close flushes pending records and closes the file.
func (b *BreakPoint) Close() error {
	b.mu.Lock()
	if b.isClose {
		b.mu.Unlock()
		return nil
	}
	b.isClose = true
	close(b.saveChan)
	b.mu.Unlock()

	<-b.done
	b.log.Info("break point closed")
	return b.file.Close()
}
