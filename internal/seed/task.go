// Package seed pre-renders a tile pyramid into a directory or an MBTiles file.
package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/sirupsen/logrus"
	"github.com/teris-io/shortid"
	"golang.org/x/time/rate"
	pb "gopkg.in/cheggaaa/pb.v1"

	"tilebridge/internal/bridge"
	"tilebridge/internal/projection"
)

var (
	// ErrAborted the task was stopped by Abort
	ErrAborted = errors.New("seed task aborted")
	// ErrIncomplete some tiles failed to render or save
	ErrIncomplete = errors.New("seed task incomplete")
)

// Renderer 瓦片源
type Renderer interface {
	Tile(ctx context.Context, z, x, y int) (*bridge.TileResult, error)
}

// Config 任务配置
type Config struct {
	Name string
	Min  int
	Max  int
	// Bounds lon/lat; empty means the whole world.
	Bounds  orb.Bound
	Workers int
	// SavePipe queued tiles waiting for the store.
	SavePipe int
	// Rate tiles started per second; 0 is unlimited.
	Rate    float64
	BufSize int
	// Progress receives the progress bars; nil hides them.
	Progress io.Writer
}

// Layer 级别&瓦片数
type Layer struct {
	Zoom  int
	Count int64
	Range projection.Range
}

func (l Layer) String() string {
	return fmt.Sprintf("zoom %d (%d tiles)", l.Zoom, l.Count)
}

// Task 渲染任务
type Task struct {
	ID     string
	Name   string
	Min    int
	Max    int
	Bounds orb.Bound
	Layers []Layer
	Total  int64

	Current atomic.Int64
	Skipped atomic.Int64
	Failed  atomic.Int64

	src      Renderer
	store    Store
	bp       *BreakPoint
	log      logrus.FieldLogger
	limiter  *rate.Limiter
	progress io.Writer

	workerCount  int
	savePipeSize int
	bufSize      int
	tileWG       sync.WaitGroup
	abort        chan struct{}
	abortOnce    sync.Once
	workers      chan struct{}
}

// NewTask 创建渲染任务. bp may be nil to disable resuming.
func NewTask(cfg Config, src Renderer, store Store, bp *BreakPoint, log logrus.FieldLogger) (*Task, error) {
	if cfg.Min < 0 || cfg.Max < cfg.Min || cfg.Max > bridge.MaxZoom {
		return nil, fmt.Errorf("seed: invalid zoom range %d-%d", cfg.Min, cfg.Max)
	}
	bounds := cfg.Bounds
	if bounds.IsZero() {
		bounds = orb.Bound{Min: orb.Point{-180, -projection.MaxLatitude}, Max: orb.Point{180, projection.MaxLatitude}}
	}
	if bounds.Min.X() > bounds.Max.X() || bounds.Min.Y() > bounds.Max.Y() {
		return nil, fmt.Errorf("seed: invalid bounds %v", bounds)
	}
	id, _ := shortid.Generate()

	task := &Task{
		ID:           id,
		Name:         cfg.Name,
		Min:          cfg.Min,
		Max:          cfg.Max,
		Bounds:       bounds,
		src:          src,
		store:        store,
		bp:           bp,
		log:          discardIfNil(log).WithField("task", id),
		progress:     cfg.Progress,
		workerCount:  max(cfg.Workers, 1),
		savePipeSize: max(cfg.SavePipe, 1),
		bufSize:      max(cfg.BufSize, 1),
		limiter:      rate.NewLimiter(rate.Inf, 1),
	}
	if cfg.Rate > 0 {
		task.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), 1)
	}

	for z := cfg.Min; z <= cfg.Max; z++ {
		rng := projection.TileRange(bounds, projection.WGS84, maptile.Zoom(z))
		layer := Layer{Zoom: z, Count: int64(rng.Count()), Range: rng}
		task.log.Debugf("zoom: %d, tiles: %d", z, layer.Count)
		task.Layers = append(task.Layers, layer)
		task.Total += layer.Count
	}

	task.abort = make(chan struct{})
	task.workers = make(chan struct{}, task.workerCount)
	return task, nil
}

// Abort 结束任务. Tiles already rendering still finish.
func (task *Task) Abort() {
	task.abortOnce.Do(func() { close(task.abort) })
}

func (task *Task) aborted() bool {
	select {
	case <-task.abort:
		return true
	default:
		return false
	}
}

// Run 开启渲染任务
func (task *Task) Run(ctx context.Context) error {
	start := time.Now()
	task.log.WithFields(logrus.Fields{"name": task.Name, "total": task.Total}).Info("task starting")

	saves := make(chan Tile, task.savePipeSize)
	saved := make(chan struct{})
	go task.saver(saves, saved)

	var err error
	for _, layer := range task.Layers {
		if err = task.runLayer(ctx, layer, saves); err != nil {
			break
		}
	}
	close(saves)
	<-saved

	task.log.WithFields(logrus.Fields{
		"rendered": task.Current.Load(),
		"skipped":  task.Skipped.Load(),
		"failed":   task.Failed.Load(),
	}).Infof("%.3fs finished", time.Since(start).Seconds())

	if err != nil {
		return err
	}
	if n := task.Failed.Load(); n > 0 {
		return fmt.Errorf("%w: %d of %d tiles failed", ErrIncomplete, n, task.Total)
	}
	return nil
}

// saver drains the save pipe into the store and records finished tiles.
func (task *Task) saver(saves <-chan Tile, saved chan<- struct{}) {
	defer close(saved)
	for td := range saves {
		if len(td.C) > 0 {
			if err := task.store.Save(td); err != nil {
				task.Failed.Add(1)
				task.log.WithError(err).Errorf("save %v tile", td.T)
				continue
			}
		}
		if task.bp != nil {
			task.bp.SetSuccessed(td.T)
		}
	}
}

// runLayer renders one zoom level.
func (task *Task) runLayer(ctx context.Context, layer Layer, saves chan<- Tile) error {
	task.log.Infof("task layer: %s starting", layer)
	bar := task.newBar(layer)

	done := make(chan struct{})
	defer close(done)
	tilelist := make(chan maptile.Tile, task.bufSize)
	go func() {
		defer close(tilelist)
		layer.Range.Each(func(t maptile.Tile) bool {
			select {
			case tilelist <- t:
				return true
			case <-done:
				return false
			}
		})
	}()

	var err error
loop:
	for tile := range tilelist {
		// 已在成功列表里
		if task.bp != nil && task.bp.IsSuccessed(tile) {
			task.Skipped.Add(1)
			bar.Increment()
			continue
		}
		if task.aborted() {
			err = ErrAborted
			break
		}
		if werr := task.limiter.Wait(ctx); werr != nil {
			err = ctx.Err()
			if err == nil {
				err = werr
			}
			break
		}
		select {
		case task.workers <- struct{}{}:
			bar.Increment()
			task.tileWG.Add(1)
			go task.tileFetcher(ctx, tile, saves)
		case <-task.abort:
			task.log.Infof("task %s got canceled", task.Name)
			err = ErrAborted
			break loop
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		}
	}
	// 等待该层结束
	task.tileWG.Wait()
	if task.progress != nil {
		bar.FinishPrint(fmt.Sprintf("Task %s Zoom %d finished ~", task.ID, layer.Zoom))
	} else {
		bar.Finish()
	}
	return err
}

// tileFetcher 瓦片渲染器
func (task *Task) tileFetcher(ctx context.Context, mt maptile.Tile, saves chan<- Tile) {
	start := time.Now()
	defer func() {
		task.tileWG.Done()
		<-task.workers
	}()

	res, err := task.src.Tile(ctx, int(mt.Z), int(mt.X), int(mt.Y))
	if err != nil {
		task.Failed.Add(1)
		task.log.WithError(err).Debugf("render %v tile", mt)
		return
	}
	data, err := tilePayload(res)
	if err != nil {
		task.Failed.Add(1)
		task.log.WithError(err).Errorf("encode %v tile", mt)
		return
	}
	saves <- Tile{T: mt, C: data}
	task.Current.Add(1)

	task.log.Debugf("tile(z:%d, x:%d, y:%d), %dms, %.2f kb", mt.Z, mt.X, mt.Y, time.Since(start).Milliseconds(), float32(len(data))/1024.0)
}

// tilePayload 存储前压缩: the raw mvt, inflated first when the source
// deflated it, goes into the store gzipped. An empty tile stays empty.
func tilePayload(res *bridge.TileResult) ([]byte, error) {
	data := res.Data
	if len(data) == 0 {
		return nil, nil
	}
	if strings.EqualFold(res.Header.Get("Content-Encoding"), "deflate") {
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("inflate: %w", err)
		}
		data, err = io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, fmt.Errorf("inflate: %w", err)
		}
		if len(data) == 0 {
			return nil, nil
		}
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (task *Task) newBar(layer Layer) *pb.ProgressBar {
	bar := pb.New64(layer.Count).Prefix(fmt.Sprintf("Zoom %d : ", layer.Zoom))
	if task.progress == nil {
		bar.NotPrint = true
	} else {
		bar.Output = task.progress
	}
	bar.SetRefreshRate(time.Second)
	return bar.Start()
}

func discardIfNil(log logrus.FieldLogger) logrus.FieldLogger {
	if log != nil {
		return log
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
