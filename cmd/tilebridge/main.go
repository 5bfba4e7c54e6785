package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"tilebridge/internal/backend/geojson"
	"tilebridge/internal/bridge"
	"tilebridge/internal/seed"
	"tilebridge/internal/server"
)

const shutdownTimeout = 5 * time.Second

func main() {
	// 初始化控制台
	InitFlag()
	// 开始安全退出任务
	InitSafeExit()
	// 初始化配置
	InitConf(configPath)
	// 初始化日志
	InitLog()

	var err error
	switch mode {
	case ModeServe:
		err = runServe()
	case ModeSeed:
		err = runSeed()
	case ModeIndex:
		err = runIndex()
	}
	if err != nil {
		log.WithError(err).Errorf("%s failed", mode)
		SafeExitInst.run()
		os.Exit(1)
	}
}

// openSource loads the configured style into a Source closed on exit.
func openSource(ctx context.Context) (*bridge.Source, error) {
	opts, err := conf.SourceOptions()
	if err != nil {
		return nil, err
	}
	src, err := bridge.Open(ctx, geojson.New(log.WithField("component", "backend")), opts, log.WithField("component", "bridge"))
	if err != nil {
		return nil, fmt.Errorf("open style %s: %w", conf.Style.Path, err)
	}
	SafeExitInst.Register(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := src.Close(ctx); err != nil {
			log.WithError(err).Warn("close source")
		}
	})
	return src, nil
}

func runServe() error {
	src, err := openSource(context.Background())
	if err != nil {
		return err
	}
	// SIGHUP 重新加载样式
	SafeExitInst.OnReload(func() { reloadStyle(src) })

	handlers := server.New(src, log.WithField("component", "http"))
	srv := &http.Server{
		Addr:    conf.Server.Addr,
		Handler: handlers.Routes(),
	}
	SafeExitInst.Register(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("server forced to shutdown")
		}
		log.Info("server stopped")
	})

	log.WithField("addr", conf.Server.Addr).Infof("%s %s started", conf.App.Title, conf.App.Version)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	// Shutdown was called by SafeExit, which exits the process once done.
	select {}
}

func reloadStyle(src *bridge.Source) {
	opts, err := conf.SourceOptions()
	if err != nil {
		log.WithError(err).Error("reload style")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := src.Update(ctx, opts); err != nil {
		log.WithError(err).Error("reload style")
		return
	}
	log.WithField("style", conf.Style.Path).Info("style reloaded")
}

func runSeed() error {
	ctx := context.Background()
	src, err := openSource(ctx)
	if err != nil {
		return err
	}
	if err := seedTiles(ctx, src, conf, SafeExitInst, log, os.Stdout); err != nil {
		return err
	}
	SafeExitInst.run()
	return nil
}

// seedTiles renders the configured zoom range of src into c's output store.
// Store, breakpoint and abort are handed to exit for cleanup.
func seedTiles(ctx context.Context, src *bridge.Source, c *Conf, exit *SafeExit, log logrus.FieldLogger, progress io.Writer) error {
	info, err := src.Info(ctx)
	if err != nil {
		return err
	}

	outPath := c.Output.Directory
	if c.Output.Format == seed.MBTILES {
		outPath = filepath.Join(c.Output.Directory, c.App.Name+".mbtiles")
	}
	store, err := seed.OpenStore(c.Output.Format, outPath, seed.Metadata(c.App.Name, info))
	if err != nil {
		return err
	}
	exit.Register(func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("close store")
		}
	})

	bp, err := seed.OpenBreakPoint(c.BreakPoint.SaveFilePath, c.App.Name, c.Task.Workers, log.WithField("component", "breakpoint"))
	if err != nil {
		return err
	}
	exit.Register(func() { bp.Close() })

	task, err := seed.NewTask(seed.Config{
		Name:     c.App.Name,
		Min:      c.Seed.Minzoom,
		Max:      c.Seed.Maxzoom,
		Bounds:   c.SeedBounds(),
		Workers:  c.Task.Workers,
		SavePipe: c.Task.Savepipe,
		Rate:     c.Task.Rate,
		BufSize:  c.Task.BufSize,
		Progress: progress,
	}, src, store, bp, log.WithField("component", "seed"))
	if err != nil {
		return err
	}
	// 注册安全退出
	exit.Register(task.Abort)

	return task.Run(ctx)
}

func runIndex() error {
	ctx := context.Background()
	src, err := openSource(ctx)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(conf.Output.Directory, 0o755); err != nil {
		return err
	}
	path := filepath.Join(conf.Output.Directory, conf.App.Name+".jsonl")
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	n, err := writeIndex(ctx, src, file, bridge.DefaultLimit)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"file": path, "docs": n}).Info("index written")
	SafeExitInst.run()
	return nil
}
