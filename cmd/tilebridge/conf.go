package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulmach/orb"
	"github.com/spf13/viper"

	"tilebridge/internal/bridge"
	"tilebridge/internal/seed"
)

var conf *Conf

type Conf struct {
	App struct {
		Version string `mapstructure:"version"`
		Title   string `mapstructure:"title"`
		Name    string `mapstructure:"name"`
	} `mapstructure:"app"`
	Style struct {
		Path     string `mapstructure:"path"`
		Base     string `mapstructure:"base"`
		Deflate  bool   `mapstructure:"deflate"`
		Blank    bool   `mapstructure:"blank"`
		Simplify bool   `mapstructure:"simplify"`
		PoolSize int    `mapstructure:"poolSize"`
	} `mapstructure:"style"`
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	Output struct {
		Directory      string `mapstructure:"directory"`
		LogDir         string `mapstructure:"logDir"`
		OutputTerminal bool   `mapstructure:"outputTerminal"`
		Format         string `mapstructure:"format"`
	} `mapstructure:"output"`
	Task struct {
		Workers  int     `mapstructure:"workers"`
		Savepipe int     `mapstructure:"savepipe"`
		Rate     float64 `mapstructure:"rate"`
		BufSize  int     `mapstructure:"bufSize"`
	} `mapstructure:"task"`
	BreakPoint struct {
		SaveFilePath string `mapstructure:"saveFilePath"`
	} `mapstructure:"breakPoint"`
	Seed struct {
		Minzoom int       `mapstructure:"minzoom"`
		Maxzoom int       `mapstructure:"maxzoom"`
		Bounds  []float64 `mapstructure:"bounds"`
	} `mapstructure:"seed"`
}

// InitConf 初始化配置
func InitConf(cfgFile string) {
	c, err := LoadConf(cfgFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	conf = c
}

// LoadConf reads a TOML config file; environment variables override it.
func LoadConf(cfgFile string) (*Conf, error) {
	if cfgFile == "" {
		cfgFile = "conf.toml"
	}
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file(%s) not exist", cfgFile)
	}
	v := viper.New()
	v.SetConfigType("toml")
	v.SetConfigFile(cfgFile)
	v.AutomaticEnv() // read in environment variables that match
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file(%s) error, details: %w", v.ConfigFileUsed(), err)
	}
	// 设置默认值
	v.SetDefault("app.version", "v 0.1.0")
	v.SetDefault("app.title", "Tile Bridge")
	v.SetDefault("app.name", "tilebridge")
	v.SetDefault("style.path", "style.yml")
	v.SetDefault("style.deflate", true)
	v.SetDefault("style.poolSize", 0)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("output.format", seed.MBTILES)
	v.SetDefault("output.directory", "output")
	v.SetDefault("output.outputTerminal", true)
	v.SetDefault("task.workers", 4)
	v.SetDefault("task.savepipe", 1)
	v.SetDefault("task.rate", 0)
	v.SetDefault("task.bufSize", 64)
	v.SetDefault("breakPoint.saveFilePath", "breakpoint")
	v.SetDefault("seed.minzoom", 0)
	v.SetDefault("seed.maxzoom", 5)

	var c Conf
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("配置文件解析失败: %w", err)
	}
	// relative paths follow the config file
	dir := filepath.Dir(cfgFile)
	if c.Style.Path != "" && !filepath.IsAbs(c.Style.Path) {
		c.Style.Path = filepath.Join(dir, c.Style.Path)
	}
	if c.Style.Base == "" {
		c.Style.Base = filepath.Dir(c.Style.Path)
	} else if !filepath.IsAbs(c.Style.Base) {
		c.Style.Base = filepath.Join(dir, c.Style.Base)
	}
	if len(c.Seed.Bounds) != 0 && len(c.Seed.Bounds) != 4 {
		return nil, fmt.Errorf("seed.bounds needs 4 numbers, got %d", len(c.Seed.Bounds))
	}
	return &c, nil
}

// SourceOptions reads the style file into bridge options.
func (c *Conf) SourceOptions() (bridge.Options, error) {
	style, err := os.ReadFile(c.Style.Path)
	if err != nil {
		return bridge.Options{}, fmt.Errorf("read style: %w", err)
	}
	return bridge.Options{
		Style:    string(style),
		Base:     c.Style.Base,
		Deflate:  c.Style.Deflate,
		Blank:    c.Style.Blank,
		Simplify: c.Style.Simplify,
		PoolSize: c.Style.PoolSize,
	}, nil
}

// SeedBounds lon/lat bounds of the seed task; zero means the whole world.
func (c *Conf) SeedBounds() orb.Bound {
	b := c.Seed.Bounds
	if len(b) != 4 {
		return orb.Bound{}
	}
	return orb.Bound{Min: orb.Point{b[0], b[1]}, Max: orb.Point{b[2], b[3]}}
}
