package main

import (
	"flag"
	"fmt"
	"os"
)

const version = "tilebridge/v0.1.0"

// Modes
const (
	ModeServe = "serve"
	ModeSeed  = "seed"
	ModeIndex = "index"
)

var (
	hf         bool
	configPath string
	logLevel   string
	mode       string
)

func InitFlag() {
	flag.BoolVar(&hf, "h", false, "this help")
	flag.StringVar(&configPath, "c", "./conf/conf.toml", "set config `file`")
	flag.StringVar(&logLevel, "l", "info", "set log level (default: info)")
	flag.StringVar(&mode, "m", ModeServe, "run `mode`: serve, seed or index")
	flag.Usage = usage
	flag.Parse()

	if hf {
		flag.Usage()
		os.Exit(0)
	}
	switch mode {
	case ModeServe, ModeSeed, ModeIndex:
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", mode)
		flag.Usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `tilebridge version: %s
Usage: tilebridge [-h] [-c filename] [-l logLevel] [-m serve|seed|index]
`, version)
	flag.PrintDefaults()
}
