package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var SafeExitInst *SafeExit

func InitSafeExit() {
	SafeExitInst = new(SafeExit)
	go SafeExitInst.ListenSignal()
}

// SafeExit runs registered funcs on SIGINT, SIGTERM or SIGQUIT before exiting;
// SIGHUP runs the reload funcs instead.
type SafeExit struct {
	funcs   []func()
	reloads []func()
	mu      sync.Mutex
}

func (s *SafeExit) Register(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.funcs = append(s.funcs, f)
}

func (s *SafeExit) OnReload(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reloads = append(s.reloads, f)
}

// run calls the exit funcs, most recently registered first.
func (s *SafeExit) run() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.funcs) - 1; i >= 0; i-- {
		s.funcs[i]()
	}
}

func (s *SafeExit) reload() {
	s.mu.Lock()
	reloads := append([]func(){}, s.reloads...)
	s.mu.Unlock()

	for _, f := range reloads {
		f()
	}
}

func (s *SafeExit) ListenSignal() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	for sig := range sigs {
		switch sig {
		case syscall.SIGHUP:
			s.reload()
		case syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
			fmt.Printf("收到系统信号 %d, 正在停止任务, 请稍后\n", sig)
			s.run()
			os.Exit(0)
		}
	}
}
