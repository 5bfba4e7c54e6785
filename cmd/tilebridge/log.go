package main

import (
	"io"
	"os"
	"path/filepath"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/shiena/ansicolor"
	"github.com/sirupsen/logrus"
)

var log *logrus.Logger

// InitLog 初始化日志
func InitLog() {
	l, err := NewLogger(conf.Output.LogDir, conf.Output.OutputTerminal, logLevel)
	if err != nil {
		panic("日志文件打开失败: " + err.Error())
	}
	log = l
}

// NewLogger writes to a dated file under logDir and, optionally, the terminal.
func NewLogger(logDir string, terminal bool, level string) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		ShowFullLevel:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	logIO := make([]io.Writer, 0)
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, err
		}
		filename := filepath.Join(logDir, time.Now().Format("2006-01-02.log"))
		file, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, err
		}
		logIO = append(logIO, file)
	}
	if terminal {
		logIO = append(logIO, os.Stdout)
	}

	// 融合日志输出
	l.SetOutput(ansicolor.NewAnsiColorWriter(io.MultiWriter(logIO...)))

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l, nil
}
