package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 日志配置
type Config struct {
	Level      string // debug, info, warn, error
	OutputFile string // 为空则只输出到控制台
	MaxSize    int    // MB
	MaxBackups int
	MaxAge     int // 天
	Compress   bool
	JSON       bool
	Quiet      bool // 不写控制台（TUI 程序使用）
}

// Init configures the standard logrus logger used across the module.
func Init(cfg Config) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.JSON {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "06-01-02 15:04:05",
		})
	}

	var writers []io.Writer
	if !cfg.Quiet {
		writers = append(writers, os.Stdout)
	}
	if cfg.OutputFile != "" {
		if dir := filepath.Dir(cfg.OutputFile); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		if cfg.MaxSize <= 0 {
			cfg.MaxSize = 100
		}
		if cfg.MaxBackups <= 0 {
			cfg.MaxBackups = 7
		}
		if cfg.MaxAge <= 0 {
			cfg.MaxAge = 30
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.OutputFile,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}
	logrus.SetOutput(io.MultiWriter(writers...))
	return nil
}
