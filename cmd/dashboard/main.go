package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"pnldesk/internal/reconcile"
	"pnldesk/internal/stream"
	"pnldesk/pkg/logger"
)

func main() {
	configPath := flag.String("config", "dashboard.yaml", "dashboard config file")
	flag.Parse()

	cfg, err := LoadDashboardConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// TUI 占用终端，日志只写文件
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, OutputFile: cfg.LogFile, MaxSize: 20, MaxBackups: 3, Quiet: true}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	session := uuid.NewString()[:8]
	entry := log.WithField("session", session)

	cacheDir := cfg.CacheDir
	if cacheDir != "" {
		cacheDir = filepath.Clean(cacheDir)
	}
	cache, err := reconcile.OpenBadgerCache(cacheDir)
	if err != nil {
		entry.Fatalf("open local cache failed: %v", err)
	}
	defer cache.Close()

	var program *tea.Program
	engine := reconcile.NewEngine(cache, reconcile.NewHTTPPuller(cfg.APIURL), reconcile.RendererFunc(func(v reconcile.View) {
		if program != nil {
			program.Send(viewMsg(v))
		}
	}), reconcile.Config{
		Debounce:     cfg.Debounce.Duration,
		PullInterval: cfg.PullInterval.Duration,
		StaleAfter:   cfg.StaleAfter.Duration,
	})

	sub, err := stream.NewSubscriber(cfg.StreamURL, cfg.Users, engine.Push)
	if err != nil {
		entry.Fatalf("invalid stream url: %v", err)
	}

	program = tea.NewProgram(newModel(engine, cfg.Users, session), tea.WithAltScreen())

	ctx, cancel := context.WithCancel(context.Background())
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		_ = engine.Run(ctx)
	}()
	go func() {
		_ = sub.Run(ctx)
	}()

	entry.WithField("users", cfg.Users).Info("dashboard started")
	if _, err := program.Run(); err != nil {
		entry.Errorf("dashboard exited: %v", err)
	}
	cancel()
	<-engineDone
	entry.Info("dashboard stopped")
}
