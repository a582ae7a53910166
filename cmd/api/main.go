package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"pnldesk/internal/handlers"
	"pnldesk/internal/middleware"
	"pnldesk/internal/routes"
	"pnldesk/internal/services"
	"pnldesk/internal/stream"
	"pnldesk/pkg/config"
	"pnldesk/pkg/logger"
)

func main() {
	config.LoadEnv()
	settings := config.LoadSettings()
	if err := logger.Init(logger.Config{Level: settings.LogLevel, OutputFile: settings.LogFile, MaxSize: 100, MaxBackups: 7, MaxAge: 30}); err != nil {
		log.Fatalf("init logger failed: %v", err)
	}

	// Initialize database
	config.InitDB()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	guard := services.NewRecomputeGuard(settings.RecomputeInterval)
	clients := services.NewExchangeClients()
	clients.Testnet = settings.BinanceTestnet
	svc := services.NewSummaryService(
		services.NewGormCacheStore(config.DB),
		services.NewGormUserDirectory(config.DB),
		clients,
		guard,
		services.SummaryConfig{
			Location:          settings.Location,
			RecomputeInterval: settings.RecomputeInterval,
			RetentionDays:     settings.RetentionDays,
			CommissionPercent: settings.CommissionPercent,
		},
	)

	hub := stream.NewHub(originChecker(settings.AllowedOrigins))
	defer hub.Close()

	var publisher handlers.QueuePublisher

	// Initialize RabbitMQ (optional, will log warning if not configured)
	if os.Getenv("RABBITMQ_HOST") != "" {
		config.InitRabbitMQ()
		defer config.RabbitMQ.Close()

		p, err := config.NewPublisher()
		if err != nil {
			log.Fatalf("Create publisher failed: %v", err)
		}
		defer p.Close()
		publisher = p

		// 每个 API 实例一个独占队列，绑定到 account_updates fanout
		queue := "account_updates." + uuid.NewString()
		consumer, err := config.NewFanoutConsumer(services.AccountUpdatesExchange, queue)
		if err != nil {
			log.Fatalf("Create consumer failed: %v", err)
		}
		defer consumer.Close()

		go func() {
			if err := consumer.Consume(ctx, hub.Consume); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorf("account update consumer stopped: %v", err)
				stop()
			}
		}()
		log.Info("RabbitMQ initialized successfully")
	} else {
		log.Warn("RabbitMQ not configured, recompute runs inline and the account stream is idle")
	}

	limiters := middleware.NewRateLimiterMap(middleware.RateLimiterConfig{RequestsPerSecond: 20, Burst: 40})

	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc("0 */5 * * * *", func() {
		now := time.Now()
		log.WithFields(log.Fields{
			"guard_entries": guard.Sweep(now),
			"ip_limiters":   limiters.Sweep(now),
			"ws_clients":    hub.Clients(),
		}).Debug("> idle limiters swept")
	})
	if err != nil {
		log.Fatalf("> 添加定时任务失败: %v", err)
	}
	c.Start()
	defer c.Stop()

	// Set up router
	r := routes.SetupRouter(handlers.NewPnlHandler(svc, hub, publisher), routes.Options{
		AllowedOrigins: settings.AllowedOrigins,
		Limiters:       limiters,
	})

	srv := &http.Server{Addr: ":" + settings.Port, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("API listening on :%s", settings.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("Failed to start server:", err)
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}
