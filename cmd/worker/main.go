package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pnldesk/internal/handlers"
	"pnldesk/internal/services"
	"pnldesk/pkg/config"
	"pnldesk/pkg/logger"
)

func main() {
	purge := flag.Bool("purge-queue", false, "drop pending recompute requests before consuming")
	flag.Parse()

	config.LoadEnv()
	settings := config.LoadSettings()
	if err := logger.Init(logger.Config{Level: settings.LogLevel, OutputFile: settings.LogFile, JSON: true, MaxSize: 100, MaxBackups: 7, MaxAge: 30}); err != nil {
		log.Fatalf("init logger failed: %v", err)
	}

	// Initialize database
	config.InitDB()

	// Initialize RabbitMQ
	config.InitRabbitMQ()
	defer config.RabbitMQ.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	users := services.NewGormUserDirectory(config.DB)
	clients := services.NewExchangeClients()
	clients.Testnet = settings.BinanceTestnet
	svc := services.NewSummaryService(
		services.NewGormCacheStore(config.DB),
		users,
		clients,
		services.NewRecomputeGuard(settings.RecomputeInterval),
		services.SummaryConfig{
			Location:          settings.Location,
			RecomputeInterval: settings.RecomputeInterval,
			RetentionDays:     settings.RetentionDays,
			CommissionPercent: settings.CommissionPercent,
		},
	)

	publisher, err := config.NewPublisher()
	if err != nil {
		log.Fatal("Failed to create publisher: ", err)
	}
	defer publisher.Close()

	msgConsumer, err := config.NewConsumer(handlers.RecomputeQueue)
	if err != nil {
		log.Fatal("Failed to create consumer: ", err)
	}
	defer msgConsumer.Close()

	if *purge {
		if err := config.PurgeQueue(handlers.RecomputeQueue); err != nil {
			log.Warnf("purge %s failed: %v", handlers.RecomputeQueue, err)
		}
	}

	feed := services.NewAccountFeed(users, clients, publisher, settings.FeedInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return msgConsumer.Consume(gctx, func(msg []byte) error {
			return handleRecompute(gctx, svc, msg)
		})
	})
	g.Go(func() error {
		return feed.Run(gctx)
	})

	log.Info("PnL worker started, waiting for messages...")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("worker stopped: %v", err)
	}
	log.Info("PnL worker stopped")
}

// handleRecompute processes one recompute request. Unknown users are acked
// and dropped; a failed cache write is returned so the message is requeued.
func handleRecompute(ctx context.Context, svc *services.SummaryService, msg []byte) error {
	var req handlers.RecomputeRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		log.Errorf("Failed to unmarshal message: %v", err)
		return nil
	}

	fields := log.Fields{"user": req.UserID}
	if req.RequestedAt > 0 {
		fields["queued_for"] = time.Since(time.UnixMilli(req.RequestedAt)).Round(time.Millisecond).String()
	}

	summary, err := svc.Recompute(ctx, req.UserID)
	var idErr *services.IdentityError
	switch {
	case errors.As(err, &idErr):
		log.WithFields(fields).Warnf("skip recompute: %v", err)
		return nil
	case err != nil:
		return err
	}

	fields["pnl1d"] = summary.Pnl1d
	fields["degraded"] = summary.Degraded
	log.WithFields(fields).Info("recompute request handled")
	return nil
}
