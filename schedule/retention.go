package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	logger "github.com/sirupsen/logrus"

	"pnldesk/internal/services"
	dbconfig "pnldesk/pkg/config"
	logpkg "pnldesk/pkg/logger"
)

// PurgePnlCache 清理过期的盈亏缓存记录
func PurgePnlCache(ctx context.Context, svc *services.SummaryService, days int) error {
	logger.Info("> 开始清理盈亏缓存")

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	res, err := svc.Purge(ctx, days)
	if err != nil {
		logger.Errorf("> 清理盈亏缓存失败: %v", err)
		return err
	}

	logger.Infof("> 清理完成，截止日期 %s，共删除 %d 条记录", res.Cutoff, res.Deleted)
	return nil
}

func main() {
	dbconfig.LoadEnv()
	settings := dbconfig.LoadSettings()
	if err := logpkg.Init(logpkg.Config{
		Level:      settings.LogLevel,
		OutputFile: "logs/pnl_retention.log",
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     30,
	}); err != nil {
		logger.Warn("无法打开日志文件，日志将输出到标准输出")
	}
	logger.Info("> 开始初始化程序...")

	// 初始化数据库连接
	dbconfig.DisableAutoMigrate = true
	dbconfig.InitDB()
	logger.Info("> 数据库连接初始化完成")

	svc := services.NewSummaryService(services.NewGormCacheStore(dbconfig.DB), nil, nil, nil, services.SummaryConfig{
		Location:      settings.Location,
		RetentionDays: settings.RetentionDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 按交易所本地时区调度
	c := cron.New(cron.WithSeconds(), cron.WithLocation(settings.Location))

	// 每天 00:30 执行一次
	_, err := c.AddFunc("0 30 0 * * *", func() {
		_ = PurgePnlCache(ctx, svc, settings.RetentionDays)
	})
	if err != nil {
		logger.Fatalf("> 添加定时任务失败: %v", err)
	}

	logger.Infof("> 定时任务已启动，每天 00:30 清理 %d 天前的缓存", settings.RetentionDays)

	// 启动定时任务
	c.Start()

	// 保持程序运行
	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info("> 程序退出")
}
