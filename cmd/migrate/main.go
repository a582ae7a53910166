package main

import (
	"flag"

	log "github.com/sirupsen/logrus"

	"pnldesk/pkg/config"
	"pnldesk/pkg/logger"
)

func main() {
	dir := flag.String("dir", "migrations", "migrations directory")
	down := flag.Bool("down", false, "roll back the last migration instead of migrating up")
	flag.Parse()

	config.LoadEnv()
	settings := config.LoadSettings()
	if err := logger.Init(logger.Config{Level: settings.LogLevel}); err != nil {
		log.Fatalf("init logger failed: %v", err)
	}

	// 迁移由 SQL 文件负责，关闭 AutoMigrate
	config.DisableAutoMigrate = true
	config.InitDB()

	var err error
	if *down {
		err = config.RollbackMigration(*dir)
	} else {
		err = config.ExecuteMigrations(*dir)
	}
	if err != nil {
		log.Fatalf("> migration failed: %v", err)
	}
}
