package config

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"pnldesk/internal/models"
)

var DB *gorm.DB

// DisableAutoMigrate skips gorm AutoMigrate in InitDB (also DB_AUTO_MIGRATE=false).
var DisableAutoMigrate bool

// DSN builds the postgres connection string from DB_* variables.
func DSN() string {
	tz := os.Getenv("DB_TIMEZONE")
	if tz == "" {
		tz = "UTC"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=%s",
		os.Getenv("DB_HOST"),
		os.Getenv("DB_USER"),
		os.Getenv("DB_PASSWORD"),
		os.Getenv("DB_NAME"),
		os.Getenv("DB_PORT"),
		tz,
	)
}

// InitDB initializes the database connection
func InitDB() {
	db, err := gorm.Open(postgres.Open(DSN()), &gorm.Config{})
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatal("Failed to get database instance:", err)
	}

	sqlDB.SetMaxIdleConns(20)           // 设置空闲连接池中的最大连接数
	sqlDB.SetMaxOpenConns(100)          // 设置打开数据库连接的最大数量
	sqlDB.SetConnMaxLifetime(time.Hour) // 设置连接可复用的最大时间

	DB = db

	if DisableAutoMigrate || os.Getenv("DB_AUTO_MIGRATE") == "false" {
		return
	}
	err = DB.AutoMigrate(
		&models.UserAccount{},
		&models.PnlCacheRecord{},
	)
	if err != nil {
		log.Fatal("Failed to migrate database:", err)
	}
}
