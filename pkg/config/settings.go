package config

import (
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// Settings 进程配置，全部来自环境变量（可由 .env 预加载）
type Settings struct {
	Port           string
	AllowedOrigins []string
	LogLevel       string
	LogFile        string

	Location          *time.Location
	RecomputeInterval time.Duration
	RetentionDays     int
	CommissionPercent decimal.Decimal
	FeedInterval      time.Duration
	BinanceTestnet    bool
}

// LoadEnv preloads .env files into the environment; missing files are fine.
func LoadEnv(files ...string) {
	if err := godotenv.Load(files...); err != nil && !os.IsNotExist(err) {
		log.Warnf("load .env failed: %v", err)
	}
}

// LoadSettings reads the process settings from the environment.
func LoadSettings() Settings {
	s := Settings{
		Port:              getEnv("PORT", "8080"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFile:           os.Getenv("LOG_FILE"),
		RecomputeInterval: getDuration("PNL_RECOMPUTE_INTERVAL", 30*time.Second),
		RetentionDays:     getInt("PNL_RETENTION_DAYS", 40),
		FeedInterval:      getDuration("ACCOUNT_FEED_INTERVAL", 5*time.Second),
		BinanceTestnet:    getBool("BINANCE_TESTNET", false),
		CommissionPercent: decimal.Zero,
		Location:          time.UTC,
	}

	for _, o := range strings.Split(os.Getenv("ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			s.AllowedOrigins = append(s.AllowedOrigins, o)
		}
	}

	if tz := os.Getenv("PNL_TIMEZONE"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			log.Warnf("invalid PNL_TIMEZONE %q, using UTC: %v", tz, err)
		} else {
			s.Location = loc
		}
	}

	if v := os.Getenv("PAYOUT_COMMISSION_PERCENT"); v != "" {
		p, err := decimal.NewFromString(strings.TrimSuffix(strings.TrimSpace(v), "%"))
		if err != nil {
			log.Warnf("invalid PAYOUT_COMMISSION_PERCENT %q: %v", v, err)
		} else {
			s.CommissionPercent = p
		}
	}
	return s
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warnf("invalid %s %q, using %d", key, v, def)
		return def
	}
	return n
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// getDuration accepts Go durations ("45s") or plain seconds ("45").
func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	log.Warnf("invalid %s %q, using %v", key, v, def)
	return def
}
