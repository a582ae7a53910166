package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration 支持 "45s" 这样的字符串，也支持按秒解释的整数
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	s := strings.TrimSpace(value.Value)
	switch value.Tag {
	case "!!int":
		secs, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid duration seconds %q: %w", s, err)
		}
		d.Duration = time.Duration(secs) * time.Second
		return nil
	case "!!null":
		d.Duration = 0
		return nil
	}
	if s == "" {
		d.Duration = 0
		return nil
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dd
	return nil
}

// DashboardConfig is read from dashboard.yaml.
type DashboardConfig struct {
	APIURL       string   `yaml:"api_url"`
	StreamURL    string   `yaml:"stream_url"`
	CacheDir     string   `yaml:"cache_dir"`
	Users        []string `yaml:"users"`
	Debounce     Duration `yaml:"debounce"`
	PullInterval Duration `yaml:"pull_interval"`
	StaleAfter   Duration `yaml:"stale_after"`
	LogFile      string   `yaml:"log_file"`
	LogLevel     string   `yaml:"log_level"`
}

// LoadDashboardConfig reads path and fills defaults.
func LoadDashboardConfig(path string) (*DashboardConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg DashboardConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *DashboardConfig) applyDefaults() {
	if c.APIURL == "" {
		c.APIURL = "http://localhost:8080"
	}
	c.APIURL = strings.TrimSuffix(c.APIURL, "/")
	if c.StreamURL == "" {
		ws := strings.Replace(c.APIURL, "http", "ws", 1)
		c.StreamURL = ws + "/ws/account"
	}
	if c.LogFile == "" {
		c.LogFile = filepath.Join("logs", "dashboard.log")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	users := c.Users[:0]
	for _, u := range c.Users {
		if u = strings.TrimSpace(u); u != "" {
			users = append(users, u)
		}
	}
	c.Users = users
}

func (c *DashboardConfig) validate() error {
	if len(c.Users) == 0 {
		return fmt.Errorf("config: users must not be empty")
	}
	if !strings.HasPrefix(c.StreamURL, "ws://") && !strings.HasPrefix(c.StreamURL, "wss://") {
		return fmt.Errorf("config: stream_url must be ws:// or wss://, got %q", c.StreamURL)
	}
	return nil
}
