package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Env string `yaml:"env"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Metrics struct {
		Addr string `yaml:"addr"` // optional second listener; /metrics is on http.addr regardless
	} `yaml:"metrics"`

	MySQL struct {
		DSN          string        `yaml:"dsn"`
		MaxOpenConns int           `yaml:"max_open_conns"`
		MaxIdleConns int           `yaml:"max_idle_conns"`
		ConnMaxLife  time.Duration `yaml:"conn_max_life"`
		ConnMaxIdle  time.Duration `yaml:"conn_max_idle"`
	} `yaml:"mysql"`

	Redis struct {
		Addr     string        `yaml:"addr"` // empty disables the dedupe fast path
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		TTL      time.Duration `yaml:"ttl"` // dedupe key TTL
	} `yaml:"redis"`

	WAL struct {
		Dir      string        `yaml:"dir"`
		LockWait time.Duration `yaml:"lock_wait"`
	} `yaml:"wal"`

	Batch struct {
		Interval   time.Duration `yaml:"interval"`
		RunTimeout time.Duration `yaml:"run_timeout"`
		MaxBatch   int           `yaml:"max_batch"` // max messages per run
	} `yaml:"batch"`

	Recovery struct {
		Interval   time.Duration `yaml:"interval"`
		AckTimeout time.Duration `yaml:"ack_timeout"`
		MaxRetries int           `yaml:"max_retries"`
	} `yaml:"recovery"`

	Retention struct {
		Days int `yaml:"days"`
	} `yaml:"retention"`

	Breaker struct {
		Enabled   bool          `yaml:"enabled"`
		Threshold int           `yaml:"threshold"`
		Window    time.Duration `yaml:"window"`
		OpenFor   time.Duration `yaml:"open_for"`
	} `yaml:"breaker"`

	Timeout time.Duration `yaml:"timeout"` // per primary-store operation
}

// Load supports comma-separated config files: "-c common.yml,msg-durable.yml"
func Load(pathList string) (*Config, error) {
	if strings.TrimSpace(pathList) == "" {
		return nil, errors.New("config path required (e.g. -c ./config.yml or -c common.yml,msg-durable.yml)")
	}

	var c Config
	paths := strings.Split(pathList, ",")
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, err
		}
	}
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8085"
	}
	if c.WAL.Dir == "" {
		c.WAL.Dir = "./data/wal"
	}
	if c.WAL.LockWait == 0 {
		c.WAL.LockWait = 2 * time.Second
	}
	if c.Batch.Interval == 0 {
		c.Batch.Interval = 15 * time.Minute
	}
	if c.Batch.RunTimeout == 0 {
		c.Batch.RunTimeout = 2 * time.Minute
	}
	if c.Batch.MaxBatch <= 0 {
		c.Batch.MaxBatch = 500
	}
	if c.Recovery.Interval == 0 {
		c.Recovery.Interval = 60 * time.Second
	}
	if c.Recovery.AckTimeout == 0 {
		c.Recovery.AckTimeout = 5 * time.Minute
	}
	if c.Recovery.MaxRetries <= 0 {
		c.Recovery.MaxRetries = 10
	}
	if c.Retention.Days <= 0 {
		c.Retention.Days = 30
	}
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = 5
	}
	if c.Breaker.Window == 0 {
		c.Breaker.Window = 30 * time.Second
	}
	if c.Breaker.OpenFor == 0 {
		c.Breaker.OpenFor = 60 * time.Second
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = 24 * time.Hour
	}
	if c.Timeout == 0 {
		c.Timeout = 3 * time.Second
	}
}
