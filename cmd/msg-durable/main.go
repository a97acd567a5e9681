package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"unimart/services/msg-durable/internal/api"
	"unimart/services/msg-durable/internal/batch"
	"unimart/services/msg-durable/internal/breaker"
	"unimart/services/msg-durable/internal/cache"
	"unimart/services/msg-durable/internal/config"
	"unimart/services/msg-durable/internal/db"
	"unimart/services/msg-durable/internal/durable"
	"unimart/services/msg-durable/internal/hub"
	"unimart/services/msg-durable/internal/metrics"
	"unimart/services/msg-durable/internal/oplog"
	"unimart/services/msg-durable/internal/recovery"
	"unimart/services/msg-durable/internal/repo"
	"unimart/services/msg-durable/internal/walfile"
)

var (
	// Version is injected via -ldflags "-X main.Version=..."
	Version = "dev"
)

func main() {
	var cfgPaths string
	flag.StringVar(&cfgPaths, "c", "./config.yml", "config file path (supports: a.yml,b.yml)")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load(cfgPaths)
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}
	log.Info("msg-durable starting",
		zap.String("version", Version),
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("wal_dir", cfg.WAL.Dir),
	)

	metrics.Register()
	if cfg.Metrics.Addr != "" {
		go serveMetrics(cfg.Metrics.Addr, log)
	}

	if err := os.MkdirAll(cfg.WAL.Dir, 0o755); err != nil {
		log.Fatal("wal dir init failed", zap.Error(err))
	}
	wr := walfile.NewWriter(cfg.WAL.LockWait)
	ops := oplog.New(wr, cfg.WAL.Dir+"/"+durable.OperationsFile, log)

	store, err := durable.NewStore(wr, cfg.WAL.Dir, ops, log)
	if err != nil {
		log.Fatal("store init failed", zap.Error(err))
	}
	restored, err := store.Restore()
	if err != nil {
		log.Fatal("queue restore failed", zap.Error(err))
	}
	log.Info("queue restored", zap.Int("pending", restored))

	mysql, err := db.Open(db.Options{
		DSN:          cfg.MySQL.DSN,
		MaxOpenConns: cfg.MySQL.MaxOpenConns,
		MaxIdleConns: cfg.MySQL.MaxIdleConns,
		ConnMaxLife:  cfg.MySQL.ConnMaxLife,
		ConnMaxIdle:  cfg.MySQL.ConnMaxIdle,
		PingTimeout:  cfg.Timeout,
	})
	if err != nil {
		log.Fatal("mysql init failed", zap.Error(err))
	}
	defer mysql.Close()
	primary := repo.NewPrimary(mysql.DB)

	// dedupe fast path is optional; MySQL's unique key stays authoritative
	var dedupe *cache.Store
	if cfg.Redis.Addr != "" {
		dedupe, err = cache.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal("redis init failed", zap.Error(err))
		}
		defer dedupe.Close()
	}

	var brk *breaker.Breaker
	if cfg.Breaker.Enabled {
		brk = breaker.New(breaker.Options{
			Threshold: cfg.Breaker.Threshold,
			Window:    cfg.Breaker.Window,
			OpenFor:   cfg.Breaker.OpenFor,
		})
	}

	var dc batchDedupe
	if dedupe != nil {
		dc = dedupe
	}
	committer := batch.NewWorker(store, primary, dc, brk, wr, ops, log, batch.Options{
		Interval:   cfg.Batch.Interval,
		RunTimeout: cfg.Batch.RunTimeout,
		DedupeTTL:  cfg.Redis.TTL,
		MaxBatch:   cfg.Batch.MaxBatch,
	})
	committer.Start()

	rec := recovery.NewWorker(store, primary, ops, log, recovery.Options{
		Interval:   cfg.Recovery.Interval,
		AckTimeout: cfg.Recovery.AckTimeout,
		MaxRetries: cfg.Recovery.MaxRetries,
	})
	rec.Start()

	h := hub.New()
	retention := time.Duration(cfg.Retention.Days) * 24 * time.Hour
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewServer(store, committer, rec, h, ops, log, retention).Routes(),
		ReadHeaderTimeout: 2 * time.Second,
	}
	go func() {
		log.Info("msg-durable listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = srv.Shutdown(ctx)
	cancel()

	rec.Stop()
	committer.Stop() // runs one final bounded batch
	log.Info("msg-durable stopped")
}

// batchDedupe exists so a nil *cache.Store never hides inside a non-nil
// interface handed to the committer.
type batchDedupe interface {
	Seen(ctx context.Context, msgID, convID string) (bool, error)
	MarkCommitted(ctx context.Context, msgID, convID string, ttl time.Duration) error
}

func serveMetrics(addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}
	log.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("metrics server error", zap.Error(err))
	}
}
