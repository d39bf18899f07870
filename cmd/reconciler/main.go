package main

import (
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/terminal-bench/seedbridge/internal/bridge"
	"github.com/terminal-bench/seedbridge/internal/chain"
	"github.com/terminal-bench/seedbridge/internal/config"
	"github.com/terminal-bench/seedbridge/internal/ledger"
	"github.com/terminal-bench/seedbridge/internal/metrics"
	"github.com/terminal-bench/seedbridge/internal/reconcile"
	"github.com/terminal-bench/seedbridge/internal/security"
	"github.com/terminal-bench/seedbridge/pkg/messaging"
)

func main() {
	cfg := config.Load()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})

	msgClient, err := messaging.NewClient(messaging.Config{
		URL:            cfg.NATSURL,
		Name:           "bridge-reconciler",
		ReconnectWait:  time.Second,
		MaxReconnects:  5,
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}

	recorder := metrics.NewRecorder(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
	defer recorder.Close()

	registry := chain.NewRegistry()
	registry.Register(chain.Config{
		ID:              "devnet",
		MinAmount:       decimal.NewFromInt(1),
		Fee:             decimal.NewFromFloat(0.5),
		UrgentThreshold: decimal.NewFromInt(1000),
		Adapter:         chain.NewDevnet("devnet", 2*time.Second, msgClient),
	})

	ledgerSvc := ledger.NewLedger(db, msgClient)
	secStore := security.NewStore(db)
	breaker := security.NewRedisBreaker(rdb)
	gate := security.NewGate(breaker, secStore, msgClient, recorder, security.Limits{
		MaxTxAmount:    cfg.MaxTxAmount,
		HourlyTxLimit:  cfg.HourlyTxLimit,
		DailyTxLimit:   cfg.DailyTxLimit,
		HourlyVolume:   cfg.HourlyVolume,
		DailyVolume:    cfg.DailyVolume,
		MinTxInterval:  cfg.MinTxInterval,
		AutoBlockScore: cfg.AutoBlockScore,
		ReviewScore:    cfg.ReviewScore,
	})

	txStore := bridge.NewStore(db)
	orchestrator := bridge.NewOrchestrator(db, ledgerSvc, txStore, gate, registry, nil, msgClient, recorder, bridge.Config{
		MaxAttempts:  cfg.MaxAttempts,
		RetryBackoff: cfg.RetryBackoff,
	})

	reconciler := reconcile.NewReconciler(orchestrator)
	if err := reconciler.Start(msgClient); err != nil {
		log.Fatalf("Failed to subscribe to chain events: %v", err)
	}
	log.Println("reconciler consuming chain events")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	msgClient.Drain()
	msgClient.Close()
	db.Close()
}
