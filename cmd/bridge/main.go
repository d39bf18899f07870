package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/terminal-bench/seedbridge/internal/auth"
	"github.com/terminal-bench/seedbridge/internal/batch"
	"github.com/terminal-bench/seedbridge/internal/bridge"
	"github.com/terminal-bench/seedbridge/internal/chain"
	"github.com/terminal-bench/seedbridge/internal/config"
	"github.com/terminal-bench/seedbridge/internal/gateway"
	"github.com/terminal-bench/seedbridge/internal/ledger"
	"github.com/terminal-bench/seedbridge/internal/metrics"
	"github.com/terminal-bench/seedbridge/internal/security"
	"github.com/terminal-bench/seedbridge/pkg/messaging"
)

func main() {
	cfg := config.Load()

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})

	msgClient, err := messaging.NewClient(messaging.Config{
		URL:            cfg.NATSURL,
		Name:           "bridge-service",
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

	queue := batch.NewRedisQueue(rdb)
	aggregator := batch.NewAggregator(queue, orchestrator, batch.Config{
		MaxSize: cfg.BatchMaxSize,
		MaxWait: cfg.BatchMaxWait,
	})
	orchestrator.SetBatcher(aggregator)

	authSvc := auth.NewService(cfg.JWTSecret, 0)

	gw := gateway.New(orchestrator, ledgerSvc, breaker, secStore, gate, aggregator, registry, authSvc, msgClient)
	if err := gw.StartStream(); err != nil {
		log.Fatalf("Failed to start security event stream: %v", err)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: gw.Router(),
	}

	go func() {
		log.Printf("bridge service listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	msgClient.Drain()
	msgClient.Close()
	db.Close()
}
