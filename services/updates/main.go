// The updates service is a standalone fanout worker: it consumes the
// service-update stream and pushes frames to the private channels of live
// connections. Deploy extra instances when fanout lags behind.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sportlevel/messenger/internal/config"
	"github.com/sportlevel/messenger/internal/counters"
	"github.com/sportlevel/messenger/internal/handler"
	"github.com/sportlevel/messenger/internal/logger"
	"github.com/sportlevel/messenger/internal/registry"
	"github.com/sportlevel/messenger/internal/startup"
	"github.com/sportlevel/messenger/internal/storage/postgres"
	"github.com/sportlevel/messenger/internal/updates"
)

func main() {
	logger.SetPrefix("updates")
	flag.Parse()

	logger.Info("starting updates service")
	cfg := config.Load()

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 2

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
	defer pool.Close()

	b := startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second, "")
	defer b.Close()

	store := postgres.New(pool)
	reg := registry.New(b)
	cnt := counters.New(b, store, cfg.CounterTTL)
	dispatcher := updates.NewDispatcher(b, reg, cfg.DispatchInflight, 0)
	fanout := updates.NewHandlers(store, cnt, reg, dispatcher, b)
	listener := updates.NewListener(b, consumerName(), fanout.Table(), cfg.OverflowLimit)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Criticalf("listener: %v", err)
		}
	}()

	// Health probe only; this process serves no client traffic.
	healthH := handler.NewHealthHandler(store, b)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthH.Health)
	srv := &http.Server{Addr: cfg.ServerAddr, Handler: mux, ReadTimeout: cfg.ReadTimeout}
	go func() {
		logger.Infof("health endpoint on %s", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("health server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	cancel()
	wg.Wait()
	logger.Info("listener stopped")
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "updates"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
