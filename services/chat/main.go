package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sportlevel/messenger/internal/auth"
	"github.com/sportlevel/messenger/internal/broker"
	brokermemory "github.com/sportlevel/messenger/internal/broker/memory"
	"github.com/sportlevel/messenger/internal/chat"
	"github.com/sportlevel/messenger/internal/config"
	"github.com/sportlevel/messenger/internal/counters"
	"github.com/sportlevel/messenger/internal/handler"
	"github.com/sportlevel/messenger/internal/logger"
	"github.com/sportlevel/messenger/internal/presence"
	"github.com/sportlevel/messenger/internal/registry"
	"github.com/sportlevel/messenger/internal/startup"
	"github.com/sportlevel/messenger/internal/storage/postgres"
	"github.com/sportlevel/messenger/internal/transport"
	"github.com/sportlevel/messenger/internal/updates"
	"github.com/sportlevel/messenger/migrations"
)

func main() {
	logger.SetPrefix("chat")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and in-memory broker (no external deps)")
	flag.Parse()

	logger.Info("starting chat service")
	cfg := config.Load()

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
	defer pool.Close()

	runMigrations(pool)
	if *migrate && !*dev {
		return
	}
	logger.Info("database connected, migrations applied")

	var b broker.Broker
	if *dev {
		b = brokermemory.New()
		logger.Info("using in-memory broker")
	} else {
		b = startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second, "")
	}
	defer b.Close()

	secret := cfg.JWTSecret
	if secret == "" {
		secret = "dev-secret"
		logger.Errorf("JWT_SECRET not set, using the development secret")
	}
	authSvc := auth.New(secret)

	store := postgres.New(pool)
	reg := registry.New(b)
	pub := updates.NewStreamPublisher(b)
	pres := presence.New(b, pub, cfg.PresenceTTL)
	cnt := counters.New(b, store, cfg.CounterTTL)

	chatSvc := chat.NewService(store, b, reg, pres, pub, authSvc, chat.Config{
		DebounceWindow: cfg.DebounceWindow,
		UnreadDelay:    cfg.UnreadDelay,
		SnapshotTTL:    cfg.SnapshotTTL,
		AuthLeeway:     cfg.AuthLeeway,
	})

	// The fanout listener also runs in-process; the consumer group spreads
	// the stream across every process that consumes it.
	dispatcher := updates.NewDispatcher(b, reg, cfg.DispatchInflight, 0)
	fanout := updates.NewHandlers(store, cnt, reg, dispatcher, b)
	listener := updates.NewListener(b, consumerName(), fanout.Table(), cfg.OverflowLimit)

	listenerCtx, listenerCancel := context.WithCancel(context.Background())
	var listenerWg sync.WaitGroup
	listenerWg.Add(1)
	go func() {
		defer listenerWg.Done()
		if err := listener.Run(listenerCtx); err != nil && listenerCtx.Err() == nil {
			logger.Criticalf("listener: %v", err)
		}
	}()

	wsH := handler.NewWSHandler(chatSvc, reg, cfg.CORSAllowedOrigins, cfg.MaxConnsPerIP, int64(cfg.WSMaxMessageSize), time.Duration(cfg.WSPongTimeout)*time.Second)
	healthH := handler.NewHealthHandler(store, b)
	statsH := handler.NewStatsHandler(reg)

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      handler.NewRouter(wsH, healthH, statsH, cfg.CORSAllowedOrigins),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")

	// Close every live session with a going-away code so clients reconnect
	// to another instance instead of timing out.
	for _, conn := range reg.LocalConnections() {
		_ = conn.Transport.Close(transport.CloseGoingAway, "server shutting down")
	}

	listenerCancel()
	listenerWg.Wait()
	logger.Info("listener stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "chat"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, name := range migrations.Ordered {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			logger.Errorf("read migration %s: %v", name, err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			logger.Errorf("run migration %s: %v", name, err)
			os.Exit(1)
		}
	}
	logger.Info("migrations applied")
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "messenger"
		password = "messenger_secret"
		database = "messenger"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
