package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"coinarb/internal/api"
	"coinarb/internal/config"
	"coinarb/pkg/utils"
)

func main() {
	var (
		debug      = flag.Bool("debug", false, "synthetic order fills, no orders are sent to venues")
		logLevel   = flag.String("log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
		configPath = flag.String("config", "", "override TRADING_CONFIG path")
		envFile    = flag.String("env", ".env", "dotenv file to load before reading the environment")

		tokenToHash     = flag.String("hash-token", "", "print bcrypt hash of the token for API_TOKEN_HASH and exit")
		secretToEncrypt = flag.String("encrypt-secret", "", "print enc: value of the secret using ENCRYPTION_KEY and exit")
	)
	flag.Parse()

	if err := config.LoadEnvFiles(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "load env: %v\n", err)
		os.Exit(1)
	}

	// Служебные команды не требуют полной конфигурации
	switch {
	case *tokenToHash != "":
		if err := hashToken(os.Stdout, *tokenToHash); err != nil {
			fmt.Fprintf(os.Stderr, "hash token: %v\n", err)
			os.Exit(1)
		}
		return
	case *secretToEncrypt != "":
		if err := encryptSecret(os.Stdout, *secretToEncrypt, os.Getenv("ENCRYPTION_KEY")); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt secret: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Engine.Debug = true
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *configPath != "" {
		cfg.Engine.TradingConfig = *configPath
	}

	logger := utils.InitGlobalLogger(cfg.Logging.LogConfig())
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("coinarb stopped with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("coinarb exited")
}

func run(cfg *config.Config, logger *utils.Logger) error {
	trading, err := config.LoadTrading(cfg.Engine.TradingConfig)
	if err != nil {
		return err
	}

	// Журнал сделок
	var db *sql.DB
	if cfg.Database.Enabled() {
		db, err = initDatabase(cfg)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		logger.Info("connected to database", zap.String("dsn", cfg.Database.DSNWithoutPassword()))
	} else {
		logger.Warn("DB_HOST not set, trade journal disabled")
	}

	eng, err := newEngine(cfg, trading, db, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.open(ctx); err != nil {
		return err
	}

	// HTTP сервер
	router := api.SetupRoutes(&api.Dependencies{
		VenueService:        eng.venues,
		TradeService:        eng.trades,
		NotificationService: eng.notifications,
		Stream:              eng.hub.ServeWS,
		TokenHash:           cfg.Security.APITokenHash,
		CORSOrigins:         cfg.Server.CORSOrigins,
		Logger:              logger.WithComponent("api"),
	})
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	eng.start(gctx, g)

	g.Go(func() error {
		logger.Info("starting server", zap.String("addr", server.Addr), zap.Bool("https", cfg.Server.UseHTTPS))
		var err error
		if cfg.Server.UseHTTPS {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		eng.stopAgents(cfg.Engine.ShutdownWait)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownWait)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// initDatabase создает подключение к базе данных и схему журнала
func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	// Проверка подключения
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
