// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/arena/internal/auth"
	"github.com/jason-s-yu/arena/internal/cache"
	"github.com/jason-s-yu/arena/internal/channel"
	"github.com/jason-s-yu/arena/internal/config"
	"github.com/jason-s-yu/arena/internal/coordinator"
	"github.com/jason-s-yu/arena/internal/database"
	"github.com/jason-s-yu/arena/internal/directory"
	"github.com/jason-s-yu/arena/internal/handlers"
	"github.com/jason-s-yu/arena/internal/pubsub"
	"github.com/jason-s-yu/arena/internal/store"
	"github.com/jason-s-yu/arena/internal/wallet"
	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// devWalletBalance funds every user of the in-memory wallet.
const devWalletBalance = 100_000

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)
	if cfg.IsProd() {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

func newSessions(cfg *config.Config) (*auth.Sessions, error) {
	if cfg.PrivateKeyPath != "" && cfg.PublicKeyPath != "" {
		return auth.NewSessionsFromPath(cfg.PrivateKeyPath, cfg.PublicKeyPath, cfg.TokenExpire)
	}
	return auth.NewSessions(cfg.TokenExpire)
}

func main() {
	cfg := config.MustLoad()
	logger := newLogger(cfg)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("server exited")
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		rows   store.RoomStore
		funds  wallet.Wallet
		pool   *pgxpool.Pool
		rdb    *redis.Client
		broker pubsub.Broker
		err    error
	)

	switch cfg.StoreBackend {
	case "postgres":
		pool, err = database.ConnectDB(ctx, cfg.Postgres, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			return err
		}
		rows = store.NewPostgres(pool, logger)
		funds = wallet.NewPostgres(pool)
	default:
		logger.Warn("using in-memory room store; state is lost on restart")
		rows = store.NewMemory(logger)
		funds = wallet.NewMemory(devWalletBalance)
	}

	switch cfg.BrokerBackend {
	case "redis":
		rdb, err = cache.ConnectRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		broker = pubsub.NewRedis(rdb, logger)
	default:
		logger.Warn("using in-memory broker; rooms do not span instances")
		broker = pubsub.NewMemory(logger)
	}
	defer broker.Close()

	var recorder coordinator.Recorder
	if rdb != nil {
		recorder = cache.NewActionQueue(rdb, cfg.Historian.QueueName)
	}

	sessions, err := newSessions(cfg)
	if err != nil {
		return err
	}

	registry := channel.NewRegistry(broker, rows, cfg.Room.CountdownWindow, logger)
	defer registry.Close()
	dir := directory.New(rows, funds, cfg.Room.DefaultCommission, logger)
	coord := coordinator.New(dir, rows, registry, recorder, coordinator.PolicyFromConfig(cfg.Room), logger)
	defer coord.Close()

	opts := []handlers.Option{handlers.WithOriginPatterns(cfg.AllowedOrigins...)}
	if cfg.IsProd() {
		opts = append(opts, handlers.WithSecureCookies())
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(handlers.NewServer(coord, sessions, cfg.Room, logger, opts...)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("Running on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
