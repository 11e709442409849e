// cmd/historian/main.go drains the room action queue into Postgres and ends
// rooms that have been idle past ROOM_INACTIVITY_TIMEOUT.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jason-s-yu/arena/internal/cache"
	"github.com/jason-s-yu/arena/internal/config"
	"github.com/jason-s-yu/arena/internal/database"
	"github.com/jason-s-yu/arena/internal/historian"
	"github.com/jason-s-yu/arena/internal/models"
	"github.com/jason-s-yu/arena/internal/store"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg := config.MustLoad()
	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if cfg.IsProd() {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.ConnectDB(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.WithError(err).Fatal("database unavailable")
	}
	defer pool.Close()
	if err := database.Migrate(ctx, pool); err != nil {
		logger.WithError(err).Fatal("migration failed")
	}

	rdb, err := cache.ConnectRedis(ctx, cfg.Redis)
	if err != nil {
		logger.WithError(err).Fatal("redis unavailable")
	}
	defer rdb.Close()

	rows := store.NewPostgres(pool, logger)
	svc := historian.New(
		cache.NewActionQueue(rdb, cfg.Historian.QueueName),
		historian.NewPostgresSink(pool),
		historian.NewRowExpirer(rows, models.EndReasonTimeout, cfg.Historian.InactivityTimeout),
		cfg.Historian,
		logger,
	)

	active, err := rows.ListActiveRooms(ctx)
	if err != nil {
		logger.WithError(err).Warn("could not seed active rooms")
	}
	svc.Seed(active)

	if err := svc.Run(ctx); err != nil {
		logger.WithError(err).Error("historian stopped with error")
	}
	logger.Info("Historian shutdown complete.")
}
