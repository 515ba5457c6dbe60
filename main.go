// main.go
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"otp-dispatcher/cmd"
	"otp-dispatcher/internal/adaptor"
	"otp-dispatcher/internal/data/repository"
	"otp-dispatcher/internal/wire"
	"otp-dispatcher/pkg/broker"
	"otp-dispatcher/pkg/cache"
	"otp-dispatcher/pkg/database"
	"otp-dispatcher/pkg/mailer"
	"otp-dispatcher/pkg/utils"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load config
	config, err := utils.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger, err := utils.InitLogger(config.App.LogPath, config.App.Debug)
	if err != nil {
		log.Printf("Failed to init logger: %v. Using standard log.", err)
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync()

	logger.Info("Starting application",
		zap.String("app", config.App.Name),
		zap.String("port", config.App.Port),
		zap.String("store", config.App.StoreDriver),
		zap.String("claims", config.App.ClaimDriver),
		zap.String("mail_provider", config.Mail.Provider),
		zap.Bool("debug", config.App.Debug),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Idempotency store
	var db database.PgxIface
	if config.App.StoreDriver == "postgres" {
		db, err = database.InitDB(ctx, config.Database)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		if err := database.EnsureSchema(ctx, db); err != nil {
			logger.Fatal("Failed to prepare schema", zap.Error(err))
		}
		logger.Info("Database connected successfully")
	}

	// Claim store
	var claims *cache.Cache
	if config.App.ClaimDriver == "redis" {
		rdb, err := cache.Connect(ctx, config.Redis)
		if err != nil {
			logger.Fatal("Failed to connect to redis", zap.Error(err))
		}
		defer rdb.Close()

		claims = cache.New(rdb)
		logger.Info("Redis connected successfully", zap.String("addr", config.Redis.Addr))
	}

	repos := repository.NewRepository(db, claims, logger)

	m, err := mailer.FromConfig(config.Mail)
	if err != nil {
		logger.Fatal("Failed to init mailer", zap.Error(err))
	}

	// Wire all dependencies
	app := wire.Wiring(repos, m, config, logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return cmd.APIServer(ctx, app.Router, config.App.Port, logger)
	})

	g.Go(func() error {
		return cmd.Janitor(ctx, app, config.Dispatch.JanitorInterval, logger)
	})

	if len(config.Kafka.Brokers) > 0 {
		reader := broker.NewReader(config.Kafka, logger)
		defer reader.Close()

		var results adaptor.MessageWriter
		if writer := broker.NewWriter(config.Kafka, logger); writer != nil {
			defer writer.Close()
			results = writer
		}

		consumer := adaptor.NewOTPConsumer(reader, results, app.Service.Dispatch, logger)
		g.Go(func() error {
			return consumer.Run(ctx)
		})

		logger.Info("Kafka consumer enabled",
			zap.Strings("brokers", config.Kafka.Brokers),
			zap.String("topic", config.Kafka.Topic),
		)
	}

	if err := g.Wait(); err != nil {
		logger.Fatal("Shutting down with error", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}
