package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/potagerlabs/trellis/backend/internal/auth"
	"github.com/potagerlabs/trellis/backend/internal/broadcast"
	"github.com/potagerlabs/trellis/backend/internal/config"
	"github.com/potagerlabs/trellis/backend/internal/database"
	"github.com/potagerlabs/trellis/backend/internal/gateway"
	"github.com/potagerlabs/trellis/backend/internal/identity"
	"github.com/potagerlabs/trellis/backend/internal/logging"
	"github.com/potagerlabs/trellis/backend/internal/registry"
	"github.com/potagerlabs/trellis/backend/internal/server"
	"github.com/potagerlabs/trellis/backend/internal/sync"
	"github.com/potagerlabs/trellis/backend/internal/telemetry"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "trellis-api",
		Short: "Trellis multi-device sync service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for registry and relay (optional)")
	cmd.PersistentFlags().String("kafka-brokers", defaults.GetString("kafka.brokers"), "Comma-separated Kafka brokers for change export (optional)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "kafka.brokers", "kafka-brokers")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
		TokenTTL:      appConfig.AuthTokenTTL,
	})

	identityService, err := identity.NewService(identity.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	syncService, err := sync.NewService(sync.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: sync.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	dispatcher := broadcast.NewDispatcher()
	tracker := telemetry.NewTracker(time.Now)

	var redisClient *redis.Client
	var deviceRegistry registry.Registry = registry.NewMemoryRegistry(time.Now)
	var relay *broadcast.RedisRelay
	if appConfig.RedisAddress != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
		})
		deviceRegistry = registry.NewRedisRegistry(redisClient, time.Now)
		relay = broadcast.NewRedisRelay(redisClient, uuid.NewString(), dispatcher, logger)
	}

	var exporter *broadcast.ChangeExporter
	if len(appConfig.KafkaBrokers) > 0 {
		producer, err := broadcast.NewSyncProducer(appConfig.KafkaBrokers)
		if err != nil {
			return err
		}
		defer producer.Close() //nolint:errcheck
		exporter, err = broadcast.NewChangeExporter(producer, appConfig.KafkaTopic, time.Now)
		if err != nil {
			return err
		}
	}

	queue, err := broadcast.NewDeliveryQueue(broadcast.DeliveryQueueConfig{
		Database: db,
		// A job only succeeds once its target device holds a live session
		// here; until then it stays pending and keeps retrying, which is
		// what carries a change across a device's offline window.
		Deliver: func(ctx context.Context, deviceID sync.DeviceID, change sync.Change) error {
			return dispatcher.DeliverTo(change.UserID, deviceID,
				broadcast.Message{Change: change, PublishedAt: time.Now().UTC()})
		},
		IDProvider:  sync.NewUUIDProvider(),
		Tracker:     tracker,
		Logger:      logger,
		Workers:     appConfig.QueueWorkers,
		MaxAttempts: appConfig.QueueMaxAttempts,
	})
	if err != nil {
		return err
	}

	broadcaster, err := broadcast.NewBroadcaster(broadcast.BroadcasterConfig{
		Dispatcher: dispatcher,
		Queue:      queue,
		Registry:   deviceRegistry,
		Relay:      relay,
		Exporter:   exporter,
		Tracker:    tracker,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	syncGateway, err := gateway.NewGateway(gateway.Config{
		Sync:       syncService,
		Broadcast:  broadcaster,
		Dispatcher: dispatcher,
		Queue:      queue,
		Registry:   deviceRegistry,
		Tracker:    tracker,
		Validator:  tokenManager,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		SyncService:  syncService,
		Broadcaster:  broadcaster,
		Queue:        queue,
		Registry:     deviceRegistry,
		Tracker:      tracker,
		Gateway:      syncGateway,
		Identity:     identityService,
		AdminAPIKey:  appConfig.AdminAPIKey,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go queue.Run(signalCtx)
	if relay != nil {
		go relay.Run(signalCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
