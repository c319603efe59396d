package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"thenmore/internal/api"
	"thenmore/internal/clock"
	"thenmore/internal/config"
	"thenmore/internal/entity"
	"thenmore/internal/events"
	"thenmore/internal/ha"
	"thenmore/internal/store"
	"thenmore/internal/timer"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the timer daemon",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load environment variables
	envErr := godotenv.Load()

	configDir := os.Getenv("CONFIG_DIR")
	if configDir == "" {
		configDir = "."
	}

	logger, err := newLogger(config.DebugEnabled(os.Getenv))
	if err != nil {
		return err
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	cfg, err := config.NewLoader(configDir, logger).Load()
	if err != nil {
		return err
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.Info("Starting thenmore",
		zap.String("url", cfg.HAURL),
		zap.Bool("read_only", cfg.ReadOnly),
		zap.String("store", cfg.Store.Path))

	// Connect to Home Assistant
	client := ha.NewClient(cfg.HAURL, cfg.HAToken, logger)
	if err := client.Connect(); err != nil {
		logger.Error("Failed to connect to Home Assistant", zap.Error(err))
		return err
	}
	defer client.Disconnect()

	gateway := entity.NewHAGateway(client, logger, cfg.ReadOnly)
	if cfg.ReadOnly {
		logger.Info("Running in READ-ONLY mode - no changes will be made to Home Assistant")
	}

	st, err := store.NewSQLiteStore(cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	hub := events.NewHub(cfg.API.AllowedOrigins, logger)
	defer hub.Close()
	publishers := events.Fanout{hub}

	if cfg.MQTT.Broker != "" {
		mqtt := events.NewMQTTPublisher(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.TopicRoot, logger)
		if err := mqtt.Connect(); err != nil {
			logger.Warn("MQTT unavailable, events go to websocket clients only", zap.Error(err))
		} else {
			defer mqtt.Disconnect()
			publishers = append(publishers, mqtt)
		}
	}

	engine := timer.NewEngine(gateway, st, publishers, clock.NewRealClock(), logger, timer.Options{
		StoreKey: cfg.Store.Key,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.RestoreOnStartup(ctx); err != nil {
		logger.Error("Failed to restore timers", zap.Error(err))
	}

	server := api.NewServer(engine, gateway, hub, logger, cfg.API.Port)
	if err := server.Start(); err != nil {
		return err
	}

	logger.Info("Application running. Press Ctrl+C to exit.")
	<-ctx.Done()
	logger.Info("Shutting down...")

	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop API server", zap.Error(err))
	}
	// Before the deferred store and client closes
	engine.Stop()
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
