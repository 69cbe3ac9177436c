package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"openfms/atlgateway/internal/config"
	"openfms/atlgateway/internal/observability"
	"openfms/atlgateway/internal/publisher"
	"openfms/atlgateway/internal/registry"
	"openfms/atlgateway/internal/server"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := observability.InitLogger("atl-gateway", cfg.GatewayID, cfg.LogLevel, cfg.LogFormat)
	logger.Info().Int("port", cfg.GatewayPort).Int("http_port", cfg.HTTPPort).Msg("starting ATL gateway")

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisURL,
		DB:   0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	logger.Info().Msg("connected to Redis")
	defer redisClient.Close()

	// Connect to NATS
	natsConn, err := nats.Connect(cfg.NATSURL, nats.Name("atl-gateway-"+cfg.GatewayID))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to NATS")
	}
	logger.Info().Msg("connected to NATS")
	defer natsConn.Close()

	var pub publisher.Publisher = publisher.NewNATSPublisher(natsConn)
	if cfg.JetStreamEnabled {
		jsPub, err := publisher.NewJetStreamPublisher(natsConn)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to set up JetStream")
		}
		pub = jsPub
		logger.Info().Str("stream", publisher.StreamLocations).Msg("JetStream persistence enabled")
	}

	store := registry.NewRedisStore(redisClient, cfg.SessionTTL())

	// Create and start TCP server
	tcpServer := server.NewTCPServer(cfg, store, pub, natsConn, logger)
	if err := tcpServer.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start TCP server")
	}
	logger.Info().Msg("server started successfully")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info().Msg("shutting down...")

	tcpServer.Stop()
	logger.Info().Msg("server stopped")
}
