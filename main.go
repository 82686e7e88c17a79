package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/abdelmounim-dev/qqbot-gateway/api"
	"github.com/abdelmounim-dev/qqbot-gateway/broker"
	"github.com/abdelmounim-dev/qqbot-gateway/command"
	"github.com/abdelmounim-dev/qqbot-gateway/config"
	"github.com/abdelmounim-dev/qqbot-gateway/dedupe"
	"github.com/abdelmounim-dev/qqbot-gateway/dispatch"
	"github.com/abdelmounim-dev/qqbot-gateway/gateway"
	"github.com/abdelmounim-dev/qqbot-gateway/logging"
	"github.com/abdelmounim-dev/qqbot-gateway/metrics"
	"github.com/abdelmounim-dev/qqbot-gateway/services"
	"github.com/abdelmounim-dev/qqbot-gateway/token"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := environment()
	if err := config.Initialize(env); err != nil {
		// The logger is not configured yet.
		boot := logging.NewWithWriter(os.Stderr, "info")
		boot.Fatal().Err(err).Msg("failed to initialize config")
	}
	cfg := config.Get()

	root := logging.New(cfg.Logging)
	log := logging.Component(root, "main")
	log.Info().Str("env", env).Bool("sandbox", cfg.Bot.Sandbox).Msg("starting bot")

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path, root)
	}

	var redisClient *redis.Client
	if services.NeedsRedis(cfg) {
		var err error
		redisClient, err = services.NewRedisClient(cfg.Broker.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer services.CloseRedisClient(redisClient)
	}

	log.Info().Str("type", cfg.Broker.Type).Msg("initializing message broker")
	messageBroker, err := broker.New(cfg.Broker, redisClient, root)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create message broker")
	}
	if messageBroker != nil {
		defer messageBroker.Close()
	}

	httpClient := &http.Client{Timeout: cfg.Gateway.HTTPTimeoutDuration()}
	tokens := token.NewManager(
		token.Credentials{AppID: cfg.Bot.AppID, Secret: cfg.Bot.Secret},
		token.Options{
			Endpoint:    cfg.Bot.AuthURL,
			HTTPClient:  httpClient,
			RefreshLead: cfg.Gateway.TokenRefreshLeadDuration(),
			RetryDelay:  cfg.Gateway.TokenRetryDelayDuration(),
		},
		root,
	)
	apiClient := api.NewClient(tokens, api.Options{BaseURL: cfg.Bot.APIBaseURL(), HTTPClient: httpClient}, root)

	registry := command.NewRegistry(root)
	command.RegisterBuiltins(registry)

	dispatcher := dispatch.New(registry, apiClient, dispatch.Options{
		QueueSize:      cfg.Gateway.DispatchQueueSize,
		Dedupe:         dedupe.New(cfg.Dedupe, redisClient),
		Broker:         messageBroker,
		EventsChannel:  cfg.Broker.Channels.Events,
		RepliesChannel: cfg.Broker.Channels.Replies,
	}, root)

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Run(ctx)
	}()
	go func() {
		if err := dispatcher.RelayReplies(ctx); err != nil {
			log.Error().Err(err).Msg("reply relay stopped")
		}
	}()

	client := gateway.NewClient(tokens, apiClient, dispatcher, gateway.Options{
		Intents:               cfg.Bot.Intents,
		Dialer:                gateway.NewWebsocketDialer(cfg.Gateway.HTTPTimeoutDuration()),
		ReconnectRequestDelay: cfg.Gateway.ReconnectRequestDelayDuration(),
		ConnectionClosedDelay: cfg.Gateway.ConnectionClosedDelayDuration(),
		SetupErrorDelay:       cfg.Gateway.SetupErrorDelayDuration(),
		InvalidSessionDelay:   cfg.Gateway.InvalidSessionDelayDuration(),
		HygieneInterval:       cfg.Gateway.HygieneIntervalDuration(),
		HandshakeTimeout:      cfg.Gateway.HandshakeTimeoutDuration(),
		DefaultHeartbeat:      cfg.Gateway.DefaultHeartbeatDuration(),
		MaxResumeAttempts:     cfg.Gateway.MaxResumeAttempts,
	}, root)

	// A failed first attempt is retried by the client itself.
	if err := client.Init(ctx); err != nil {
		log.Error().Err(err).Msg("initial gateway connection failed, retrying in background")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	client.Shutdown()
	cancel()

	select {
	case <-dispatchDone:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("timed out waiting for running commands")
	}

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("metrics server shutdown failed")
		}
	}
	log.Info().Msg("bot stopped")
}

// environment names the config file to load, config.<env>.yaml.
func environment() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	return "dev"
}
