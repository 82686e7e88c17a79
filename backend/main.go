// Command backend runs the fake bot platform for local development. When
// REDIS_ADDRESS is set it also plays a downstream service: it reads the
// bot's event tap and answers every message event through the reply relay.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/qqbot-gateway/broker"
	"github.com/abdelmounim-dev/qqbot-gateway/dispatch"
	"github.com/abdelmounim-dev/qqbot-gateway/logging"
	"github.com/abdelmounim-dev/qqbot-gateway/platformtest"
)

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func main() {
	log := logging.NewWithWriter(os.Stderr, getEnv("LOG_LEVEL", "info"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := getEnv("LISTEN_ADDRESS", ":8081")
	platform := platformtest.New(platformtest.Options{
		AppID:      getEnv("QQBOT_APP_ID", "dev-app"),
		Secret:     getEnv("QQBOT_SECRET", "dev-secret"),
		SigningKey: []byte(getEnv("SIGNING_KEY", "dev-signing-key")),
	}, log)
	platform.SetBaseURL(getEnv("PUBLIC_URL", "http://localhost"+addr))

	r := chi.NewRouter()
	r.Post("/debug/events/{type}", func(w http.ResponseWriter, r *http.Request) {
		var d json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			http.Error(w, "body must be json", http.StatusBadRequest)
			return
		}
		n := platform.PushAll(chi.URLParam(r, "type"), d)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{"delivered": n})
	})
	r.Get("/debug/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(platform.Messages())
	})
	r.Mount("/", platform.Handler())

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		log.Info().Str("addr", addr).Msg("fake platform listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("fake platform stopped")
		}
	}()

	if redisAddr, ok := os.LookupEnv("REDIS_ADDRESS"); ok {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		defer rdb.Close()
		b := broker.NewRedisBroker(rdb, log)
		defer b.Close()
		go echoEvents(ctx, b, getEnv("EVENTS_CHANNEL", "bot-events"), getEnv("REPLIES_CHANNEL", "bot-replies"), log)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("shutdown signal received")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

// echoEvents answers every message event on the tap with a reply request
// quoting the original content.
func echoEvents(ctx context.Context, b broker.MessageBroker, events, replies string, log zerolog.Logger) {
	messages, err := b.Subscribe(ctx, events)
	if err != nil {
		log.Error().Err(err).Str("channel", events).Msg("failed to subscribe to event tap")
		return
	}
	log.Info().Str("channel", events).Msg("echoing message events")

	for msg := range messages {
		var kind string
		switch msg.Type {
		case dispatch.EventGroupAtMessage:
			kind = "group"
		case dispatch.EventC2CMessage:
			kind = "direct"
		default:
			continue
		}

		var event struct {
			ID      string `json:"id"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Warn().Err(err).Msg("undecodable message event")
			continue
		}

		data, _ := json.Marshal(dispatch.ReplyRequest{
			Kind:     kind,
			TargetID: msg.Key,
			Content:  "echo: " + event.Content,
			ReplyTo:  event.ID,
		})
		if err := b.Publish(ctx, replies, broker.NewMessage("reply", msg.Key, data)); err != nil {
			log.Error().Err(err).Str("target", msg.Key).Msg("failed to publish reply")
		}
	}
}
