// File: metrics/metrics.go
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Gateway Metrics
	GatewayState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_state",
		Help: "The current connection state of the gateway client (see gateway.State).",
	})
	ConnectionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_connections_opened_total",
		Help: "The total number of gateway connections opened.",
	})
	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_reconnects_total",
		Help: "The total number of scheduled reconnects, by reason.",
	}, []string{"reason"})
	Handshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_handshakes_total",
		Help: "The total number of handshake frames sent, by kind.",
	}, []string{"kind"})
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_frames_received_total",
		Help: "The total number of frames received from the gateway, by opcode.",
	}, []string{"op"})
	HeartbeatsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_heartbeats_sent_total",
		Help: "The total number of heartbeat frames sent.",
	})

	// Token Metrics
	TokenAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "token_acquisitions_total",
		Help: "The total number of access token acquisitions, by result.",
	}, []string{"result"})

	// Dispatch Metrics
	DispatchDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_events_dropped_total",
		Help: "The total number of business events dropped before dispatch, by reason.",
	}, []string{"reason"})
	CommandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commands_executed_total",
		Help: "The total number of command executions, by result.",
	}, []string{"result"})
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "messages_sent_total",
		Help: "The total number of outbound messages, by result.",
	}, []string{"result"})

	// Broker Metrics
	BrokerMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_messages_published_total",
		Help: "The total number of messages published to the message broker.",
	}, []string{"broker_type"})
	BrokerPublishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_publish_retries_total",
		Help: "The total number of retries when publishing to the message broker.",
	}, []string{"broker_type"})
)

// StartServer starts the HTTP server for Prometheus metrics.
func StartServer(port int, path string, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: mux}
	log.Info().Str("addr", addr).Str("path", path).Msg("starting metrics server")

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	return srv
}
