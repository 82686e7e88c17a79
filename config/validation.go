package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// APIBaseURL resolves the REST base URL, honouring the sandbox switch when
// no explicit URL is configured.
func (b BotConfig) APIBaseURL() string {
	if b.APIURL != "" {
		return strings.TrimRight(b.APIURL, "/")
	}
	if b.Sandbox {
		return "https://sandbox.api.sgroup.qq.com"
	}
	return "https://api.sgroup.qq.com"
}

func (c *AppConfig) Validate() error {
	if c.Bot.AppID == "" || c.Bot.Secret == "" {
		return errors.New("bot.appID and bot.secret must be set")
	}
	if c.Bot.AuthURL == "" {
		return errors.New("bot.authURL must be set")
	}
	if c.Bot.Intents <= 0 {
		return errors.New("bot.intents must be positive")
	}

	g := c.Gateway
	if g.ReconnectRequestDelay < 0 || g.ConnectionClosedDelay < 0 || g.SetupErrorDelay < 0 || g.InvalidSessionDelay < 0 {
		return errors.New("gateway reconnect delays must not be negative")
	}
	if g.HygieneInterval < 1 {
		return errors.New("gateway.hygieneInterval must be at least 1 second")
	}
	if g.HandshakeTimeout < 1 {
		return errors.New("gateway.handshakeTimeout must be at least 1 second")
	}
	if g.DefaultHeartbeatInterval < 1 {
		return errors.New("gateway.defaultHeartbeatInterval must be positive")
	}
	if g.MaxResumeAttempts < 1 {
		return errors.New("gateway.maxResumeAttempts must be at least 1")
	}
	if g.DispatchQueueSize < 1 {
		return errors.New("gateway.dispatchQueueSize must be positive")
	}
	if g.TokenRefreshLead < 0 || g.TokenRetryDelay < 1 {
		return errors.New("token refresh lead must not be negative and retry delay must be at least 1 second")
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.New("invalid metrics port")
	}

	switch strings.ToLower(c.Broker.Type) {
	case "", "none":
	case "redis":
		if c.Broker.Redis.Address == "" {
			return errors.New("redis address must be specified for redis broker")
		}
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers must be specified for kafka broker")
		}
		if c.Broker.Kafka.GroupID == "" {
			return errors.New("kafka groupID must be specified for kafka broker")
		}
	default:
		return fmt.Errorf("invalid broker type: %s. Must be 'none', 'redis' or 'kafka'", c.Broker.Type)
	}
	if !strings.EqualFold(c.Broker.Type, "none") && c.Broker.Type != "" {
		if c.Broker.Channels.Events == "" || c.Broker.Channels.Replies == "" {
			return errors.New("broker channels must be configured")
		}
	}

	if c.Dedupe.Enabled {
		if c.Dedupe.TTL < 1 {
			return errors.New("dedupe.ttl must be at least 1 second")
		}
		switch strings.ToLower(c.Dedupe.Store) {
		case "", "memory":
		case "redis":
			if c.Broker.Redis.Address == "" {
				return errors.New("redis address must be specified for redis dedupe store")
			}
		default:
			return fmt.Errorf("invalid dedupe store: %s. Must be 'memory' or 'redis'", c.Dedupe.Store)
		}
	}

	return nil
}

func bindEnvVars(v *viper.Viper) {
	// Bot
	v.BindEnv("bot.appID", "QQBOT_APP_ID")
	v.BindEnv("bot.secret", "QQBOT_SECRET")
	v.BindEnv("bot.sandbox", "QQBOT_SANDBOX")
	v.BindEnv("bot.authURL", "QQBOT_AUTH_URL")
	v.BindEnv("bot.apiURL", "QQBOT_API_URL")

	// Logging
	v.BindEnv("logging.level", "QQBOT_LOG_LEVEL")
	v.BindEnv("logging.pretty", "QQBOT_LOG_PRETTY")

	// Metrics
	v.BindEnv("metrics.enabled", "QQBOT_METRICS_ENABLED")
	v.BindEnv("metrics.port", "QQBOT_METRICS_PORT")

	// Broker
	v.BindEnv("broker.type", "QQBOT_BROKER_TYPE")
	v.BindEnv("broker.redis.address", "QQBOT_REDIS_ADDRESS")
	v.BindEnv("broker.redis.password", "QQBOT_REDIS_PASSWORD")
	v.BindEnv("broker.kafka.brokers", "QQBOT_KAFKA_BROKERS")
	v.BindEnv("broker.kafka.groupID", "QQBOT_KAFKA_GROUPID")

	// Dedupe
	v.BindEnv("dedupe.enabled", "QQBOT_DEDUPE_ENABLED")
	v.BindEnv("dedupe.store", "QQBOT_DEDUPE_STORE")
}
