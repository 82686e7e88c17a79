package config

import "github.com/spf13/viper"

func setDefaults(v *viper.Viper) {
	// Bot
	v.SetDefault("bot.sandbox", false)
	v.SetDefault("bot.intents", 1<<25) // GROUP_AND_C2C_EVENT
	v.SetDefault("bot.authURL", "https://bots.qq.com/app/getAppAccessToken")
	v.SetDefault("bot.apiURL", "")

	// Gateway
	v.SetDefault("gateway.reconnectRequestDelay", 0)
	v.SetDefault("gateway.connectionClosedDelay", 3000)
	v.SetDefault("gateway.setupErrorDelay", 5000)
	v.SetDefault("gateway.invalidSessionDelay", 5000)
	v.SetDefault("gateway.hygieneInterval", 3600)
	v.SetDefault("gateway.handshakeTimeout", 30)
	v.SetDefault("gateway.defaultHeartbeatInterval", 45000)
	v.SetDefault("gateway.maxResumeAttempts", 3)
	v.SetDefault("gateway.dispatchQueueSize", 256)
	v.SetDefault("gateway.tokenRefreshLead", 60)
	v.SetDefault("gateway.tokenRetryDelay", 10)
	v.SetDefault("gateway.httpTimeout", 15)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	// Broker
	v.SetDefault("broker.type", "none")
	v.SetDefault("broker.redis.address", "localhost:6379")
	v.SetDefault("broker.redis.db", 0)
	v.SetDefault("broker.redis.poolSize", 20)
	v.SetDefault("broker.redis.poolTimeout", 5)
	v.SetDefault("broker.kafka.groupID", "qqbot-gateway")
	v.SetDefault("broker.channels.events", "bot-events")
	v.SetDefault("broker.channels.replies", "bot-replies")

	// Dedupe
	v.SetDefault("dedupe.enabled", true)
	v.SetDefault("dedupe.store", "memory")
	v.SetDefault("dedupe.ttl", 600)
}
