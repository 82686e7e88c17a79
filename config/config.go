package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Bot     BotConfig
	Gateway GatewayConfig
	Logging LoggingConfig
	Metrics MetricsConfig
	Broker  BrokerConfig
	Dedupe  DedupeConfig
}

// BotConfig holds the platform credentials and endpoints.
type BotConfig struct {
	AppID   string
	Secret  string
	Sandbox bool
	Intents int
	AuthURL string
	APIURL  string
}

type GatewayConfig struct {
	ReconnectRequestDelay    int // Milliseconds
	ConnectionClosedDelay    int // Milliseconds
	SetupErrorDelay          int // Milliseconds
	InvalidSessionDelay      int // Milliseconds
	HygieneInterval          int // Seconds
	HandshakeTimeout         int // Seconds
	DefaultHeartbeatInterval int // Milliseconds
	MaxResumeAttempts        int
	DispatchQueueSize        int
	TokenRefreshLead         int // Seconds
	TokenRetryDelay          int // Seconds
	HTTPTimeout              int // Seconds
}

type LoggingConfig struct {
	Level  string
	Pretty bool
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

type BrokerConfig struct {
	Type     string // none, redis or kafka
	Redis    RedisConfig
	Kafka    KafkaConfig
	Channels BrokerChannels
}

type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	PoolTimeout int // Seconds
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
}

type BrokerChannels struct {
	Events  string
	Replies string
}

type DedupeConfig struct {
	Enabled bool
	Store   string // memory or redis; redis reuses broker.redis
	TTL     int    // Seconds
}

func ms(v int) time.Duration  { return time.Duration(v) * time.Millisecond }
func sec(v int) time.Duration { return time.Duration(v) * time.Second }

func (g GatewayConfig) ReconnectRequestDelayDuration() time.Duration { return ms(g.ReconnectRequestDelay) }
func (g GatewayConfig) ConnectionClosedDelayDuration() time.Duration { return ms(g.ConnectionClosedDelay) }
func (g GatewayConfig) SetupErrorDelayDuration() time.Duration       { return ms(g.SetupErrorDelay) }
func (g GatewayConfig) InvalidSessionDelayDuration() time.Duration   { return ms(g.InvalidSessionDelay) }
func (g GatewayConfig) HygieneIntervalDuration() time.Duration       { return sec(g.HygieneInterval) }
func (g GatewayConfig) HandshakeTimeoutDuration() time.Duration      { return sec(g.HandshakeTimeout) }
func (g GatewayConfig) DefaultHeartbeatDuration() time.Duration      { return ms(g.DefaultHeartbeatInterval) }
func (g GatewayConfig) TokenRefreshLeadDuration() time.Duration      { return sec(g.TokenRefreshLead) }
func (g GatewayConfig) TokenRetryDelayDuration() time.Duration       { return sec(g.TokenRetryDelay) }
func (g GatewayConfig) HTTPTimeoutDuration() time.Duration           { return sec(g.HTTPTimeout) }

var (
	instance *AppConfig
	once     sync.Once
)

// Initialize loads the process-wide configuration once.
func Initialize(env string) error {
	var initErr error
	once.Do(func() {
		instance, initErr = Load(env, "./configs", ".")
	})
	return initErr
}

func Get() *AppConfig {
	return instance
}

// Load reads config.<env>.yaml from the first matching path, overlays
// QQBOT_* environment variables and validates the result. A missing file
// is not an error: defaults and environment are enough to run.
func Load(env string, paths ...string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("QQBOT")

	setDefaults(v)
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config file error: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}
