// Package aggregatorconfig loads the aggregator process's configuration,
// following the same viper + mapstructure shape as agentconfig.
package aggregatorconfig

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the aggregator reads at startup.
type Config struct {
	IngestListen       string        `mapstructure:"ingestListen"`
	AdminListen        string        `mapstructure:"adminListen"`
	AuthToken          string        `mapstructure:"authToken"`
	LogFormat          string        `mapstructure:"logFormat"`
	BufferCapacity     int           `mapstructure:"bufferCapacity"`
	RingBackpressure   bool          `mapstructure:"ringBackpressure"`
	MaxPayloadBytes    int           `mapstructure:"maxPayloadBytes"`
	PendingQueueDir    string        `mapstructure:"pendingQueueDir"`
	PendingQueueCap    int           `mapstructure:"pendingQueueCap"`
	FlushBatchRows     int           `mapstructure:"flushBatchRows"`
	FlushInterval      time.Duration `mapstructure:"flushInterval"`
	ClickHouseAddr     string        `mapstructure:"clickhouseAddr"`
	ClickHouseDatabase string        `mapstructure:"clickhouseDatabase"`
	ClickHouseUser     string        `mapstructure:"clickhouseUser"`
	ClickHousePassword string        `mapstructure:"clickhousePassword"`
	DegradedThreshold  float64       `mapstructure:"degradedThreshold"`
}

// Load reads configuration from environment variables (and, if present, a
// config file at path), applying spec.md §6's documented defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	if path != "" {
		v.AddConfigPath(path)
		v.SetConfigName("aggregator")
		v.SetConfigType("json")
	}

	v.SetDefault("ingestListen", "0.0.0.0:4317")
	v.SetDefault("adminListen", "0.0.0.0:9090")
	v.SetDefault("logFormat", "text")
	v.SetDefault("bufferCapacity", 10_000)
	v.SetDefault("ringBackpressure", false)
	v.SetDefault("maxPayloadBytes", 8<<20)
	v.SetDefault("pendingQueueDir", "/var/lib/aperture/pending")
	v.SetDefault("pendingQueueCap", 50_000)
	v.SetDefault("flushBatchRows", 1000)
	v.SetDefault("flushInterval", 500*time.Millisecond)
	v.SetDefault("clickhouseDatabase", "aperture")
	v.SetDefault("degradedThreshold", 10.0)

	v.BindEnv("ingestListen", "INGEST_LISTEN")
	v.BindEnv("adminListen", "ADMIN_LISTEN")
	v.BindEnv("authToken", "AUTH_TOKEN")
	v.BindEnv("logFormat", "LOG_FORMAT")
	v.BindEnv("bufferCapacity", "BUFFER_CAPACITY")
	v.BindEnv("ringBackpressure", "RING_BACKPRESSURE")
	v.BindEnv("clickhouseAddr", "CLICKHOUSE_ADDR")
	v.BindEnv("clickhouseDatabase", "CLICKHOUSE_DATABASE")
	v.BindEnv("clickhouseUser", "CLICKHOUSE_USER")
	v.BindEnv("clickhousePassword", "CLICKHOUSE_PASSWORD")
	v.AutomaticEnv()

	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
