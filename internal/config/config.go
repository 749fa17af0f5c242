package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the R++ bridge server.
type Config struct {
	Port      int
	Version   string
	Broker    BrokerConfig
	MCP       MCPConfig
	Telemetry TelemetryConfig
}

type BrokerConfig struct {
	// RequestTimeout is the reply budget for a dispatched device command.
	RequestTimeout time.Duration
	// HistoryWindow is the number of conversation turns kept per device.
	HistoryWindow int
}

type MCPConfig struct {
	// HealthInterval is the cadence of the tool-server ping sweep.
	HealthInterval time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("RPP_PORT", 5482),
		Version: envStr("RPP_VERSION", "1.0.0"),
		Broker: BrokerConfig{
			RequestTimeout: envDur("RPP_REQUEST_TIMEOUT", 60*time.Second),
			HistoryWindow:  envInt("RPP_HISTORY_WINDOW", 10),
		},
		MCP: MCPConfig{
			HealthInterval: envDur("RPP_MCP_HEALTH_INTERVAL", 30*time.Second),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "rplusplus-bridge"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
