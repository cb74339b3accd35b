// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv     string `env:"APP_ENV" envDefault:"dev"`
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8000"`
	// MaxWorkers caps the number of concurrently connected worker agents.
	// Registration beyond the cap is refused with capacity exhausted.
	MaxWorkers int `env:"MAX_WORKERS" envDefault:"128"`
	// HeartbeatInterval is the cadence of server-initiated heartbeat frames.
	// It must stay below LivenessWindow or healthy workers get evicted.
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"25s"`
	// LivenessWindow is the maximum gap between heartbeat responses before a
	// worker is considered gone.
	LivenessWindow time.Duration `env:"LIVENESS_WINDOW" envDefault:"30s"`
	// ResponseWait bounds how long a dispatch waits for a worker reply.
	ResponseWait time.Duration `env:"RESPONSE_WAIT" envDefault:"120s"`
	// AcquireWait bounds how long a dispatch polls for an idle worker.
	AcquireWait           time.Duration `env:"ACQUIRE_WAIT" envDefault:"10s"`
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	// HTTPWriteTimeout must exceed ResponseWait so slow dispatches can still
	// write their reply.
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"150s"`
	HTTPIdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	OTLPEndpoint     string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName  string        `env:"OTEL_SERVICE_NAME" envDefault:"ai-chat-bridge"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// EvictionTick is the cadence of the stale-worker reaper. Half the liveness
// window guarantees a dead worker is removed within one window of its last
// heartbeat response.
func (c Config) EvictionTick() time.Duration {
	tick := c.LivenessWindow / 2
	if tick <= 0 {
		tick = 15 * time.Second
	}
	return tick
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
