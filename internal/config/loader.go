package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "craftplan.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "CRAFTPLAN_PORT")
	setString(&cfg.Server.CORSOrigin, "CRAFTPLAN_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "CRAFTPLAN_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "CRAFTPLAN_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "CRAFTPLAN_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "CRAFTPLAN_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "CRAFTPLAN_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.CancelBucket, "CRAFTPLAN_CANCEL_BUCKET")
	setDuration(&cfg.NATS.CancelTTL, "CRAFTPLAN_CANCEL_TTL")
	setString(&cfg.LiteLLM.URL, "LITELLM_URL")
	setString(&cfg.LiteLLM.APIKey, "LITELLM_API_KEY")
	setString(&cfg.LiteLLM.Model, "CRAFTPLAN_LLM_MODEL")
	setInt(&cfg.LiteLLM.MaxTokens, "CRAFTPLAN_LLM_MAX_TOKENS")
	setDuration(&cfg.LiteLLM.Timeout, "CRAFTPLAN_LLM_TIMEOUT")
	setString(&cfg.Logging.Level, "CRAFTPLAN_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CRAFTPLAN_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "CRAFTPLAN_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "CRAFTPLAN_BREAKER_TIMEOUT")
	setInt64(&cfg.Cache.MaxBytes, "CRAFTPLAN_CACHE_MAX_BYTES")
	setDuration(&cfg.Cache.ListTTL, "CRAFTPLAN_CACHE_LIST_TTL")
	setDuration(&cfg.Cache.ReportTTL, "CRAFTPLAN_CACHE_REPORT_TTL")
	setString(&cfg.Agent.PlanVersion, "CRAFTPLAN_PLAN_VERSION")
	setDuration(&cfg.Agent.HeartbeatInterval, "CRAFTPLAN_HEARTBEAT_INTERVAL")
	setInt(&cfg.Agent.MaxConcurrentRuns, "CRAFTPLAN_MAX_CONCURRENT_RUNS")
	setFloat64(&cfg.Agent.InputTokenRate, "CRAFTPLAN_INPUT_TOKEN_RATE")
	setFloat64(&cfg.Agent.OutputTokenRate, "CRAFTPLAN_OUTPUT_TOKEN_RATE")
	setBool(&cfg.Telemetry.Enabled, "CRAFTPLAN_OTEL_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "CRAFTPLAN_OTEL_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Agent.HeartbeatInterval <= 0 {
		return errors.New("agent.heartbeat_interval must be > 0")
	}
	if cfg.Agent.MaxConcurrentRuns < 1 {
		return errors.New("agent.max_concurrent_runs must be >= 1")
	}
	if cfg.Agent.InputTokenRate < 0 || cfg.Agent.OutputTokenRate < 0 {
		return errors.New("agent token rates must be >= 0")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
