// Package config loads the service configuration from pipeline.yaml
// via viper, with environment overrides for deployment knobs.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/helix-bi/helix/go/pipeline/internal/agent"
	"github.com/helix-bi/helix/go/pipeline/internal/policy"
	"github.com/helix-bi/helix/go/pipeline/internal/trace"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port        int `mapstructure:"port"`
	MetricsPort int `mapstructure:"metrics_port"`
}

// LoggingConfig holds the zap settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CacheConfig holds the idempotency cache settings.
type CacheConfig struct {
	TTLShort    time.Duration `mapstructure:"ttl_short"`
	TTLLong     time.Duration `mapstructure:"ttl_long"`
	MaxEntries  int           `mapstructure:"max_entries"`
	CacheErrors bool          `mapstructure:"cache_errors"`
}

// TimeoutConfig holds the execution deadline settings.
type TimeoutConfig struct {
	Default    time.Duration `mapstructure:"default"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// HistoryConfig holds the context window settings.
type HistoryConfig struct {
	Budget         int    `mapstructure:"budget"`
	PreserveRecent int    `mapstructure:"preserve_recent"`
	ModelFamily    string `mapstructure:"model_family"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	TraceDB   string `mapstructure:"trace_db"`
	QueryDB   string `mapstructure:"query_db"`
	RedisAddr string `mapstructure:"redis_addr"`
}

// SandboxConfig holds code execution settings.
type SandboxConfig struct {
	UseDocker bool   `mapstructure:"use_docker"`
	Image     string `mapstructure:"image"`
}

// SkillsConfig holds the skill library settings.
type SkillsConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// Config is the full service configuration.
type Config struct {
	Server      ServerConfig     `mapstructure:"server"`
	Logging     LoggingConfig    `mapstructure:"logging"`
	Cache       CacheConfig      `mapstructure:"cache"`
	Timeout     TimeoutConfig    `mapstructure:"timeout"`
	History     HistoryConfig    `mapstructure:"history"`
	Storage     StorageConfig    `mapstructure:"storage"`
	Sandbox     SandboxConfig    `mapstructure:"sandbox"`
	Skills      SkillsConfig     `mapstructure:"skills"`
	Agent       agent.Config     `mapstructure:"agent"`
	Policy      policy.Config    `mapstructure:"policy"`
	Tracing     trace.OTLPConfig `mapstructure:"tracing"`
	ModelsFile  string           `mapstructure:"models_file"`
	Transitions string           `mapstructure:"transitions_file"`
	RateLimit   float64          `mapstructure:"rate_limit_per_conversation"`
	RateBurst   int              `mapstructure:"rate_burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.metrics_port", 2112)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("cache.ttl_short", "5m")
	v.SetDefault("cache.ttl_long", "1h")
	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("cache.cache_errors", false)
	v.SetDefault("timeout.default", "30s")
	v.SetDefault("timeout.max_retries", 1)
	v.SetDefault("history.budget", 8000)
	v.SetDefault("history.preserve_recent", 4)
	v.SetDefault("history.model_family", "default")
	v.SetDefault("storage.trace_db", "helix-traces.db")
	v.SetDefault("storage.query_db", "helix-analytics.db")
	v.SetDefault("sandbox.use_docker", false)
	v.SetDefault("sandbox.image", "python:3.12-slim")
	v.SetDefault("skills.dir", "skills")
	v.SetDefault("skills.watch", true)
	v.SetDefault("agent.max_iterations", 20)
	v.SetDefault("policy.enabled", false)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "helix-pipeline")
	v.SetDefault("models_file", "config/models.yaml")
	v.SetDefault("transitions_file", "")
	v.SetDefault("rate_limit_per_conversation", 5)
	v.SetDefault("rate_burst", 10)
}

// Load reads pipeline.yaml from CONFIG_PATH or config/pipeline.yaml. A
// missing file is not an error; defaults and env overrides still apply.
func Load() (*Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/pipeline.yaml"
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if p := os.Getenv("PORT"); p != "" {
		var x int
		if _, err := fmt.Sscanf(p, "%d", &x); err == nil && x > 0 {
			cfg.Server.Port = x
		}
	}
	if p := os.Getenv("METRICS_PORT"); p != "" {
		var x int
		if _, err := fmt.Sscanf(p, "%d", &x); err == nil && x > 0 {
			cfg.Server.MetricsPort = x
		}
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Storage.RedisAddr = addr
	}
	if ep := os.Getenv("OTLP_ENDPOINT"); ep != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.OTLPEndpoint = ep
	}
	if img := os.Getenv("SANDBOX_IMAGE"); img != "" {
		cfg.Sandbox.Image = img
	}
}
