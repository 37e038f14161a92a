package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the digest pipeline.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Server    ServerConfig    `mapstructure:"server"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// LLMConfig describes the primary provider and the optional fallback.
// Both endpoints speak the OpenAI chat-completions surface; the primary is
// normally a GigaChat-style proxy that accepts a placeholder bearer token.
type LLMConfig struct {
	Provider      string        `mapstructure:"provider"` // gigachat, openrouter
	ProxyURL      string        `mapstructure:"proxy_url"`
	Model         string        `mapstructure:"model"`
	APIKey        string        `mapstructure:"api_key"`
	FallbackURL   string        `mapstructure:"fallback_url"`
	FallbackModel string        `mapstructure:"fallback_model"`
	FallbackKey   string        `mapstructure:"fallback_api_key"`
	Temperature   float64       `mapstructure:"temperature"`
	MaxTokens     int           `mapstructure:"max_tokens"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// PipelineConfig contains per-run pipeline settings.
type PipelineConfig struct {
	MaxMessages int `mapstructure:"max_messages"`
	// Timeouts maps agent name to the per-call LLM timeout. Agents not
	// listed here use the defaults set in setDefaults.
	Timeouts map[string]time.Duration `mapstructure:"timeouts"`
}

// TelemetryConfig contains telemetry and monitoring settings.
type TelemetryConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MetricsPort int  `mapstructure:"metrics_port"`
}

// ServerConfig contains the HTTP boundary settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// AgentTimeout returns the configured timeout for an agent, falling back to
// the analysis default when no override exists.
func (c PipelineConfig) AgentTimeout(agent string) time.Duration {
	if d, ok := c.Timeouts[agent]; ok && d > 0 {
		return d
	}
	return 30 * time.Second
}

// LoadConfig loads configuration from digest_config.yaml and environment
// variables prefixed with DIGESTOR_.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("digest_config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("DIGESTOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	overrideFromEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("general.debug", false)
	viper.SetDefault("general.log_level", "info")

	viper.SetDefault("llm.provider", "gigachat")
	viper.SetDefault("llm.proxy_url", "http://localhost:8090/v1")
	viper.SetDefault("llm.model", "GigaChat-Pro")
	viper.SetDefault("llm.fallback_model", "openai/gpt-4o-mini")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.max_tokens", 2000)
	viper.SetDefault("llm.max_retries", 3)
	viper.SetDefault("llm.retry_delay", "2s")

	viper.SetDefault("pipeline.max_messages", 200)
	viper.SetDefault("pipeline.timeouts.dialogue_assessor", "15s")
	viper.SetDefault("pipeline.timeouts.supervisor_synthesizer", "45s")

	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.metrics_port", 9090)

	viper.SetDefault("server.addr", ":8080")
}

func overrideFromEnv() {
	if key := os.Getenv("DIGESTOR_LLM_API_KEY"); key != "" {
		viper.Set("llm.api_key", key)
	}
	if key := os.Getenv("DIGESTOR_LLM_FALLBACK_API_KEY"); key != "" {
		viper.Set("llm.fallback_api_key", key)
	}
	if url := os.Getenv("LLM_PROXY_URL"); url != "" {
		viper.Set("llm.proxy_url", url)
	}
	if url := os.Getenv("FALLBACK_PROVIDER_URL"); url != "" {
		viper.Set("llm.fallback_url", url)
	}
}

func validateConfig(config *Config) error {
	switch config.LLM.Provider {
	case "gigachat", "openrouter":
	default:
		return fmt.Errorf("unsupported llm provider: %s", config.LLM.Provider)
	}
	if config.LLM.ProxyURL == "" {
		return fmt.Errorf("llm.proxy_url must be set")
	}
	if config.LLM.Model == "" {
		return fmt.Errorf("llm.model must be set")
	}
	if config.Pipeline.MaxMessages <= 0 {
		return fmt.Errorf("pipeline.max_messages must be positive")
	}
	if config.LLM.MaxRetries < 0 {
		return fmt.Errorf("llm.max_retries must not be negative")
	}
	return nil
}
