package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	OpenRouter OpenRouterConfig `yaml:"openrouter" mapstructure:"openrouter"`
	Routing    RoutingConfig    `yaml:"routing" mapstructure:"routing"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Clarify    ClarifyConfig    `yaml:"clarify" mapstructure:"clarify"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	HaikuModel  string `yaml:"haiku_model" mapstructure:"haiku_model"`
	SonnetModel string `yaml:"sonnet_model" mapstructure:"sonnet_model"`
}

// OpenRouterConfig holds OpenRouter API settings.
type OpenRouterConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// RoutingConfig points at the task-routing rules file.
type RoutingConfig struct {
	ConfigPath string `yaml:"config_path" mapstructure:"config_path"`
}

// PipelineConfig configures extraction behavior.
type PipelineConfig struct {
	BatchWidth     int     `yaml:"batch_width" mapstructure:"batch_width"`
	MaxChunkBytes  int     `yaml:"max_chunk_bytes" mapstructure:"max_chunk_bytes"`
	Tolerance      float64 `yaml:"tolerance" mapstructure:"tolerance"`
	PauseOnClarify bool    `yaml:"pause_on_clarify" mapstructure:"pause_on_clarify"`
	EventBuffer    int     `yaml:"event_buffer" mapstructure:"event_buffer"`
}

// ClarifyConfig holds the confidence cutoffs for the clarification surface.
type ClarifyConfig struct {
	AutoAccept    float64 `yaml:"auto_accept" mapstructure:"auto_accept"`
	Suggest       float64 `yaml:"suggest" mapstructure:"suggest"`
	LowConfidence float64 `yaml:"low_confidence" mapstructure:"low_confidence"`
}

// ServerConfig configures the API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DILIGENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.haiku_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.sonnet_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("openrouter.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("openrouter.model", "google/gemini-2.5-flash")
	v.SetDefault("routing.config_path", "routing.yaml")
	v.SetDefault("pipeline.batch_width", 4)
	v.SetDefault("pipeline.max_chunk_bytes", 24576)
	v.SetDefault("pipeline.tolerance", 0.01)
	v.SetDefault("pipeline.pause_on_clarify", false)
	v.SetDefault("pipeline.event_buffer", 256)
	v.SetDefault("clarify.auto_accept", 0.90)
	v.SetDefault("clarify.suggest", 0.75)
	v.SetDefault("clarify.low_confidence", 0.70)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
