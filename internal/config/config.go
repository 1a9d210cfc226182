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
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	OpenAI   OpenAIConfig   `yaml:"openai" mapstructure:"openai"`
	Crawl    CrawlConfig    `yaml:"crawl" mapstructure:"crawl"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int    `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int    `yaml:"min_conns" mapstructure:"min_conns"`
}

// OpenAIConfig holds API credentials and model selection. Stored settings
// override the key and model at refresh time; these act as fallbacks.
type OpenAIConfig struct {
	APIKey         string `yaml:"api_key" mapstructure:"api_key"`
	Model          string `yaml:"model" mapstructure:"model"`
	BaseURL        string `yaml:"base_url" mapstructure:"base_url"`
	EmbeddingModel string `yaml:"embedding_model" mapstructure:"embedding_model"`
	Stream         bool   `yaml:"stream" mapstructure:"stream"`
}

// CrawlConfig configures the headless-browser crawl.
type CrawlConfig struct {
	SettleBudgetSecs int `yaml:"settle_budget_secs" mapstructure:"settle_budget_secs"`
	SettlePollMillis int `yaml:"settle_poll_millis" mapstructure:"settle_poll_millis"`
}

// PipelineConfig tunes the refresh pass.
type PipelineConfig struct {
	Workers         int `yaml:"workers" mapstructure:"workers"`
	ChunkChars      int `yaml:"chunk_chars" mapstructure:"chunk_chars"`
	MaxExtractChars int `yaml:"max_extract_chars" mapstructure:"max_extract_chars"`
	DedupWindowDays int `yaml:"dedup_window_days" mapstructure:"dedup_window_days"`
	FeedbackLimit   int `yaml:"feedback_limit" mapstructure:"feedback_limit"`
	EmbedMaxChars   int `yaml:"embed_max_chars" mapstructure:"embed_max_chars"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Validate checks the configuration for the given command mode. The
// refresh and suggest passes need a database; the API key may still come
// from stored settings, so it is not required here.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "refresh", "suggest", "migrate", "usage":
		switch c.Store.Driver {
		case "sqlite":
			// An empty DSN falls back to a local database file.
		case "postgres":
			if c.Store.DatabaseURL == "" {
				problems = append(problems, "store.database_url is required")
			}
		default:
			problems = append(problems, "store.driver must be postgres or sqlite")
		}
	case "models":
		// Stored settings are unavailable without a database, so the key
		// must come from configuration.
		if c.OpenAI.APIKey == "" {
			problems = append(problems, "openai.api_key is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Pipeline.Workers < 1 || c.Pipeline.Workers > 50 {
		problems = append(problems, "pipeline.workers must be between 1 and 50")
	}
	if c.Pipeline.ChunkChars < 1000 {
		problems = append(problems, "pipeline.chunk_chars must be >= 1000")
	}
	if c.Pipeline.MaxExtractChars < c.Pipeline.ChunkChars {
		problems = append(problems, "pipeline.max_extract_chars must be >= pipeline.chunk_chars")
	}
	if c.Pipeline.DedupWindowDays < 0 {
		problems = append(problems, "pipeline.dedup_window_days must be >= 0")
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("JOBFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4-0125-preview")
	v.SetDefault("openai.embedding_model", "text-embedding-3-small")
	v.SetDefault("openai.stream", true)
	v.SetDefault("crawl.settle_budget_secs", 10)
	v.SetDefault("crawl.settle_poll_millis", 500)
	v.SetDefault("pipeline.workers", 5)
	v.SetDefault("pipeline.chunk_chars", 7000)
	v.SetDefault("pipeline.max_extract_chars", 21000)
	v.SetDefault("pipeline.dedup_window_days", 30)
	v.SetDefault("pipeline.feedback_limit", 10)
	v.SetDefault("pipeline.embed_max_chars", 8000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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
