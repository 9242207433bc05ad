package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Resolver   ResolverConfig   `yaml:"resolver" mapstructure:"resolver"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Registry   RegistryConfig   `yaml:"registry" mapstructure:"registry"`
	HTS        HTSConfig        `yaml:"hts" mapstructure:"hts"`
	Impact     ImpactConfig     `yaml:"impact" mapstructure:"impact"`
	Alert      AlertConfig      `yaml:"alert" mapstructure:"alert"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// CacheConfig configures per-policy TTLs for cached rates.
type CacheConfig struct {
	DefaultTTLDays   int            `yaml:"default_ttl_days" mapstructure:"default_ttl_days"`
	EstimatedTTLDays int            `yaml:"estimated_ttl_days" mapstructure:"estimated_ttl_days"`
	PolicyTTLDays    map[string]int `yaml:"policy_ttl_days" mapstructure:"policy_ttl_days"`
}

// TTLFor returns the cache TTL for a policy type.
func (c CacheConfig) TTLFor(policy string) time.Duration {
	days := c.DefaultTTLDays
	if d, ok := c.PolicyTTLDays[strings.ToUpper(policy)]; ok && d > 0 {
		days = d
	}
	return time.Duration(days) * 24 * time.Hour
}

// EstimatedTTL returns the shortened TTL applied to AI-researched rates so
// they are re-verified against higher tiers soon.
func (c CacheConfig) EstimatedTTL() time.Duration {
	return time.Duration(c.EstimatedTTLDays) * 24 * time.Hour
}

// ResolverConfig configures tier execution.
type ResolverConfig struct {
	TierTimeoutSecs int `yaml:"tier_timeout_secs" mapstructure:"tier_timeout_secs"`
	MaxConcurrency  int `yaml:"max_concurrency" mapstructure:"max_concurrency"`
}

// AnthropicConfig holds Anthropic API settings for structured extraction.
type AnthropicConfig struct {
	Key          string `yaml:"key" mapstructure:"key"`
	ExtractModel string `yaml:"extract_model" mapstructure:"extract_model"`
	MaxTokens    int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// PerplexityConfig holds Perplexity API settings for the research tier.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// RegistryConfig configures the notice-registry sync job.
type RegistryConfig struct {
	BaseURL        string   `yaml:"base_url" mapstructure:"base_url"`
	WindowDays     int      `yaml:"window_days" mapstructure:"window_days"`
	Topics         []string `yaml:"topics" mapstructure:"topics"`
	MaxDocuments   int      `yaml:"max_documents" mapstructure:"max_documents"`
	LockTTLMinutes int      `yaml:"lock_ttl_minutes" mapstructure:"lock_ttl_minutes"`
	Concurrency    int      `yaml:"concurrency" mapstructure:"concurrency"`
}

// HTSConfig configures the official tariff schedule reference source.
type HTSConfig struct {
	ExportURL    string `yaml:"export_url" mapstructure:"export_url"`
	ScrapeURL    string `yaml:"scrape_url" mapstructure:"scrape_url"` // %s = 8-digit code
	UserAgent    string `yaml:"user_agent" mapstructure:"user_agent"`
	TempDir      string `yaml:"temp_dir" mapstructure:"temp_dir"`
	FetchTimeout int    `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs"`
}

// ImpactConfig configures severity classification.
type ImpactConfig struct {
	BandsFile       string  `yaml:"bands_file" mapstructure:"bands_file"`
	CriticalOverUSD float64 `yaml:"critical_over_usd" mapstructure:"critical_over_usd"`
	HighOverUSD     float64 `yaml:"high_over_usd" mapstructure:"high_over_usd"`
}

// AlertConfig configures notification dispatch.
type AlertConfig struct {
	WebhookURL  string `yaml:"webhook_url" mapstructure:"webhook_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ServerConfig configures the trigger/read HTTP server.
type ServerConfig struct {
	Port      int    `yaml:"port" mapstructure:"port"`
	JobSecret string `yaml:"job_secret" mapstructure:"job_secret"`
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
	v.SetEnvPrefix("TARIFF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("cache.default_ttl_days", 30)
	v.SetDefault("cache.estimated_ttl_days", 7)
	// Section 232 actions move faster than the annual schedule cycle.
	v.SetDefault("cache.policy_ttl_days", map[string]int{"SECTION_232": 14})
	v.SetDefault("resolver.tier_timeout_secs", 10)
	v.SetDefault("resolver.max_concurrency", 5)
	v.SetDefault("anthropic.extract_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("registry.base_url", "https://www.federalregister.gov/api/v1")
	v.SetDefault("registry.window_days", 90)
	v.SetDefault("registry.topics", []string{"tariff", "duty rate", "harmonized tariff schedule", "proclamation"})
	v.SetDefault("registry.max_documents", 200)
	v.SetDefault("registry.lock_ttl_minutes", 30)
	v.SetDefault("registry.concurrency", 3)
	v.SetDefault("hts.export_url", "https://hts.usitc.gov/reststop/exportList?format=csv")
	v.SetDefault("hts.scrape_url", "https://hts.usitc.gov/search?query=%s")
	v.SetDefault("hts.user_agent", "tariff-cli/1.0")
	v.SetDefault("hts.temp_dir", "/tmp/tariff-cli")
	v.SetDefault("hts.fetch_timeout_secs", 30)
	v.SetDefault("impact.critical_over_usd", 50000)
	v.SetDefault("impact.high_over_usd", 10000)
	v.SetDefault("alert.timeout_secs", 10)

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
