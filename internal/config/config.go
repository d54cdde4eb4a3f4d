// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/quote-harvester/internal/crawler"
	"github.com/JakeFAU/quote-harvester/internal/extract"
	"github.com/JakeFAU/quote-harvester/internal/pipeline"
)

// EnvPrefix namespaces environment overrides, e.g. HARVESTER_HARVEST_CONCURRENCY.
const EnvPrefix = "HARVESTER"

// DefaultUserAgent is sent on every page request unless overridden.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:84.0) Gecko/20100101 Firefox/84.0"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Harvest   HarvestConfig `mapstructure:"harvest"`
	HTTP      HTTPConfig    `mapstructure:"http"`
	Selectors extract.Rules `mapstructure:"selectors"`
	Server    ServerConfig  `mapstructure:"server"`
	Logging   LoggingConfig `mapstructure:"logging"`
}

// HarvestConfig governs the page range and fan-out of a run.
type HarvestConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	PagePath    string `mapstructure:"page_path"`
	FirstPage   int    `mapstructure:"first_page"`
	LastPage    int    `mapstructure:"last_page"`
	Concurrency int    `mapstructure:"concurrency"`
	// MaxPages caps the page range any single run may request.
	MaxPages    int    `mapstructure:"max_pages"`
	FailureMode string `mapstructure:"failure_mode"`
}

// HTTPConfig configures the outbound client.
type HTTPConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// History is the number of completed runs kept for GET /v1/runs.
	History               int `mapstructure:"history"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	rules := extract.DefaultRules()
	v.SetDefault("harvest.base_url", "https://quotes.toscrape.com/")
	v.SetDefault("harvest.page_path", crawler.DefaultPagePath)
	v.SetDefault("harvest.first_page", 1)
	v.SetDefault("harvest.last_page", 20)
	v.SetDefault("harvest.concurrency", 8)
	v.SetDefault("harvest.max_pages", pipeline.DefaultMaxPages)
	v.SetDefault("harvest.failure_mode", string(pipeline.FailurePartial))
	v.SetDefault("http.user_agent", DefaultUserAgent)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("selectors.container", rules.Container)
	v.SetDefault("selectors.text", rules.Text)
	v.SetDefault("selectors.author", rules.Author)
	v.SetDefault("selectors.tag", rules.Tag)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.history", 32)
	v.SetDefault("server.request_timeout_seconds", 120)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if _, err := crawler.ParseBaseURL(c.Harvest.BaseURL); err != nil {
		return fmt.Errorf("harvest.base_url: %w", err)
	}
	if !strings.Contains(c.Harvest.PagePath, "%d") {
		return fmt.Errorf("harvest.page_path must contain %%d, got %q", c.Harvest.PagePath)
	}
	if c.Harvest.FirstPage < 1 {
		return fmt.Errorf("harvest.first_page must be >= 1")
	}
	if c.Harvest.LastPage < c.Harvest.FirstPage {
		return fmt.Errorf("harvest.last_page must be >= harvest.first_page")
	}
	if c.Harvest.Concurrency <= 0 {
		return fmt.Errorf("harvest.concurrency must be > 0")
	}
	if c.Harvest.MaxPages <= 0 {
		return fmt.Errorf("harvest.max_pages must be > 0")
	}
	if c.Harvest.LastPage-c.Harvest.FirstPage > c.Harvest.MaxPages {
		return fmt.Errorf("harvest.last_page: range spans more than harvest.max_pages (%d) pages", c.Harvest.MaxPages)
	}
	if _, err := pipeline.ParseFailureMode(c.Harvest.FailureMode); err != nil {
		return fmt.Errorf("harvest.failure_mode: %w", err)
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if strings.TrimSpace(c.HTTP.UserAgent) == "" {
		return fmt.Errorf("http.user_agent must be set")
	}
	if _, err := extract.New(c.Selectors); err != nil {
		return fmt.Errorf("selectors: %w", err)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.History <= 0 {
		return fmt.Errorf("server.history must be > 0")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	return nil
}

// Pipeline converts the harvest section into coordinator settings.
func (c Config) Pipeline() pipeline.Config {
	mode, _ := pipeline.ParseFailureMode(c.Harvest.FailureMode)
	return pipeline.Config{
		BaseURL:     c.Harvest.BaseURL,
		PagePath:    c.Harvest.PagePath,
		FirstPage:   c.Harvest.FirstPage,
		LastPage:    c.Harvest.LastPage,
		Concurrency: c.Harvest.Concurrency,
		MaxPages:    c.Harvest.MaxPages,
		FailureMode: mode,
	}
}

// RequestTimeout converts the HTTP timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
