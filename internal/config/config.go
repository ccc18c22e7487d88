// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Session store backends.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// Config holds the entire application configuration.
type Config struct {
	Logger       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	Browser      BrowserConfig      `mapstructure:"browser" yaml:"browser"`
	Site         SiteConfig         `mapstructure:"site" yaml:"site"`
	Credentials  CredentialsConfig  `mapstructure:"credentials" yaml:"credentials"`
	Interception InterceptionConfig `mapstructure:"interception" yaml:"interception"`
	Session      SessionConfig      `mapstructure:"session" yaml:"session"`
	Timeouts     TimeoutsConfig     `mapstructure:"timeouts" yaml:"timeouts"`
	API          APIConfig          `mapstructure:"api" yaml:"api"`
	Report       ReportConfig       `mapstructure:"report" yaml:"report"`
	Flows        FlowsConfig        `mapstructure:"flows" yaml:"flows"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the Chromium instance.
type BrowserConfig struct {
	Headless        bool           `mapstructure:"headless" yaml:"headless"`
	DisableCache    bool           `mapstructure:"disable_cache" yaml:"disable_cache"`
	IgnoreTLSErrors bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ExecPath        string         `mapstructure:"exec_path" yaml:"exec_path"`
	Args            []string       `mapstructure:"args" yaml:"args"`
	Viewport        map[string]int `mapstructure:"viewport" yaml:"viewport"`
	Languages       []string       `mapstructure:"languages" yaml:"languages"`
	Timezone        string         `mapstructure:"timezone" yaml:"timezone"`
}

// SiteConfig points at the storefront under test.
type SiteConfig struct {
	BaseURL       string `mapstructure:"base_url" yaml:"base_url"`
	PricingBFFURL string `mapstructure:"pricing_bff_url" yaml:"pricing_bff_url"`
}

// CredentialsConfig is the default user identity pair.
type CredentialsConfig struct {
	Email    string `mapstructure:"email" yaml:"email"`
	Password string `mapstructure:"password" yaml:"-"`
}

// InterceptionConfig drives the outbound request rewriter.
type InterceptionConfig struct {
	BrowserToken          string `mapstructure:"browser_token" yaml:"-"`
	UserAgent             string `mapstructure:"user_agent" yaml:"user_agent"`
	RewriteAllUserAgents  bool   `mapstructure:"rewrite_all_user_agents" yaml:"rewrite_all_user_agents"`
	ProxyAddr             string `mapstructure:"proxy_addr" yaml:"proxy_addr"`
	ProxyCACert           string `mapstructure:"proxy_ca_cert" yaml:"proxy_ca_cert"`
	ProxyCAKey            string `mapstructure:"proxy_ca_key" yaml:"proxy_ca_key"`
}

// SessionConfig configures session snapshot caching.
type SessionConfig struct {
	Store           string `mapstructure:"store" yaml:"store"`
	CacheDir        string `mapstructure:"cache_dir" yaml:"cache_dir"`
	CacheAcrossRuns bool   `mapstructure:"cache_across_runs" yaml:"cache_across_runs"`
	KeyVersion      string `mapstructure:"key_version" yaml:"key_version"`
	PostgresURL     string `mapstructure:"postgres_url" yaml:"-"`
}

// TimeoutsConfig bounds every UI step.
type TimeoutsConfig struct {
	Command time.Duration `mapstructure:"command" yaml:"command"`
	Visit   time.Duration `mapstructure:"visit" yaml:"visit"`
	Report  time.Duration `mapstructure:"report" yaml:"report"`
}

// APIConfig tunes the API checks.
type APIConfig struct {
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	RateLimit       float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	Concurrency     int           `mapstructure:"concurrency" yaml:"concurrency"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Zipcodes        []string      `mapstructure:"zipcodes" yaml:"zipcodes"`
}

// ReportConfig controls failure artifacts.
type ReportConfig struct {
	ScreenshotsDir string `mapstructure:"screenshots_dir" yaml:"screenshots_dir"`
}

// FlowsConfig holds per-flow knobs that depend on the storefront's markup.
type FlowsConfig struct {
	Cashback CashbackConfig `mapstructure:"cashback" yaml:"cashback"`
}

// CashbackConfig configures the cashback report check.
type CashbackConfig struct {
	TriggerText string `mapstructure:"trigger_text" yaml:"trigger_text"`
	DownloadDir string `mapstructure:"download_dir" yaml:"download_dir"`
	FilePattern string `mapstructure:"file_pattern" yaml:"file_pattern"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "shopcheck")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_cache", false)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.viewport", map[string]int{"width": 1280, "height": 1000})
	v.SetDefault("browser.languages", []string{"pt-BR", "pt"})
	v.SetDefault("browser.timezone", "America/Sao_Paulo")

	// -- Site --
	v.SetDefault("site.base_url", "https://www.madeiramadeira.com.br")
	v.SetDefault("site.pricing_bff_url", "")

	// -- Interception --
	v.SetDefault("interception.user_agent", "")
	v.SetDefault("interception.rewrite_all_user_agents", true)
	v.SetDefault("interception.proxy_addr", "127.0.0.1:8089")

	// -- Session --
	v.SetDefault("session.store", StoreFile)
	v.SetDefault("session.cache_dir", "~/.cache/shopcheck/sessions")
	v.SetDefault("session.cache_across_runs", true)
	v.SetDefault("session.key_version", "v1")

	// -- Timeouts --
	v.SetDefault("timeouts.command", "30s")
	v.SetDefault("timeouts.visit", "7s")
	v.SetDefault("timeouts.report", "30s")

	// -- API --
	v.SetDefault("api.request_timeout", "30s")
	v.SetDefault("api.rate_limit", 2.0)
	v.SetDefault("api.concurrency", 4)
	v.SetDefault("api.zipcodes", []string{"80730350"})

	// -- Report --
	v.SetDefault("report.screenshots_dir", "reports/html")

	// -- Flows --
	v.SetDefault("flows.cashback.trigger_text", "Gerar relatório")
	v.SetDefault("flows.cashback.download_dir", "reports/downloads")
	v.SetDefault("flows.cashback.file_pattern", "cashback")
}

// BindLegacyEnv maps the environment names used by the existing CI secrets.
func BindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("credentials.email", "SHOPCHECK_CREDENTIALS_EMAIL", "USER_EMAIL")
	_ = v.BindEnv("credentials.password", "SHOPCHECK_CREDENTIALS_PASSWORD", "USER_PASSWORD")
	_ = v.BindEnv("site.base_url", "SHOPCHECK_SITE_BASE_URL", "MADEIRAMADEIRA_PRODUCTION_URL")
	_ = v.BindEnv("site.pricing_bff_url", "SHOPCHECK_SITE_PRICING_BFF_URL", "PRICING_BFF_STAGING_URL")
	_ = v.BindEnv("interception.browser_token", "SHOPCHECK_INTERCEPTION_BROWSER_TOKEN", "CASTLE_BROWSER_TOKEN")
	_ = v.BindEnv("interception.user_agent", "SHOPCHECK_INTERCEPTION_USER_AGENT", "CUSTOM_USER_AGENT")
	_ = v.BindEnv("session.postgres_url", "SHOPCHECK_SESSION_POSTGRES_URL", "DATABASE_URL")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	BindLegacyEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	dir, err := homedir.Expand(cfg.Session.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("could not expand session.cache_dir: %w", err)
	}
	cfg.Session.CacheDir = dir

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Site.BaseURL) == "" {
		return fmt.Errorf("site.base_url is a required configuration field")
	}
	if err := c.Timeouts.Validate(); err != nil {
		return err
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session configuration invalid: %w", err)
	}
	if c.API.Concurrency <= 0 {
		return fmt.Errorf("api.concurrency must be a positive integer")
	}
	return nil
}

// Validate checks that every step timeout is positive.
func (t *TimeoutsConfig) Validate() error {
	if t.Command <= 0 || t.Visit <= 0 || t.Report <= 0 {
		return fmt.Errorf("timeouts.command, timeouts.visit and timeouts.report must be positive durations")
	}
	return nil
}

// Validate checks the session configuration.
func (s *SessionConfig) Validate() error {
	switch s.Store {
	case StoreMemory:
	case StoreFile:
		if s.CacheDir == "" {
			return fmt.Errorf("cache_dir is required for the file store")
		}
	case StorePostgres:
		if s.PostgresURL == "" {
			return fmt.Errorf("postgres_url is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store %q (want memory, file or postgres)", s.Store)
	}
	if s.KeyVersion == "" {
		return fmt.Errorf("key_version must not be empty")
	}
	return nil
}

// ViewportSize returns the configured viewport, falling back to 1280x1000.
func (b BrowserConfig) ViewportSize() (int, int) {
	w, h := b.Viewport["width"], b.Viewport["height"]
	if w <= 0 || h <= 0 {
		return 1280, 1000
	}
	return w, h
}
