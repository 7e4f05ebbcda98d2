package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/rcourtman/badpractice-agent/internal/utils"
)

const (
	// DefaultStateDir holds the agent's config, ledger and log, relative to the watched root.
	DefaultStateDir = "bp_files"
	// ConfigFileName is the YAML file written by `bp init`.
	ConfigFileName = "bp-config.yml"
	// LogFileName is the rolling agent log inside the state dir.
	LogFileName = ".bp-agent.log"
	// LedgerFileName is the SQLite ledger inside the state dir.
	LedgerFileName = "bp-ledger.db"

	DefaultDebounce        = time.Second
	DefaultWorkers         = 4
	DefaultMaxFileBytes    = 400_000
	DefaultAttempts        = 3
	DefaultBackoff         = 1500 * time.Millisecond
	DefaultMaxBackoff      = 20 * time.Second
	DefaultAnalyzerTimeout = 60 * time.Second
	DefaultRatePerMinute   = 30
	DefaultMaxContentChars = 16_000
	DefaultGroqBaseURL     = "https://api.groq.com/openai/v1"
	DefaultGroqModel       = "llama-3.1-8b-instant"
	DefaultAnthropicModel  = "claude-3-5-haiku-latest"
	DefaultEmailFrom       = "no-reply@example.com"
	DefaultMetricsAddr     = "127.0.0.1:9464"

	DefaultMetricsShutdownTimeout = 5 * time.Second
)

// DefaultExcludeDirs are directory basenames never walked or watched.
var DefaultExcludeDirs = []string{
	".git", "node_modules", "build", "dist", ".next", ".cache", ".venv", "venv",
	"__pycache__", ".idea", ".vscode", "coverage", ".pytest_cache", DefaultStateDir,
}

// DefaultIgnorePatterns match editor swap, lock and backup files by basename.
var DefaultIgnorePatterns = []string{
	".#*", "#*#", "~$*", "*.swp", "*.swx", "*.tmp", "*.temp", "*~",
}

// Config is the agent's runtime configuration.
type Config struct {
	Root     string         `yaml:"root"`
	StateDir string         `yaml:"state_dir"`
	Log      LogConfig      `yaml:"log"`
	Scope    ScopeConfig    `yaml:"scope"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	Scan     ScanConfig     `yaml:"scan"`
	Analyzer AnalyzerConfig `yaml:"analyzer"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Email    EmailConfig    `yaml:"email"`
	Metrics  MetricsConfig  `yaml:"metrics"`

	// EnvOverrides records which settings came from the environment.
	EnvOverrides map[string]bool `yaml:"-"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type ScopeConfig struct {
	ExcludeDirs    []string `yaml:"exclude_dirs"`
	IgnorePatterns []string `yaml:"ignore_patterns"`
	MaxFileBytes   int64    `yaml:"max_file_bytes"`
}

type WatcherConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

type ScanConfig struct {
	Workers int `yaml:"workers"`
	// EpochMode selects how file content feeds the fingerprint: "content" or "none".
	EpochMode string `yaml:"epoch_mode"`
	// FileCooldown bounds how long an unchanged file is exempt from
	// re-analysis. Zero means unchanged content is never re-analyzed.
	FileCooldown time.Duration `yaml:"file_cooldown"`
}

type AnalyzerConfig struct {
	Provider        string        `yaml:"provider"` // "openai" (any compatible endpoint, Groq by default) or "anthropic"
	BaseURL         string        `yaml:"base_url"`
	Model           string        `yaml:"model"`
	APIKey          string        `yaml:"api_key"`
	Temperature     float64       `yaml:"temperature"`
	MaxTokens       int           `yaml:"max_tokens"`
	Attempts        int           `yaml:"attempts"`
	Backoff         time.Duration `yaml:"backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	Timeout         time.Duration `yaml:"timeout"`
	RatePerMinute   int           `yaml:"rate_per_minute"`
	MaxContentChars int           `yaml:"max_content_chars"`
	// DNSCacheTTL is how often the shared resolver drops unused entries.
	DNSCacheTTL     time.Duration `yaml:"dns_cache_ttl"`
}

type LedgerConfig struct {
	Backend       string `yaml:"backend"` // memory, sqlite or mongo
	SQLitePath    string `yaml:"sqlite_path"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
}

// EmailConfig mirrors the SMTP settings used by the e-mail transport.
type EmailConfig struct {
	Enabled       bool          `yaml:"enabled"`
	SMTPHost      string        `yaml:"server"`
	SMTPPort      int           `yaml:"port"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	From          string        `yaml:"from"`
	To            []string      `yaml:"to"`
	StartTLS      bool          `yaml:"starttls"`
	TLS           bool          `yaml:"tls"`
	SkipTLSVerify bool          `yaml:"skip_tls_verify"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	RateLimit     int           `yaml:"rate_limit"` // messages per minute
}

type MetricsConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns a configuration with every documented default filled in.
func Default() *Config {
	return &Config{
		StateDir: DefaultStateDir,
		Log: LogConfig{
			Level:      "info",
			Format:     "auto",
			MaxSizeMB:  10,
			MaxAgeDays: 14,
		},
		Scope: ScopeConfig{
			ExcludeDirs:    append([]string(nil), DefaultExcludeDirs...),
			IgnorePatterns: append([]string(nil), DefaultIgnorePatterns...),
			MaxFileBytes:   DefaultMaxFileBytes,
		},
		Watcher: WatcherConfig{Debounce: DefaultDebounce},
		Scan:    ScanConfig{Workers: DefaultWorkers, EpochMode: "content"},
		Analyzer: AnalyzerConfig{
			Provider:        "openai",
			BaseURL:         DefaultGroqBaseURL,
			Model:           DefaultGroqModel,
			MaxTokens:       2048,
			Attempts:        DefaultAttempts,
			Backoff:         DefaultBackoff,
			MaxBackoff:      DefaultMaxBackoff,
			Timeout:         DefaultAnalyzerTimeout,
			RatePerMinute:   DefaultRatePerMinute,
			MaxContentChars: DefaultMaxContentChars,
			DNSCacheTTL:     5 * time.Minute,
		},
		Ledger: LedgerConfig{Backend: "sqlite", MongoDatabase: "badpractice"},
		Email: EmailConfig{
			SMTPPort:   587,
			StartTLS:   true,
			MaxRetries: 2,
			RetryDelay: 5 * time.Second,
			RateLimit:  60,
		},
		Metrics:      MetricsConfig{Addr: DefaultMetricsAddr, ShutdownTimeout: DefaultMetricsShutdownTimeout},
		EnvOverrides: make(map[string]bool),
	}
}

// Load builds the configuration for root: defaults, then <state>/bp-config.yml,
// then <state>/.env, then the process environment.
func Load(root string) (*Config, error) {
	cfg := Default()

	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", root, err)
	}
	cfg.Root = abs

	if dir := utils.GetenvTrim("BP_STATE_DIR"); dir != "" {
		cfg.StateDir = dir
		cfg.EnvOverrides["state_dir"] = true
	}

	if err := cfg.loadFile(cfg.ConfigPath()); err != nil {
		return nil, err
	}
	// The config file may not move the root away from where it was found.
	cfg.Root = abs

	envPath := filepath.Join(cfg.StateDirPath(), ".env")
	if envMap, err := godotenv.Read(envPath); err == nil {
		log.Debug().Str("file", envPath).Int("keys", len(envMap)).Msg("Loaded .env overrides")
		cfg.applyEnv(func(key string) string {
			if v := utils.GetenvTrim(key); v != "" {
				return v
			}
			return strings.Trim(envMap[key], "'\" ")
		})
	} else {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("file", envPath).Msg("Failed to read .env file")
		}
		cfg.applyEnv(utils.GetenvTrim)
	}

	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	log.Debug().Str("file", path).Msg("Loaded configuration file")
	return nil
}

// fillDerived resolves paths and provider-dependent defaults.
func (c *Config) fillDerived() {
	if c.Log.File == "" {
		c.Log.File = filepath.Join(c.StateDirPath(), LogFileName)
	}
	if c.Ledger.SQLitePath == "" {
		c.Ledger.SQLitePath = filepath.Join(c.StateDirPath(), LedgerFileName)
	}
	if strings.EqualFold(c.Analyzer.Provider, "anthropic") {
		if c.Analyzer.Model == DefaultGroqModel {
			c.Analyzer.Model = DefaultAnthropicModel
		}
		if c.Analyzer.BaseURL == DefaultGroqBaseURL {
			c.Analyzer.BaseURL = ""
		}
	}
	if c.Email.From == "" {
		if c.Email.Username != "" {
			c.Email.From = c.Email.Username
		} else {
			c.Email.From = DefaultEmailFrom
		}
	}
	if c.Email.SMTPHost != "" && len(c.Email.To) > 0 && !c.EnvOverrides["email_disabled"] {
		c.Email.Enabled = true
	}
}

// StateDirPath returns the absolute state directory.
func (c *Config) StateDirPath() string {
	if filepath.IsAbs(c.StateDir) {
		return c.StateDir
	}
	return filepath.Join(c.Root, c.StateDir)
}

// ConfigPath returns the YAML config file location.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.StateDirPath(), ConfigFileName)
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root is required")
	}
	if c.Watcher.Debounce < 50*time.Millisecond {
		return fmt.Errorf("watcher debounce must be at least 50ms, got %s", c.Watcher.Debounce)
	}
	if c.Scan.Workers < 1 || c.Scan.Workers > 64 {
		return fmt.Errorf("scan workers must be between 1 and 64, got %d", c.Scan.Workers)
	}
	switch c.Scan.EpochMode {
	case "content", "none":
	default:
		return fmt.Errorf("invalid epoch mode %q (want content or none)", c.Scan.EpochMode)
	}
	if c.Scan.FileCooldown < 0 {
		return fmt.Errorf("file cooldown must not be negative")
	}
	if c.Metrics.ShutdownTimeout < 0 {
		return fmt.Errorf("metrics shutdown timeout must not be negative")
	}
	if c.Scope.MaxFileBytes <= 0 {
		return fmt.Errorf("max file bytes must be positive")
	}

	a := c.Analyzer
	switch strings.ToLower(a.Provider) {
	case "openai", "groq", "anthropic":
	default:
		return fmt.Errorf("invalid analyzer provider %q", a.Provider)
	}
	if a.Attempts < 1 {
		return fmt.Errorf("analyzer attempts must be at least 1")
	}
	if a.Timeout < time.Second {
		return fmt.Errorf("analyzer timeout must be at least 1 second")
	}
	if a.Backoff < 0 || a.MaxBackoff < a.Backoff {
		return fmt.Errorf("analyzer backoff %s must be non-negative and not exceed max backoff %s", a.Backoff, a.MaxBackoff)
	}
	if a.RatePerMinute < 0 {
		return fmt.Errorf("analyzer rate limit must not be negative")
	}

	switch c.Ledger.Backend {
	case "memory", "sqlite":
	case "mongo":
		if c.Ledger.MongoURI == "" {
			return fmt.Errorf("ledger backend mongo requires mongo_uri")
		}
	default:
		return fmt.Errorf("invalid ledger backend %q", c.Ledger.Backend)
	}

	if c.Email.Enabled {
		if c.Email.SMTPHost == "" {
			return fmt.Errorf("email enabled but SMTP server is empty")
		}
		if c.Email.SMTPPort <= 0 || c.Email.SMTPPort > 65535 {
			return fmt.Errorf("invalid SMTP port: %d", c.Email.SMTPPort)
		}
		if c.Email.TLS && c.Email.StartTLS {
			return fmt.Errorf("email tls and starttls are mutually exclusive")
		}
	}
	return nil
}

// Save writes the file-backed portion of the configuration, as done by `bp init`.
// Secrets are not written. Settings taken from the environment, and values
// derived at load time, are written as the file (or the defaults) had them.
func Save(cfg *Config) error {
	base := Default()
	if err := base.loadFile(cfg.ConfigPath()); err != nil {
		return err
	}

	out := *cfg
	out.EnvOverrides = nil
	bindings, baseBindings := out.envBindings(), base.envBindings()
	for name, overridden := range cfg.EnvOverrides {
		if overridden {
			copyField(bindings[name], baseBindings[name])
		}
	}
	if cfg.EnvOverrides["email.tls"] {
		out.Email.StartTLS = base.Email.StartTLS
	}

	out.Analyzer.APIKey = ""
	out.Email.Password = ""
	out.Email.Enabled = base.Email.Enabled
	out.Root = ""
	if out.Log.File == filepath.Join(cfg.StateDirPath(), LogFileName) {
		out.Log.File = ""
	}
	if out.Ledger.SQLitePath == filepath.Join(cfg.StateDirPath(), LedgerFileName) {
		out.Ledger.SQLitePath = ""
	}
	if base.Email.From == "" && (out.Email.From == DefaultEmailFrom || out.Email.From == cfg.Email.Username) {
		out.Email.From = ""
	}
	if !strings.EqualFold(out.Analyzer.Provider, "anthropic") {
		if out.Analyzer.Model == DefaultAnthropicModel && base.Analyzer.Model == DefaultGroqModel {
			out.Analyzer.Model = DefaultGroqModel
		}
		if out.Analyzer.BaseURL == "" {
			out.Analyzer.BaseURL = base.Analyzer.BaseURL
		}
	}

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(cfg.StateDirPath(), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := cfg.ConfigPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, cfg.ConfigPath()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
