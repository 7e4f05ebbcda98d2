package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/badpractice-agent/internal/utils"
)

// applyEnv overlays environment settings. lookup returns "" for unset keys.
func (c *Config) applyEnv(lookup func(string) string) {
	str := func(dst *string, name string, keys ...string) {
		for _, key := range keys {
			if v := lookup(key); v != "" {
				*dst = v
				c.EnvOverrides[name] = true
				return
			}
		}
	}
	integer := func(dst *int, name, key string) {
		v := lookup(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-integer environment value")
			return
		}
		*dst = n
		c.EnvOverrides[name] = true
	}
	duration := func(dst *time.Duration, name, key string) {
		v := lookup(key)
		if v == "" {
			return
		}
		d, err := utils.ParseDurationOrSeconds(v)
		if err != nil {
			log.Warn().Str("key", key).Str("value", v).Msg("Ignoring invalid duration environment value")
			return
		}
		*dst = d
		c.EnvOverrides[name] = true
	}
	boolean := func(dst *bool, name, key string) {
		if v := lookup(key); v != "" {
			*dst = utils.ParseBool(v)
			c.EnvOverrides[name] = true
		}
	}
	list := func(dst *[]string, name, key string) {
		if v := lookup(key); v != "" {
			*dst = utils.SplitList(v)
			c.EnvOverrides[name] = true
		}
	}

	str(&c.Log.Level, "log.level", "BP_LOG_LEVEL", "LOG_LEVEL")
	str(&c.Log.Format, "log.format", "BP_LOG_FORMAT", "LOG_FORMAT")
	str(&c.Log.File, "log.file", "BP_LOG_FILE")

	list(&c.Scope.ExcludeDirs, "scope.exclude_dirs", "BP_EXCLUDE_DIRS")
	list(&c.Scope.IgnorePatterns, "scope.ignore_patterns", "BP_IGNORE_PATTERNS")
	if v := lookup("BP_MAX_FILE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Scope.MaxFileBytes = n
			c.EnvOverrides["scope.max_file_bytes"] = true
		}
	}

	duration(&c.Watcher.Debounce, "watcher.debounce", "BP_DEBOUNCE")
	integer(&c.Scan.Workers, "scan.workers", "BP_WORKERS")
	str(&c.Scan.EpochMode, "scan.epoch_mode", "BP_EPOCH_MODE")
	duration(&c.Scan.FileCooldown, "scan.file_cooldown", "BP_FILE_COOLDOWN")

	str(&c.Analyzer.Provider, "analyzer.provider", "LLM_PROVIDER")
	c.Analyzer.Provider = strings.ToLower(c.Analyzer.Provider)
	str(&c.Analyzer.BaseURL, "analyzer.base_url", "LLM_BASE_URL")
	str(&c.Analyzer.Model, "analyzer.model", "LLM_MODEL")
	if c.Analyzer.Provider == "anthropic" {
		str(&c.Analyzer.APIKey, "analyzer.api_key", "ANTHROPIC_API_KEY", "LLM_API_KEY")
	} else {
		str(&c.Analyzer.APIKey, "analyzer.api_key", "GROQ_API_KEY", "LLM_API_KEY", "OPENAI_API_KEY")
	}
	if v := lookup("LLM_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Analyzer.Temperature = f
			c.EnvOverrides["analyzer.temperature"] = true
		}
	}
	integer(&c.Analyzer.Attempts, "analyzer.attempts", "LLM_RETRY_MAX")
	duration(&c.Analyzer.Backoff, "analyzer.backoff", "LLM_RETRY_BASE_DELAY")
	duration(&c.Analyzer.Timeout, "analyzer.timeout", "LLM_TIMEOUT")
	duration(&c.Analyzer.DNSCacheTTL, "analyzer.dns_cache_ttl", "BP_DNS_CACHE_TTL")
	integer(&c.Analyzer.RatePerMinute, "analyzer.rate_per_minute", "LLM_RATE_PER_MINUTE")
	integer(&c.Analyzer.MaxContentChars, "analyzer.max_content_chars", "BP_PER_FILE_MAX_CHARS")

	str(&c.Ledger.Backend, "ledger.backend", "BP_LEDGER_BACKEND")
	str(&c.Ledger.SQLitePath, "ledger.sqlite_path", "BP_SQLITE_PATH")
	str(&c.Ledger.MongoURI, "ledger.mongo_uri", "BP_MONGO_URI", "MONGO_URI")
	str(&c.Ledger.MongoDatabase, "ledger.mongo_database", "BP_MONGO_DB")

	str(&c.Email.SMTPHost, "email.server", "SMTP_HOST")
	integer(&c.Email.SMTPPort, "email.port", "SMTP_PORT")
	str(&c.Email.Username, "email.username", "SMTP_USER")
	str(&c.Email.Password, "email.password", "SMTP_PASS")
	str(&c.Email.From, "email.from", "EMAIL_FROM")
	list(&c.Email.To, "email.to", "EMAIL_TO")
	boolean(&c.Email.StartTLS, "email.starttls", "SMTP_STARTTLS")
	boolean(&c.Email.TLS, "email.tls", "SMTP_TLS")
	if c.Email.TLS && c.EnvOverrides["email.tls"] && !c.EnvOverrides["email.starttls"] {
		c.Email.StartTLS = false
	}
	if v := lookup("SMTP_DISABLED"); v != "" && utils.ParseBool(v) {
		c.Email.Enabled = false
		c.EnvOverrides["email_disabled"] = true
	}

	str(&c.Metrics.Addr, "metrics.addr", "BP_METRICS_ADDR")
	duration(&c.Metrics.ShutdownTimeout, "metrics.shutdown_timeout", "BP_METRICS_SHUTDOWN_TIMEOUT")
	if strings.EqualFold(c.Metrics.Addr, "off") {
		c.Metrics.Addr = ""
	}
}

// envBindings maps every EnvOverrides name to the field it sets.
func (c *Config) envBindings() map[string]any {
	return map[string]any{
		"state_dir":                  &c.StateDir,
		"log.level":                  &c.Log.Level,
		"log.format":                 &c.Log.Format,
		"log.file":                   &c.Log.File,
		"scope.exclude_dirs":         &c.Scope.ExcludeDirs,
		"scope.ignore_patterns":      &c.Scope.IgnorePatterns,
		"scope.max_file_bytes":       &c.Scope.MaxFileBytes,
		"watcher.debounce":           &c.Watcher.Debounce,
		"scan.workers":               &c.Scan.Workers,
		"scan.epoch_mode":            &c.Scan.EpochMode,
		"scan.file_cooldown":         &c.Scan.FileCooldown,
		"analyzer.provider":          &c.Analyzer.Provider,
		"analyzer.base_url":          &c.Analyzer.BaseURL,
		"analyzer.model":             &c.Analyzer.Model,
		"analyzer.api_key":           &c.Analyzer.APIKey,
		"analyzer.temperature":       &c.Analyzer.Temperature,
		"analyzer.attempts":          &c.Analyzer.Attempts,
		"analyzer.backoff":           &c.Analyzer.Backoff,
		"analyzer.timeout":           &c.Analyzer.Timeout,
		"analyzer.dns_cache_ttl":     &c.Analyzer.DNSCacheTTL,
		"analyzer.rate_per_minute":   &c.Analyzer.RatePerMinute,
		"analyzer.max_content_chars": &c.Analyzer.MaxContentChars,
		"ledger.backend":             &c.Ledger.Backend,
		"ledger.sqlite_path":         &c.Ledger.SQLitePath,
		"ledger.mongo_uri":           &c.Ledger.MongoURI,
		"ledger.mongo_database":      &c.Ledger.MongoDatabase,
		"email.server":               &c.Email.SMTPHost,
		"email.port":                 &c.Email.SMTPPort,
		"email.username":             &c.Email.Username,
		"email.password":             &c.Email.Password,
		"email.from":                 &c.Email.From,
		"email.to":                   &c.Email.To,
		"email.starttls":             &c.Email.StartTLS,
		"email.tls":                  &c.Email.TLS,
		"email_disabled":             &c.Email.Enabled,
		"metrics.addr":               &c.Metrics.Addr,
		"metrics.shutdown_timeout":   &c.Metrics.ShutdownTimeout,
	}
}

// copyField sets *dst to *src. Both must be pointers of the same type.
func copyField(dst, src any) {
	switch d := dst.(type) {
	case *string:
		*d = *src.(*string)
	case *int:
		*d = *src.(*int)
	case *int64:
		*d = *src.(*int64)
	case *float64:
		*d = *src.(*float64)
	case *bool:
		*d = *src.(*bool)
	case *time.Duration:
		*d = *src.(*time.Duration)
	case *[]string:
		*d = append([]string(nil), *src.(*[]string)...)
	}
}
