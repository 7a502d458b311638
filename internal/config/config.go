// Package config loads tidyscan settings from defaults, an optional config
// file, TIDYSCAN_* environment variables and command-line flags.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cwbudde/tidyscan/internal/store"
	"github.com/cwbudde/tidyscan/internal/task"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. TIDYSCAN_STORE_PATH.
const EnvPrefix = "TIDYSCAN"

// Config is the full tidyscan configuration.
type Config struct {
	Store      StoreConfig      `json:"store" mapstructure:"store"`
	Backups    BackupsConfig    `json:"backups" mapstructure:"backups"`
	Scan       ScanConfig       `json:"scan" mapstructure:"scan"`
	Summarizer SummarizerConfig `json:"summarizer" mapstructure:"summarizer"`
	Server     ServerConfig     `json:"server" mapstructure:"server"`
	Log        LogConfig        `json:"log" mapstructure:"log"`
}

// StoreConfig configures the result store.
type StoreConfig struct {
	Path          string        `json:"path" mapstructure:"path"`
	LockTimeout   time.Duration `json:"lockTimeout" mapstructure:"lock_timeout"`
	ProbeSamples  int           `json:"probeSamples" mapstructure:"probe_samples"`
	ProbeInterval time.Duration `json:"probeInterval" mapstructure:"probe_interval"`
	RetryAttempts int           `json:"retryAttempts" mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `json:"retryBackoff" mapstructure:"retry_backoff"`
}

// BackupsConfig is the backup retention policy. Zero disables a rule.
type BackupsConfig struct {
	KeepLast int           `json:"keepLast" mapstructure:"keep_last"`
	MaxAge   time.Duration `json:"maxAge" mapstructure:"max_age"`
}

// ScanConfig configures scan tasks.
type ScanConfig struct {
	Extensions    []string `json:"extensions" mapstructure:"extensions"`
	SummaryLength int      `json:"summaryLength" mapstructure:"summary_length"`
	JournalDir    string   `json:"journalDir" mapstructure:"journal_dir"`
}

// SummarizerConfig points at the summarization service.
type SummarizerConfig struct {
	URL     string        `json:"url" mapstructure:"url"`
	Model   string        `json:"model" mapstructure:"model"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// ServerConfig configures the task control API.
type ServerConfig struct {
	Addr string `json:"addr" mapstructure:"addr"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	Format string `json:"format" mapstructure:"format"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path:          "ai_organize_result.json",
			LockTimeout:   store.DefaultLockTimeout,
			ProbeSamples:  store.DefaultProbeSamples,
			ProbeInterval: store.DefaultProbeInterval,
			RetryAttempts: 5,
			RetryBackoff:  200 * time.Millisecond,
		},
		Backups: BackupsConfig{
			KeepLast: 20,
		},
		Scan: ScanConfig{
			Extensions:    append([]string(nil), task.DefaultExtensions...),
			SummaryLength: 200,
		},
		Summarizer: SummarizerConfig{
			URL:     "http://localhost:11500/summarize",
			Timeout: 2 * time.Minute,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// New returns a viper instance with defaults and environment overrides set up.
// Callers bind their flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()

	d := DefaultConfig()
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.lock_timeout", d.Store.LockTimeout)
	v.SetDefault("store.probe_samples", d.Store.ProbeSamples)
	v.SetDefault("store.probe_interval", d.Store.ProbeInterval)
	v.SetDefault("store.retry_attempts", d.Store.RetryAttempts)
	v.SetDefault("store.retry_backoff", d.Store.RetryBackoff)
	v.SetDefault("backups.keep_last", d.Backups.KeepLast)
	v.SetDefault("backups.max_age", d.Backups.MaxAge)
	v.SetDefault("scan.extensions", d.Scan.Extensions)
	v.SetDefault("scan.summary_length", d.Scan.SummaryLength)
	v.SetDefault("scan.journal_dir", d.Scan.JournalDir)
	v.SetDefault("summarizer.url", d.Summarizer.URL)
	v.SetDefault("summarizer.model", d.Summarizer.Model)
	v.SetDefault("summarizer.timeout", d.Summarizer.Timeout)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads the config file and decodes the result. With an explicit
// configFile the file must exist; otherwise tidyscan.yaml is looked up in the
// working directory and in $HOME/.config/tidyscan, and its absence is fine.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("tidyscan")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "tidyscan"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store.Path) == "" {
		return &ConfigError{Field: "store.path", Message: "cannot be empty"}
	}
	if c.Store.LockTimeout < 0 {
		return &ConfigError{Field: "store.lock_timeout", Message: "cannot be negative"}
	}
	if c.Backups.KeepLast < 0 {
		return &ConfigError{Field: "backups.keep_last", Message: "cannot be negative"}
	}
	if c.Backups.MaxAge < 0 {
		return &ConfigError{Field: "backups.max_age", Message: "cannot be negative"}
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return &ConfigError{Field: "log.format", Message: "must be json or text"}
	}
	return nil
}

// Retention returns the backup retention policy.
func (c *Config) Retention() store.RetentionPolicy {
	return store.RetentionPolicy{KeepLast: c.Backups.KeepLast, MaxAge: c.Backups.MaxAge}
}

// StoreOptions returns the options for opening the result store.
func (c *Config) StoreOptions(lm *store.LockManager) store.Options {
	return store.Options{
		LockManager:   lm,
		ProbeSamples:  c.Store.ProbeSamples,
		ProbeInterval: c.Store.ProbeInterval,
		Retention:     c.Retention(),
	}
}

// SchedulerConfig returns the task scheduler settings.
func (c *Config) SchedulerConfig() task.Config {
	return task.Config{
		Extensions:    c.Scan.Extensions,
		RetryAttempts: c.Store.RetryAttempts,
		RetryBackoff:  c.Store.RetryBackoff,
		JournalDir:    c.Scan.JournalDir,
	}
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}
