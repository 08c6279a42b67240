// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for the thakkir daemon.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// StoreDriver selects the persistence backend.
type StoreDriver string

const (
	DriverMemory   StoreDriver = "memory"
	DriverSQLite   StoreDriver = "sqlite"
	DriverPostgres StoreDriver = "postgres"
)

// IsValid reports whether d is a recognised store driver.
func (d StoreDriver) IsValid() bool {
	switch d {
	case DriverMemory, DriverSQLite, DriverPostgres:
		return true
	}
	return false
}

// Defaults applied by [Default] before a file is decoded over them.
const (
	DefaultListenAddr          = ":9090"
	DefaultSQLitePath          = "./data/thakkir.db"
	DefaultWriteTimeout        = 2 * time.Second
	DefaultUserID              = "default-user"
	DefaultLanguage            = "ar-SA"
	DefaultConfidenceThreshold = 0.6
	DefaultMaxAlternatives     = 3
	DefaultRestartDelay        = time.Second
	DefaultMaxRestartDelay     = 5 * time.Second
	DefaultMinRestartInterval  = time.Second
	DefaultServiceName         = "thakkir"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Store         StoreConfig         `yaml:"store"`
	User          UserConfig          `yaml:"user"`
	Voice         VoiceConfig         `yaml:"voice"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds the operational HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr serves /healthz, /readyz and /metrics. Empty disables it.
	ListenAddr string   `yaml:"listen_addr"`
	LogLevel   LogLevel `yaml:"log_level"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver      StoreDriver `yaml:"driver"`
	SQLitePath  string      `yaml:"sqlite_path"`
	PostgresDSN string      `yaml:"postgres_dsn"`

	// WriteTimeout bounds each background persistence call.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// UserConfig identifies the single local user.
type UserConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// VoiceConfig tunes recognition and phrase detection.
type VoiceConfig struct {
	// Language is a BCP-47 tag handed to the recognizer.
	Language   string `yaml:"language"`
	Continuous bool   `yaml:"continuous"`

	// ConfidenceThreshold is the minimum matcher confidence, in [0, 1].
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MaxAlternatives     int     `yaml:"max_alternatives"`
	PhoneticFallback    bool    `yaml:"phonetic_fallback"`

	RestartDelay       time.Duration `yaml:"restart_delay"`
	MaxRestartDelay    time.Duration `yaml:"max_restart_delay"`
	MinRestartInterval time.Duration `yaml:"min_restart_interval"`
}

// ProvidersConfig declares which registered implementations to use.
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`

	// STTFallbacks are tried in order when the primary fails to start.
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`
	Audio        ProviderEntry   `yaml:"audio"`
}

// ProviderEntry is the common configuration block for any pluggable provider.
type ProviderEntry struct {
	// Name selects the registered implementation (e.g. "deepgram", "malgo").
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// Option returns Options[key] as a string, or "" if absent or not a string.
func (e ProviderEntry) Option(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// ObservabilityConfig controls telemetry export.
type ObservabilityConfig struct {
	ServiceName string `yaml:"service_name"`
	Metrics     bool   `yaml:"metrics"`
}

// Default returns a Config populated with every default value. Decoding a
// file over it leaves keys absent from the file at their defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: DefaultListenAddr,
			LogLevel:   LogInfo,
		},
		Store: StoreConfig{
			Driver:       DriverSQLite,
			SQLitePath:   DefaultSQLitePath,
			WriteTimeout: DefaultWriteTimeout,
		},
		User: UserConfig{ID: DefaultUserID},
		Voice: VoiceConfig{
			Language:            DefaultLanguage,
			Continuous:          true,
			ConfidenceThreshold: DefaultConfidenceThreshold,
			MaxAlternatives:     DefaultMaxAlternatives,
			PhoneticFallback:    true,
			RestartDelay:        DefaultRestartDelay,
			MaxRestartDelay:     DefaultMaxRestartDelay,
			MinRestartInterval:  DefaultMinRestartInterval,
		},
		Observability: ObservabilityConfig{
			ServiceName: DefaultServiceName,
			Metrics:     true,
		},
	}
}
