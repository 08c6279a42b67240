package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":   {"deepgram", "whisper", "whisper-native", "openai"},
	"audio": {"malgo", "stdin"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] and validates
// the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults refills identity fields that were explicitly blanked.
func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverSQLite
	}
	if cfg.Store.WriteTimeout == 0 {
		cfg.Store.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.User.ID == "" {
		cfg.User.ID = DefaultUserID
	}
	if cfg.Voice.Language == "" {
		cfg.Voice.Language = DefaultLanguage
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Store
	switch {
	case !cfg.Store.Driver.IsValid():
		errs = append(errs, fmt.Errorf("store.driver %q is invalid; valid values: memory, sqlite, postgres", cfg.Store.Driver))
	case cfg.Store.Driver == DriverSQLite && cfg.Store.SQLitePath == "":
		errs = append(errs, errors.New("store.sqlite_path is required when driver is sqlite"))
	case cfg.Store.Driver == DriverPostgres && cfg.Store.PostgresDSN == "":
		errs = append(errs, errors.New("store.postgres_dsn is required when driver is postgres"))
	}
	if cfg.Store.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("store.write_timeout %s must not be negative", cfg.Store.WriteTimeout))
	}

	// Voice
	v := cfg.Voice
	if v.ConfidenceThreshold < 0 || v.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("voice.confidence_threshold %.2f is out of range [0, 1]", v.ConfidenceThreshold))
	}
	if v.MaxAlternatives < 1 {
		errs = append(errs, fmt.Errorf("voice.max_alternatives %d must be at least 1", v.MaxAlternatives))
	}
	if v.RestartDelay < 0 || v.MaxRestartDelay < 0 || v.MinRestartInterval < 0 {
		errs = append(errs, errors.New("voice restart durations must not be negative"))
	}
	if v.MaxRestartDelay > 0 && v.RestartDelay > v.MaxRestartDelay {
		errs = append(errs, fmt.Errorf("voice.restart_delay %s exceeds voice.max_restart_delay %s", v.RestartDelay, v.MaxRestartDelay))
	}

	// Providers
	validateProviderName("stt", cfg.Providers.STT.Name)
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("stt", fb.Name)
	}
	validateProviderName("audio", cfg.Providers.Audio.Name)
	if len(cfg.Providers.STTFallbacks) > 0 && cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt_fallbacks requires providers.stt"))
	}
	if cfg.Providers.STT.Name != "" && cfg.Providers.Audio.Name == "" {
		slog.Warn("providers.stt is configured but providers.audio is not; voice listening will be unavailable")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
