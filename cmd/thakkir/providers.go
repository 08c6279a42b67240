package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/MrWong99/thakkir/internal/app"
	"github.com/MrWong99/thakkir/internal/config"
	"github.com/MrWong99/thakkir/pkg/audio"
	"github.com/MrWong99/thakkir/pkg/audio/malgo"
	"github.com/MrWong99/thakkir/pkg/audio/stdin"
	"github.com/MrWong99/thakkir/pkg/provider/stt"
	"github.com/MrWong99/thakkir/pkg/provider/stt/deepgram"
	"github.com/MrWong99/thakkir/pkg/provider/stt/openai"
	"github.com/MrWong99/thakkir/pkg/provider/stt/whisper"
)

// nativeProviders registers build-tag gated providers. Empty by default.
var nativeProviders []func(*config.Registry)

// registerBuiltinProviders wires every shipped factory into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ──────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.Option("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.Option("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if d, err := durationOption(entry, "silence_threshold"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, whisper.WithSilenceThreshold(d))
		}
		if d, err := durationOption(entry, "max_buffer"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, whisper.WithMaxBuffer(d))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if d, err := durationOption(entry, "timeout"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		if n, ok, err := intOption(entry, "max_retries"); err != nil {
			return nil, err
		} else if ok {
			opts = append(opts, openai.WithMaxRetries(n))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// ── Audio ────────────────────────────────────────────────────────────

	reg.RegisterAudio("malgo", func(entry config.ProviderEntry) (audio.Source, error) {
		var opts []malgo.Option
		if dev := entry.Option("device"); dev != "" {
			opts = append(opts, malgo.WithDeviceName(dev))
		}
		if d, err := durationOption(entry, "period"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, malgo.WithPeriod(d))
		}
		src := malgo.New(opts...)
		if err := src.Check(); err != nil {
			return nil, err
		}
		return src, nil
	})

	reg.RegisterAudio("stdin", func(entry config.ProviderEntry) (audio.Source, error) {
		var opts []stdin.Option
		if d, err := durationOption(entry, "chunk"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, stdin.WithChunk(d))
		}
		if on, _ := entry.Options["realtime"].(bool); on {
			opts = append(opts, stdin.WithRealtime(true))
		}
		return stdin.New(os.Stdin, opts...), nil
	})

	for _, register := range nativeProviders {
		register(reg)
	}
	slog.Debug("registered providers", "stt", reg.STTNames(), "audio", reg.AudioNames())
}

// buildProviders instantiates the providers named in cfg. An unregistered
// name is skipped with a warning so the rest of the app still runs.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if entry := cfg.Providers.STT; entry.Name != "" {
		p, err := createSTT(reg, entry)
		if err != nil {
			return nil, err
		}
		if p != nil {
			ps.STT = app.NamedSTT{Name: entry.Name, Provider: p}
		}
	}

	for _, entry := range cfg.Providers.STTFallbacks {
		p, err := createSTT(reg, entry)
		if err != nil {
			return nil, err
		}
		if p != nil {
			ps.STTFallbacks = append(ps.STTFallbacks, app.NamedSTT{Name: entry.Name, Provider: p})
		}
	}

	if entry := cfg.Providers.Audio; entry.Name != "" {
		src, err := reg.CreateAudio(entry)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			slog.Warn("audio source not available, skipping", "name", entry.Name)
		case errors.Is(err, audio.ErrNoDevice), errors.Is(err, audio.ErrUnsupported):
			// No microphone is not fatal; tap counting still works.
			slog.Warn("audio source has no device", "name", entry.Name, "err", err)
		case err != nil:
			return nil, fmt.Errorf("create audio source %q: %w", entry.Name, err)
		default:
			ps.Audio = src
			slog.Info("provider created", "kind", "audio", "name", entry.Name)
		}
	}
	return ps, nil
}

func createSTT(reg *config.Registry, entry config.ProviderEntry) (stt.Provider, error) {
	p, err := reg.CreateSTT(entry)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Warn("stt provider not available in this build, skipping", "name", entry.Name)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", entry.Name)
	return p, nil
}

func durationOption(entry config.ProviderEntry, key string) (time.Duration, error) {
	v := entry.Option(key)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: option %s: %w", entry.Name, key, err)
	}
	return d, nil
}

// intOption accepts both YAML integers and numeric strings.
func intOption(entry config.ProviderEntry, key string) (int, bool, error) {
	switch v := entry.Options[key].(type) {
	case nil:
		return 0, false, nil
	case int:
		return v, true, nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false, fmt.Errorf("%s: option %s: %w", entry.Name, key, err)
		}
		return n, true, nil
	default:
		return 0, false, fmt.Errorf("%s: option %s: unsupported type %T", entry.Name, key, v)
	}
}
