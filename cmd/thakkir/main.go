// Command thakkir counts dhikr by tap or by voice and keeps the session
// history consistent.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/thakkir/internal/app"
	"github.com/MrWong99/thakkir/internal/config"
)

const appName = "thakkir"

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globals carries the persistent flags and the shared log level.
type globals struct {
	configPath string
	logLevel   string
	levelVar   *slog.LevelVar
}

func rootCmd() *cobra.Command {
	g := &globals{levelVar: new(slog.LevelVar)}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Voice dhikr counter",
		Long: `Thakkir counts dhikr phrases, by tap or by voice, against a target.

Sessions are persisted to the configured store (memory, sqlite or
postgres). The serve command runs the recogniser and the operational
HTTP endpoints; the other commands inspect and maintain the store.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "config.yaml", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override server.log_level (debug, info, warn, error)")

	cmd.AddCommand(
		serveCmd(g),
		detectCmd(g),
		integrityCmd(g),
		cleanupCmd(g),
		sessionsCmd(g),
		progressCmd(g),
		templatesCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
			},
		},
	)
	return cmd
}

// loadConfig reads the config file and applies the --log-level override.
// A missing file is only an error when --config was given explicitly.
func (g *globals) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	switch {
	case errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config"):
		cfg = config.Default()
		slog.Debug("no config file, using defaults", "path", g.configPath)
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("config file %q not found", g.configPath)
	case err != nil:
		return nil, err
	}

	if err := g.override(cfg); err != nil {
		return nil, err
	}
	g.setupLogger(cfg.Server.LogLevel)
	return cfg, nil
}

func (g *globals) override(cfg *config.Config) error {
	if g.logLevel == "" {
		return nil
	}
	lvl := config.LogLevel(g.logLevel)
	if !lvl.IsValid() {
		return fmt.Errorf("invalid --log-level %q", g.logLevel)
	}
	cfg.Server.LogLevel = lvl
	return nil
}

func (g *globals) setupLogger(level config.LogLevel) {
	g.levelVar.Set(app.ParseLevel(level))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: g.levelVar})))
}

// openApp builds an App without voice providers, for the store commands.
func (g *globals) openApp(cmd *cobra.Command) (*app.App, *config.Config, error) {
	cfg, err := g.loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	// Offline commands never serve HTTP.
	cfg.Server.ListenAddr = ""

	a, err := app.New(cmd.Context(), cfg, nil, app.WithLevelVar(g.levelVar))
	if err != nil {
		return nil, nil, err
	}
	return a, cfg, nil
}

func closeApp(ctx context.Context, a *app.App) {
	if err := a.Shutdown(context.WithoutCancel(ctx)); err != nil {
		slog.Warn("shutdown", "err", err)
	}
}
