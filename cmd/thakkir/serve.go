package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/thakkir/internal/app"
	"github.com/MrWong99/thakkir/internal/config"
	"github.com/MrWong99/thakkir/internal/observe"
	"github.com/MrWong99/thakkir/pkg/store"
)

const shutdownTimeout = 15 * time.Second

func serveCmd(g *globals) *cobra.Command {
	var listen bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the counter with voice recognition and health endpoints",
		Long: `Serve runs the counter until interrupted.

Commands are read line by line from stdin (unless stdin carries audio):
  t                    tap once
  s <phrase> [target]  start a session
  c                    complete the session
  r                    reset the counter
  q                    quit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.serve(cmd, listen)
		},
	}
	cmd.Flags().BoolVar(&listen, "listen", false, "Start voice recognition immediately")
	return cmd
}

func (g *globals) serve(cmd *cobra.Command, listen bool) error {
	cfg, err := g.loadConfig(cmd)
	if err != nil {
		return err
	}
	slog.Info("thakkir starting",
		"version", Version,
		"config", g.configPath,
		"store", cfg.Store.Driver,
		"listen_addr", cfg.Server.ListenAddr,
	)

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.Setup(ctx, observe.Options{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: Version,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	a, err := app.New(ctx, cfg, providers, app.WithLevelVar(g.levelVar), app.WithTelemetry(tel))
	if err != nil {
		_ = tel.Shutdown(context.WithoutCancel(ctx))
		return fmt.Errorf("initialise app: %w", err)
	}

	if _, statErr := os.Stat(g.configPath); statErr == nil {
		w, err := config.NewWatcher(g.configPath, func(_, next *config.Config) {
			if err := g.override(next); err != nil {
				slog.Warn("config reload", "err", err)
			}
			if d := a.ApplyConfig(ctx, next); !d.Empty() {
				slog.Info("config reloaded", "path", g.configPath)
			}
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	if listen {
		if err := a.StartListening(ctx); err != nil {
			slog.Warn("cannot start listening", "err", err)
		}
	}

	out := cmd.OutOrStdout()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		printRecognitions(ctx, a.Recognitions(), out)
	}()

	if cfg.Providers.Audio.Name != "stdin" {
		go runCommands(ctx, a, cmd.InOrStdin(), out, stop)
	}

	slog.Info("ready, press Ctrl+C to shut down")
	err = <-runErr
	stop()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	slog.Info("stopping")
	if sErr := a.Shutdown(shutdownCtx); sErr != nil {
		err = errors.Join(err, sErr)
	}
	if tErr := tel.Shutdown(shutdownCtx); tErr != nil {
		err = errors.Join(err, tErr)
	}
	if err != nil {
		return err
	}
	slog.Info("goodbye")
	return nil
}

func printRecognitions(ctx context.Context, events <-chan app.Recognition, w io.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-events:
			mark := " "
			if r.Counted {
				mark = "+"
			}
			fmt.Fprintf(w, "%s %-14s %.2f %q\n", mark, r.Detection.PhraseID, r.Confidence, r.Utterance.Text)
		}
	}
}

// runCommands executes stdin commands until EOF, "q" or ctx ends. Only "q"
// calls quit, so a daemon with stdin closed keeps running.
func runCommands(ctx context.Context, a *app.App, r io.Reader, w io.Writer, quit func()) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "q" {
			quit()
			return
		}
		if err := execCommand(ctx, a, fields, w); err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
		}
	}
}

func execCommand(ctx context.Context, a *app.App, fields []string, w io.Writer) error {
	switch fields[0] {
	case "t":
		if !a.IncrementCount(ctx, store.MethodTap) {
			return errors.New("no active session")
		}
	case "s":
		if len(fields) < 2 {
			return errors.New("usage: s <phrase> [target]")
		}
		target := 0
		if len(fields) > 2 {
			n, err := strconv.Atoi(fields[2])
			if err != nil || n < 0 {
				return fmt.Errorf("invalid target %q", fields[2])
			}
			target = n
		}
		if _, err := a.StartSession(ctx, fields[1], target); err != nil {
			return err
		}
	case "c":
		if !a.CompleteSession(ctx) {
			return errors.New("nothing to complete")
		}
	case "r":
		a.ResetSession()
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}

	c := a.Counter()
	switch {
	case !c.Active:
		fmt.Fprintln(w, "idle")
	case c.Target > 0:
		fmt.Fprintf(w, "%s %d/%d\n", c.TemplateID, c.Count, c.Target)
	default:
		fmt.Fprintf(w, "%s %d\n", c.TemplateID, c.Count)
	}
	return nil
}
