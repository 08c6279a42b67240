package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/thakkir/internal/health"
	"github.com/MrWong99/thakkir/internal/observe"
)

const (
	readHeaderTimeout   = 5 * time.Second
	httpShutdownTimeout = 5 * time.Second
)

// Handler returns the operational router: /healthz, /readyz and, when
// enabled, /metrics. The core API is not exposed here.
func (a *App) Handler() http.Handler {
	checkers := []health.Checker{health.StoreChecker(a.store)}
	if a.controller != nil {
		checkers = append(checkers, health.LoopChecker("recognition", a.controller.Running))
	}

	r := chi.NewRouter()
	r.Use(observe.Middleware(a.metrics))
	health.New(checkers...).Register(r)
	if a.Config().Observability.Metrics {
		scrape := a.scrape
		if scrape == nil {
			scrape = promhttp.Handler()
		}
		r.Method(http.MethodGet, "/metrics", scrape)
	}
	return r
}

// Run drives the recognition loop and, if server.listen_addr is set, the
// operational HTTP server. It returns nil once ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.controller != nil {
		g.Go(func() error { return a.controller.Run(gctx) })
	}

	if addr := a.Config().Server.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", addr, err)
		}
		g.Go(func() error { return a.serve(gctx, ln) })
	}

	slog.Info("app running", "listening_supported", a.controller != nil)
	<-gctx.Done()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	slog.Info("http server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown", "err", err)
	}
	return nil
}
