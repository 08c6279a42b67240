// Package health serves the liveness and readiness probes.
//
//   - /healthz always answers 200 while the process can serve HTTP.
//   - /readyz answers 200 only when every registered [Checker] passes.
//
// Both respond with JSON: a "status" of "ok" or "fail" and, for /readyz,
// a "checks" map keyed by checker name.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Pinger is satisfied by the session store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreChecker reports whether the persistence backend answers a ping.
func StoreChecker(p Pinger) Checker {
	return Checker{Name: "store", Check: p.Ping}
}

// ErrNotRunning is reported by [LoopChecker] when the loop has exited.
var ErrNotRunning = errors.New("not running")

// LoopChecker reports whether a background loop is alive.
func LoopChecker(name string, running func() bool) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if !running() {
			return ErrNotRunning
		}
		return nil
	}}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker concurrently, each under its own [checkTimeout]
// derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		allOK  = true
	)

	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
			} else {
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register mounts the probe routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
