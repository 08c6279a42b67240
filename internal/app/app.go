// Package app wires the thakkir subsystems into a running daemon.
//
// New opens the store, seeds it and builds the matcher, reconciler and
// recognition controller. Run drives the controller loop and the operational
// HTTP server until the context ends. Shutdown releases everything in order.
//
// Tests inject doubles through the With* options; anything not injected is
// built from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/thakkir/internal/config"
	"github.com/MrWong99/thakkir/internal/dedup"
	"github.com/MrWong99/thakkir/internal/matcher"
	"github.com/MrWong99/thakkir/internal/observe"
	"github.com/MrWong99/thakkir/internal/phrase"
	"github.com/MrWong99/thakkir/internal/progress"
	"github.com/MrWong99/thakkir/internal/recognition"
	"github.com/MrWong99/thakkir/internal/reconcile"
	"github.com/MrWong99/thakkir/internal/resilience"
	"github.com/MrWong99/thakkir/pkg/audio"
	"github.com/MrWong99/thakkir/pkg/provider/stt"
	"github.com/MrWong99/thakkir/pkg/store"
	"github.com/MrWong99/thakkir/pkg/store/memstore"
	"github.com/MrWong99/thakkir/pkg/store/postgres"
	"github.com/MrWong99/thakkir/pkg/store/sqlite"
	"github.com/MrWong99/thakkir/pkg/types"
)

const (
	// keywordBoost is the weight handed to providers that accept keyword hints.
	keywordBoost = 2.0

	// drainTimeout bounds how long Shutdown waits for queued session writes.
	drainTimeout = 5 * time.Second
)

// NamedSTT is an STT provider with the name it was registered under.
type NamedSTT struct {
	Name     string
	Provider stt.Provider
}

// Providers holds the pluggable speech backends. A nil STT or Audio leaves
// voice listening unavailable; tapping and maintenance still work.
type Providers struct {
	STT          NamedSTT
	STTFallbacks []NamedSTT
	Audio        audio.Source
}

// Recognition is one final utterance after matching.
type Recognition struct {
	Utterance types.Utterance
	Detection matcher.DetectionResult

	// Confidence is the larger of the engine's and the matcher's.
	Confidence float64

	// Counted reports whether the detection incremented the active session.
	Counted bool
	At      time.Time
}

// App owns all subsystem lifetimes.
type App struct {
	cfgMu sync.Mutex
	cfg   *config.Config

	providers *Providers
	store     store.Store
	table     *phrase.Table
	metrics   *observe.Metrics
	scrape    http.Handler
	levelVar  *slog.LevelVar
	now       func() time.Time

	matcher   atomic.Pointer[matcher.Matcher]
	threshold atomic.Uint64 // math.Float64bits

	reconciler *reconcile.Reconciler
	checker    *dedup.Checker
	progress   *progress.Tracker

	engine     recognition.Engine
	controller *recognition.Controller
	events     chan Recognition

	tallyMu sync.Mutex
	tally   map[string]int

	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of opening one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithEngine injects a recognition engine instead of building one from the
// providers.
func WithEngine(e recognition.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithMetrics overrides the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry records into tel's instruments and serves its registry on
// /metrics.
func WithTelemetry(tel *observe.Telemetry) Option {
	return func(a *App) {
		a.metrics = tel.Metrics
		a.scrape = tel.Handler()
	}
}

// WithLevelVar lets hot reloads change the process log level.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// WithPhraseTable replaces the built-in phrase table.
func WithPhraseTable(t *phrase.Table) Option {
	return func(a *App) { a.table = t }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New wires every subsystem. A store that cannot be seeded does not fail
// New: counting stays disabled (StartSession reports
// reconcile.ErrNotInitialized) while detection and maintenance keep working.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		now:       time.Now,
		events:    make(chan Recognition, 32),
		tally:     make(map[string]int),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.table == nil {
		a.table = phrase.Default()
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Matcher ───────────────────────────────────────────────────────
	a.matcher.Store(matcher.New(a.table, matcher.WithPhonetic(cfg.Voice.PhoneticFallback)))
	a.setThreshold(cfg.Voice.ConfidenceThreshold)

	// ── 3. Reconciler ────────────────────────────────────────────────────
	a.reconciler = reconcile.New(a.store, reconcile.Config{
		UserID:       cfg.User.ID,
		UserName:     cfg.User.Name,
		Templates:    a.templates(),
		WriteTimeout: cfg.Store.WriteTimeout,
		Metrics:      a.metrics,
		Now:          a.now,
	})
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		return a.reconciler.Close(ctx)
	})
	if err := a.reconciler.Init(ctx); err != nil {
		slog.Error("store not initialised; counting disabled until restart", "err", err)
	}

	// ── 4. Maintenance and progress ──────────────────────────────────────
	a.checker = dedup.New(a.store,
		dedup.WithClock(a.now),
		dedup.WithRemovalHook(a.metrics.RecordCleanupRemoved),
	)
	a.progress = progress.New(a.store, a.table.IDs())

	// ── 5. Recognition ───────────────────────────────────────────────────
	a.initRecognition()

	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	var (
		s   store.Store
		err error
	)
	switch a.cfg.Store.Driver {
	case config.DriverMemory:
		s = memstore.New()
	case config.DriverSQLite:
		s, err = sqlite.Open(ctx, a.cfg.Store.SQLitePath)
	case config.DriverPostgres:
		s, err = postgres.Open(ctx, a.cfg.Store.PostgresDSN)
	default:
		err = fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
	}
	if err != nil {
		return err
	}
	a.store = s
	a.closers = append(a.closers, s.Close)
	slog.Info("store opened", "driver", a.cfg.Store.Driver)
	return nil
}

func (a *App) templates() []phrase.Template {
	defaults := phrase.DefaultTemplates()
	byID := make(map[string]phrase.Template, len(defaults))
	for _, t := range defaults {
		byID[t.ID] = t
	}
	out := make([]phrase.Template, 0, a.table.Len())
	for _, p := range a.table.Phrases() {
		t, ok := byID[p.ID]
		if !ok {
			t = phrase.Template{ID: p.ID}
			if len(p.Arabic) > 0 {
				t.ArabicText = p.Arabic[0]
			}
			if len(p.Transliterations) > 0 {
				t.Transliteration = p.Transliterations[0]
			}
		}
		out = append(out, t)
	}
	return out
}

func (a *App) initRecognition() {
	if a.engine == nil {
		sttp := a.sttProvider()
		if sttp == nil || a.providers.Audio == nil {
			slog.Info("voice listening unavailable: no speech provider or audio source configured")
			return
		}
		a.engine = recognition.NewSTTEngine(sttp, a.providers.Audio)
	}

	v := a.cfg.Voice
	a.controller = recognition.New(recognition.Config{
		Engine:             a.engine,
		Settings:           a.settings(v),
		RestartDelay:       v.RestartDelay,
		MaxRestartDelay:    v.MaxRestartDelay,
		MinRestartInterval: v.MinRestartInterval,
		OnFinal:            a.handleFinal,
		OnError:            a.handleRecognitionError,
		OnStateChange:      a.handleStateChange,
		Now:                a.now,
	})
}

// sttProvider returns the primary provider, wrapped for failover when
// fallbacks are configured.
func (a *App) sttProvider() stt.Provider {
	p := a.providers.STT
	if p.Provider == nil {
		return nil
	}
	if len(a.providers.STTFallbacks) == 0 {
		return p.Provider
	}
	fb := resilience.NewSTTFallback(p.Provider, p.Name, resilience.FallbackConfig{})
	for _, f := range a.providers.STTFallbacks {
		fb.AddFallback(f.Name, f.Provider)
	}
	return fb
}

func (a *App) settings(v config.VoiceConfig) recognition.Settings {
	return recognition.Settings{
		Language:        v.Language,
		Continuous:      v.Continuous,
		MaxAlternatives: v.MaxAlternatives,
		Keywords:        a.table.KeywordBoosts(keywordBoost),
	}
}

// ─── Core API ────────────────────────────────────────────────────────────────

// DetectPhrase runs the matcher over text. The threshold gate is not
// applied; callers compare against [App.Threshold] if they need it.
func (a *App) DetectPhrase(text string) matcher.DetectionResult {
	return a.matcher.Load().Detect(text)
}

// Threshold is the confidence a voice detection needs before it counts.
func (a *App) Threshold() float64 {
	return math.Float64frombits(a.threshold.Load())
}

func (a *App) setThreshold(t float64) {
	a.threshold.Store(math.Float64bits(t))
}

// StartSession begins counting phraseID toward target (0 for open-ended).
// The phrase must be in the table.
func (a *App) StartSession(ctx context.Context, phraseID string, target int) (store.Session, error) {
	if phraseID != "" {
		if _, ok := a.table.Lookup(phraseID); !ok {
			return store.Session{}, fmt.Errorf("app: start session: unknown phrase %q", phraseID)
		}
	}
	s, err := a.reconciler.StartSession(ctx, phraseID, target)
	if err != nil {
		return store.Session{}, err
	}
	a.tallyMu.Lock()
	clear(a.tally)
	a.tallyMu.Unlock()
	return s, nil
}

// IncrementCount adds one to the active session.
func (a *App) IncrementCount(ctx context.Context, method store.CountMethod) bool {
	return a.reconciler.Increment(ctx, method)
}

// CompleteSession finishes the active session.
func (a *App) CompleteSession(ctx context.Context) bool {
	return a.reconciler.Complete(ctx)
}

// ResetSession discards the active session without persisting anything.
func (a *App) ResetSession() {
	a.reconciler.Reset()
	a.tallyMu.Lock()
	clear(a.tally)
	a.tallyMu.Unlock()
}

// Counter returns the live counter.
func (a *App) Counter() reconcile.Counter { return a.reconciler.Counter() }

// VoiceTally returns how often each phrase was counted by voice in the
// active session.
func (a *App) VoiceTally() map[string]int {
	a.tallyMu.Lock()
	defer a.tallyMu.Unlock()
	out := make(map[string]int, len(a.tally))
	for k, v := range a.tally {
		out[k] = v
	}
	return out
}

// StartListening starts voice recognition. It fails with
// recognition.ErrUnsupported when no engine is available. [App.Run] must be
// executing.
func (a *App) StartListening(ctx context.Context) error {
	if a.controller == nil {
		return fmt.Errorf("%w: no speech provider or audio source configured", recognition.ErrUnsupported)
	}
	return a.controller.Start(ctx)
}

// StopListening stops voice recognition. Idempotent.
func (a *App) StopListening(ctx context.Context) {
	if a.controller == nil {
		return
	}
	if err := a.controller.Stop(ctx); err != nil && !errors.Is(err, recognition.ErrNotRunning) {
		slog.Warn("stop listening", "err", err)
	}
}

// ListeningState reports the recognition state (Idle when unavailable).
func (a *App) ListeningState() recognition.State {
	if a.controller == nil {
		return recognition.StateIdle
	}
	return a.controller.State()
}

// Recognitions delivers matched finals. Slow readers miss events; counting
// does not depend on this channel.
func (a *App) Recognitions() <-chan Recognition { return a.events }

// Flush waits for queued session writes to reach the store.
func (a *App) Flush(ctx context.Context) error { return a.reconciler.Flush(ctx) }

// RunIntegrityCheck reports duplicates, orphans and totals.
func (a *App) RunIntegrityCheck(ctx context.Context) (dedup.Report, error) {
	if err := a.Flush(ctx); err != nil {
		return dedup.Report{}, err
	}
	return a.checker.IntegrityReport(ctx)
}

// PerformCleanup removes duplicate and orphaned sessions.
func (a *App) PerformCleanup(ctx context.Context) (res dedup.CleanupResult, err error) {
	ctx, span := observe.StartSpan(ctx, "dedup.cleanup")
	defer func() { observe.EndSpan(span, errors.Join(err, errors.Join(res.Errors...))) }()

	if err = a.Flush(ctx); err != nil {
		return res, err
	}
	res, err = a.checker.PerformCleanup(ctx)
	if err != nil {
		return res, err
	}
	observe.Logger(ctx).Info("cleanup finished",
		"duplicates_removed", res.DuplicatesRemoved,
		"orphans_removed", res.OrphansRemoved,
		"kept", res.Kept,
		"errors", len(res.Errors),
	)
	return res, nil
}

// Today returns the configured user's progress for the current day.
func (a *App) Today(ctx context.Context) (progress.Daily, error) {
	if err := a.Flush(ctx); err != nil {
		return progress.Daily{}, err
	}
	return a.progress.Today(ctx, a.Config().User.ID, a.now())
}

// History lists stored sessions matching f.
func (a *App) History(ctx context.Context, f store.SessionFilter) ([]store.Session, error) {
	if err := a.Flush(ctx); err != nil {
		return nil, err
	}
	return a.progress.History(ctx, f)
}

// Templates lists the stored phrase templates.
func (a *App) Templates(ctx context.Context) ([]store.Template, error) {
	return a.store.ListTemplates(ctx)
}

// Config returns the config currently in effect.
func (a *App) Config() *config.Config {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	return a.cfg
}

// ─── Recognition callbacks ───────────────────────────────────────────────────

// handleFinal runs on the controller loop.
func (a *App) handleFinal(u types.Utterance) {
	ctx, span := observe.StartSpan(context.Background(), "recognition.final",
		observe.Attr("utterance.text", u.Text))
	defer span.End()
	log := observe.Logger(ctx)

	if u.Duration > 0 {
		a.metrics.STTDuration.Record(ctx, u.Duration.Seconds())
	}

	det := a.matcher.Load().DetectUtterance(u)
	switch {
	case !det.Matched():
		a.metrics.RecordDropped(ctx, "no-match")
		log.Debug("no phrase in utterance", "text", u.Text)
		return
	case !matcher.Accept(det, a.Threshold()):
		a.metrics.RecordDropped(ctx, "below-threshold")
		log.Debug("detection below threshold",
			"phrase", det.PhraseID,
			"confidence", det.Confidence,
			"threshold", a.Threshold(),
		)
		return
	}
	a.metrics.RecordDetection(ctx, det.PhraseID, string(det.Method))
	span.SetAttributes(observe.Attr("phrase", det.PhraseID), observe.Attr("match.method", string(det.Method)))

	counted := a.reconciler.Increment(ctx, store.MethodVoice)
	if counted {
		a.tallyMu.Lock()
		a.tally[det.PhraseID]++
		a.tallyMu.Unlock()
	} else {
		a.metrics.RecordDropped(ctx, "no-session")
	}
	log.Info("phrase detected",
		"phrase", det.PhraseID,
		"method", det.Method,
		"confidence", det.Confidence,
		"counted", counted,
	)

	rec := Recognition{
		Utterance:  u,
		Detection:  det,
		Confidence: max(u.Confidence, det.Confidence),
		Counted:    counted,
		At:         a.now(),
	}
	select {
	case a.events <- rec:
	default:
	}
}

func (a *App) handleRecognitionError(err error) {
	code := stt.CodeOf(err)
	a.metrics.RecordRecognitionError(context.Background(), string(code))
	slog.Error("voice recognition stopped", "code", code, "err", err)
}

func (a *App) handleStateChange(s recognition.State) {
	if s == recognition.StateRestarting {
		a.metrics.RecognitionRestarts.Add(context.Background(), 1)
	}
	slog.Debug("recognition state", "state", s)
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of next. Everything else
// (store, providers, listen address) needs a restart.
func (a *App) ApplyConfig(ctx context.Context, next *config.Config) config.ConfigDiff {
	a.cfgMu.Lock()
	d := config.Diff(a.cfg, next)
	a.cfg = next
	a.cfgMu.Unlock()

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(ParseLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ThresholdChanged {
		a.setThreshold(d.NewThreshold)
		slog.Info("confidence threshold changed", "threshold", d.NewThreshold)
	}
	if d.PhoneticChanged {
		a.matcher.Store(matcher.New(a.table, matcher.WithPhonetic(d.NewPhonetic)))
		slog.Info("phonetic fallback changed", "enabled", d.NewPhonetic)
	}
	if d.VoiceRestartRequired && a.controller != nil {
		if err := a.controller.Reconfigure(ctx, a.settings(next.Voice)); err != nil {
			slog.Warn("reconfigure recognition", "err", err)
		}
	}
	return d
}

// ParseLevel maps a config log level onto slog. Unknown values mean info.
func ParseLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes subsystems in reverse-init order. If ctx expires first,
// the remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
