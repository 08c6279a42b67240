package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/thakkir/pkg/provider/stt"
	"github.com/MrWong99/thakkir/pkg/types"
)

// Restart backoff defaults.
const (
	DefaultRestartDelay       = time.Second
	DefaultMaxRestartDelay    = 5 * time.Second
	DefaultMinRestartInterval = time.Second
)

// ErrNotRunning is returned by requests made while [Controller.Run] is not
// executing.
var ErrNotRunning = errors.New("recognition: controller not running")

// State is the controller's listening state.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateRestarting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateRestarting:
		return "restarting"
	}
	return "unknown"
}

// Config configures a [Controller]. Callbacks run on the controller's loop
// goroutine and must not call back into the controller synchronously.
type Config struct {
	Engine   Engine
	Settings Settings

	// RestartDelay is the base delay before an automatic restart.
	RestartDelay time.Duration

	// MaxRestartDelay caps the backoff.
	MaxRestartDelay time.Duration

	// MinRestartInterval is how long a stream must stay up for the delay to
	// reset. Streams that die sooner double it.
	MinRestartInterval time.Duration

	OnFinal       func(types.Utterance)
	OnInterim     func(types.Utterance)
	OnError       func(error)
	OnStateChange func(State)

	// Now overrides the clock in tests.
	Now func() time.Time
}

type msgKind int

const (
	msgStart msgKind = iota
	msgStop
	msgEvent
	msgRestart
	msgReconfigure
)

type message struct {
	kind     msgKind
	gen      uint64
	event    Event
	settings Settings
	reply    chan error
}

// Controller is the recognition state machine. All state changes happen on
// the goroutine executing [Controller.Run]; the other methods post messages
// to it.
type Controller struct {
	cfg  Config
	now  func() time.Time
	msgs chan message
	done chan struct{}

	ran     atomic.Bool
	running atomic.Bool
	state   atomic.Int32

	// Owned by the loop.
	ctx        context.Context
	settings   Settings
	stream     Stream
	gen        uint64
	timer      *time.Timer
	timerGen   uint64
	manualStop bool
	delay      time.Duration
	openedAt   time.Time
	startedAt  time.Time
}

// New returns a Controller. Zero durations take the defaults.
func New(cfg Config) *Controller {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	if cfg.MaxRestartDelay <= 0 {
		cfg.MaxRestartDelay = DefaultMaxRestartDelay
	}
	if cfg.MaxRestartDelay < cfg.RestartDelay {
		cfg.MaxRestartDelay = cfg.RestartDelay
	}
	if cfg.MinRestartInterval <= 0 {
		cfg.MinRestartInterval = DefaultMinRestartInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		cfg:      cfg,
		now:      now,
		msgs:     make(chan message, 64),
		done:     make(chan struct{}),
		settings: cfg.Settings,
		delay:    cfg.RestartDelay,
	}
}

// State returns the current state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Running reports whether the loop is executing.
func (c *Controller) Running() bool { return c.running.Load() }

// Run processes messages until ctx is cancelled, then stops any stream and
// returns nil. Streams opened by the controller live on ctx. Run must be
// called exactly once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.ran.CompareAndSwap(false, true) {
		return errors.New("recognition: Run called twice")
	}
	c.ctx = ctx
	c.running.Store(true)
	defer close(c.done)
	defer c.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-c.msgs:
			c.handle(m)
		}
	}
}

// Start begins listening. It is a no-op unless the controller is idle.
// Unsupported engines yield an error wrapping [ErrUnsupported]; a terminal
// open failure is returned as is. Transient open failures are retried in
// the background and Start returns nil.
func (c *Controller) Start(ctx context.Context) error {
	return c.request(ctx, message{kind: msgStart})
}

// Stop stops listening and cancels any pending restart. Idempotent.
func (c *Controller) Stop(ctx context.Context) error {
	return c.request(ctx, message{kind: msgStop})
}

// Reconfigure replaces the stream settings. A live stream is reopened with
// them; a pending restart picks them up.
func (c *Controller) Reconfigure(ctx context.Context, s Settings) error {
	return c.request(ctx, message{kind: msgReconfigure, settings: s})
}

func (c *Controller) request(ctx context.Context, m message) error {
	m.reply = make(chan error, 1)
	select {
	case c.msgs <- m:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrNotRunning
	}
	select {
	case err := <-m.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrNotRunning
	}
}

// post delivers m from a background goroutine. False once Run has exited.
func (c *Controller) post(m message) bool {
	select {
	case c.msgs <- m:
		return true
	case <-c.done:
		return false
	}
}

// ── Loop ────────────────────────────────────────────────────────────────────

func (c *Controller) handle(m message) {
	switch m.kind {
	case msgStart:
		m.reply <- c.start()
	case msgStop:
		c.stop()
		m.reply <- nil
	case msgReconfigure:
		c.reconfigure(m.settings)
		m.reply <- nil
	case msgEvent:
		if m.gen == c.gen && c.stream != nil {
			c.handleEvent(m.event)
		}
	case msgRestart:
		if m.gen == c.timerGen && c.State() == StateRestarting {
			c.timer = nil
			c.restart()
		}
	}
}

func (c *Controller) start() error {
	if c.State() != StateIdle {
		return nil
	}
	c.manualStop = false
	if err := c.cfg.Engine.Supported(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupported, err)
	}
	c.delay = c.cfg.RestartDelay
	if err := c.open(); err != nil {
		if stt.CodeOf(err).Terminal() {
			c.setState(StateIdle)
			return err
		}
		slog.Warn("recognition: open failed, retrying", "error", err, "delay", c.delay)
		c.scheduleRestart()
	}
	return nil
}

func (c *Controller) stop() {
	c.manualStop = true
	c.stopTimer()
	c.teardown()
	c.setState(StateIdle)
}

func (c *Controller) reconfigure(s Settings) {
	c.settings = s
	if c.State() != StateListening {
		return
	}
	c.teardown()
	if err := c.open(); err != nil {
		c.openFailed(err)
	}
}

func (c *Controller) restart() {
	if c.manualStop {
		c.setState(StateIdle)
		return
	}
	slog.Info("recognition: restarting stream")
	if err := c.open(); err != nil {
		c.openFailed(err)
	}
}

func (c *Controller) openFailed(err error) {
	if stt.CodeOf(err).Terminal() {
		c.fail(err)
		return
	}
	c.delay = min(c.delay*2, c.cfg.MaxRestartDelay)
	slog.Warn("recognition: reopen failed", "error", err, "delay", c.delay)
	c.scheduleRestart()
}

func (c *Controller) open() error {
	stream, err := c.cfg.Engine.Open(c.ctx, c.settings)
	if err != nil {
		return err
	}
	c.gen++
	c.stream = stream
	c.openedAt = c.now()
	c.startedAt = time.Time{}
	c.setState(StateListening)
	go c.forward(c.gen, stream)
	return nil
}

// forward relays stream events tagged with the stream's generation, then a
// final end-of-capture marker.
func (c *Controller) forward(gen uint64, s Stream) {
	for ev := range s.Events() {
		if !c.post(message{kind: msgEvent, gen: gen, event: ev}) {
			return
		}
	}
	c.post(message{kind: msgEvent, gen: gen, event: Event{Kind: EventEnded}})
}

func (c *Controller) handleEvent(ev Event) {
	switch ev.Kind {
	case EventStarted:
		c.startedAt = c.now()
	case EventInterim:
		if c.cfg.OnInterim != nil {
			c.cfg.OnInterim(ev.Utterance)
		}
	case EventFinal:
		if c.cfg.OnFinal != nil {
			c.cfg.OnFinal(ev.Utterance)
		}
	case EventEnded:
		c.captureEnded(nil)
	case EventError:
		if stt.CodeOf(ev.Err).Terminal() {
			c.fail(ev.Err)
			return
		}
		c.captureEnded(ev.Err)
	}
}

func (c *Controller) captureEnded(cause error) {
	c.teardown()
	if c.manualStop || !c.settings.Continuous {
		c.setState(StateIdle)
		return
	}
	c.delay = nextDelay(c.delay, c.cfg, c.openedAt, c.startedAt, c.now())
	if cause != nil {
		slog.Debug("recognition: transient error, restarting", "code", stt.CodeOf(cause), "error", cause, "delay", c.delay)
	}
	c.scheduleRestart()
}

// nextDelay computes the restart delay after a stream that was opened at
// opened and reported started at started (zero if never) ended at now.
func nextDelay(cur time.Duration, cfg Config, opened, started, now time.Time) time.Duration {
	switch {
	case !started.IsZero() && now.Sub(started) >= cfg.MinRestartInterval:
		return cfg.RestartDelay
	case now.Sub(opened) < cfg.MinRestartInterval:
		return min(cur*2, cfg.MaxRestartDelay)
	}
	return cur
}

func (c *Controller) fail(err error) {
	c.stopTimer()
	c.teardown()
	c.setState(StateIdle)
	slog.Error("recognition: stopped on terminal error", "code", stt.CodeOf(err), "error", err)
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}

func (c *Controller) scheduleRestart() {
	c.stopTimer()
	c.setState(StateRestarting)
	gen := c.timerGen
	c.timer = time.AfterFunc(c.delay, func() {
		c.post(message{kind: msgRestart, gen: gen})
	})
}

// stopTimer cancels the pending restart. A fire already queued is dropped
// by the generation check.
func (c *Controller) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
}

func (c *Controller) teardown() {
	if c.stream != nil {
		c.stream.Stop()
		c.stream = nil
	}
	c.gen++
}

func (c *Controller) shutdown() {
	c.stopTimer()
	c.teardown()
	c.setState(StateIdle)
	c.running.Store(false)
}

func (c *Controller) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	slog.Debug("recognition: state changed", "state", s)
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}
