// ABOUTME: State machine for presenting a joinable session URL inline or in a fallback window
// ABOUTME: Owns the block-detection, escalation, progress and window-poll timers

package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Controller errors
var (
	ErrEnded             = errors.New("session has ended")
	ErrDisposed          = errors.New("controller disposed")
	ErrInvalidURL        = errors.New("invalid session url")
	ErrNoURL             = errors.New("no session url mounted")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrUntrustedOrigin   = errors.New("untrusted message origin")
	ErrUnknownMessage    = errors.New("unknown message type")
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coven_video_embed_transitions_total",
		Help: "Embedded session phase transitions",
	}, []string{"from", "to"})

	untrustedMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coven_video_embed_untrusted_messages_total",
		Help: "Embedded-content messages dropped for an untrusted origin",
	})
)

// Phase is the single presentation state of an embedded session.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseLoading  Phase = "loading"
	PhaseEmbedded Phase = "embedded"
	PhaseFailed   Phase = "failed"
	PhaseBlocked  Phase = "blocked"
	PhaseEnded    Phase = "ended"
)

// EndReason records what ended a session.
type EndReason string

const (
	EndByUser       EndReason = "user"
	EndByRemote     EndReason = "remote"
	EndWindowClosed EndReason = "window_closed"
)

// Message types posted by the embedded content.
const (
	MessageCallStarted  = "video-call-started"
	MessageCallEnded    = "video-call-ended"
	MessageFrameBlocked = "iframe-blocked"
)

// progressCeiling is where the cosmetic progress stops until the frame loads.
const progressCeiling = 90

// Message is a cross-boundary message from the embedded content.
type Message struct {
	Origin string `json:"origin"`
	Type   string `json:"type"`
}

// Snapshot is a point-in-time copy of the controller state. Version grows
// with every change so observers can drop out-of-order deliveries.
type Snapshot struct {
	SessionURL string    `json:"session_url,omitempty"`
	Phase      Phase     `json:"phase"`
	Attempt    int       `json:"attempt"`
	Progress   int       `json:"progress"`
	WindowOpen bool      `json:"window_open"`
	WindowName string    `json:"window_name,omitempty"`
	EndReason  EndReason `json:"end_reason,omitempty"`
	Version    uint64    `json:"version"`
}

// Config holds the controller timings and trust settings.
type Config struct {
	TrustedOrigins     []string
	BlockTimeout       time.Duration
	EscalationDelay    time.Duration
	ProgressInterval   time.Duration
	WindowPollInterval time.Duration
	WindowPollCap      time.Duration
	EndOnWindowClose   bool
}

// DefaultConfig returns the stock timings and the provider's hosting origins.
func DefaultConfig() Config {
	return Config{
		TrustedOrigins:     []string{"https://tavus.daily.co", "https://*.tavus.io"},
		BlockTimeout:       5 * time.Second,
		EscalationDelay:    2 * time.Second,
		ProgressInterval:   300 * time.Millisecond,
		WindowPollInterval: time.Second,
		WindowPollCap:      30 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TrustedOrigins == nil {
		c.TrustedOrigins = d.TrustedOrigins
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = d.BlockTimeout
	}
	if c.EscalationDelay <= 0 {
		c.EscalationDelay = d.EscalationDelay
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = d.ProgressInterval
	}
	if c.WindowPollInterval <= 0 {
		c.WindowPollInterval = d.WindowPollInterval
	}
	if c.WindowPollCap <= 0 {
		c.WindowPollCap = d.WindowPollCap
	}
	return c
}

// Deps are the collaborators of a Controller. Presenter is required.
type Deps struct {
	Presenter Presenter
	Clock     Clock
	// Rand returns a value in [0, n). Drives the progress increments.
	Rand func(n int) int
	// OnChange receives a snapshot after every state change.
	OnChange func(Snapshot)
	// OnEnded is called exactly once, when the session reaches PhaseEnded.
	OnEnded func(EndReason)
	Logger  *slog.Logger
}

// Controller drives one session's presentation. It is safe for concurrent
// use; observers are always called without the internal lock held.
type Controller struct {
	cfg       Config
	origins   *OriginMatcher
	presenter Presenter
	clock     Clock
	rand      func(int) int
	onChange  func(Snapshot)
	onEnded   func(EndReason)
	logger    *slog.Logger

	mu        sync.Mutex
	phase     Phase
	url       string
	attempt   int
	progress  int
	endReason EndReason
	disposed  bool
	version   uint64

	// gen identifies the current attempt; timers armed for older attempts
	// find a different gen and do nothing.
	gen           uint64
	blockTimer    Timer
	escalateTimer Timer
	progressTimer Timer

	window         Window
	windowName     string
	windowGen      uint64
	windowDeadline time.Time
	pollTimer      Timer
}

// NewController creates an idle controller.
func NewController(cfg Config, deps Deps) (*Controller, error) {
	if deps.Presenter == nil {
		return nil, errors.New("embed: presenter is required")
	}
	cfg = cfg.withDefaults()
	origins, err := NewOriginMatcher(cfg.TrustedOrigins)
	if err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = RealClock()
	}
	if deps.Rand == nil {
		deps.Rand = rand.IntN
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Controller{
		cfg:       cfg,
		origins:   origins,
		presenter: deps.Presenter,
		clock:     deps.Clock,
		rand:      deps.Rand,
		onChange:  deps.OnChange,
		onEnded:   deps.OnEnded,
		logger:    deps.Logger.With("component", "embed"),
		phase:     PhaseIdle,
	}, nil
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Mount (re)submits a joinable URL and starts a fresh first attempt.
func (c *Controller) Mount(rawURL string) error {
	if err := validateSessionURL(rawURL); err != nil {
		return err
	}

	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.url != rawURL {
		c.stopWindowLocked()
	}
	c.url = rawURL
	c.attempt = 1
	c.startAttemptLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info("session mounted", "url", rawURL)
	c.emit(snap)
	return nil
}

// FrameLoaded reports that the embedded frame finished loading.
// Ignored outside PhaseLoading.
func (c *Controller) FrameLoaded() error {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.phase != PhaseLoading {
		c.mu.Unlock()
		return nil
	}
	c.stopAttemptTimersLocked()
	c.progress = 100
	c.transitionLocked(PhaseEmbedded)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.emit(snap)
	return nil
}

// FrameError reports that the embedded frame failed to load. The controller
// moves to PhaseFailed and escalates to PhaseBlocked after the escalation
// delay. Ignored outside PhaseLoading.
func (c *Controller) FrameError() error {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.phase != PhaseLoading {
		c.mu.Unlock()
		return nil
	}
	c.stopAttemptTimersLocked()
	c.transitionLocked(PhaseFailed)
	gen := c.gen
	c.escalateTimer = c.clock.AfterFunc(c.cfg.EscalationDelay, func() { c.escalate(gen) })
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.emit(snap)
	return nil
}

// Retry starts a new attempt from PhaseBlocked or PhaseFailed.
func (c *Controller) Retry() error {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.phase != PhaseBlocked && c.phase != PhaseFailed {
		phase := c.phase
		c.mu.Unlock()
		return fmt.Errorf("%w: retry from %s", ErrInvalidTransition, phase)
	}
	c.attempt++
	c.startAttemptLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info("retrying embed", "attempt", snap.Attempt)
	c.emit(snap)
	return nil
}

// EndCall ends the session at the user's request.
func (c *Controller) EndCall() error {
	return c.end(EndByUser)
}

// HandleMessage applies a message from the embedded content. Messages from
// origins outside the allow-list are dropped without touching any state.
func (c *Controller) HandleMessage(msg Message) error {
	if !c.origins.Allowed(msg.Origin) {
		untrustedMessagesTotal.Inc()
		c.logger.Warn("dropped message from untrusted origin", "origin", msg.Origin, "type", msg.Type)
		return fmt.Errorf("%w: %q", ErrUntrustedOrigin, msg.Origin)
	}

	switch msg.Type {
	case MessageCallStarted:
		return c.FrameLoaded()
	case MessageCallEnded:
		return c.end(EndByRemote)
	case MessageFrameBlocked:
		return c.block()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// OpenWindow shows the session in a centred, uniquely named window. When the
// presenter refuses the window the URL is opened in a new tab instead.
func (c *Controller) OpenWindow(ctx context.Context, screen Screen) (Presentation, error) {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return "", err
	}
	sessionURL := c.url
	c.mu.Unlock()
	if sessionURL == "" {
		return "", ErrNoURL
	}

	width, height, left, top := WindowGeometry(screen)
	spec := WindowSpec{
		URL:    sessionURL,
		Name:   windowPrefix + uuid.New().String(),
		Width:  width,
		Height: height,
		Left:   left,
		Top:    top,
	}

	win, err := c.presenter.OpenWindow(ctx, spec)
	if err != nil || win == nil {
		c.logger.Info("window refused, opening tab", "error", err)
		if tabErr := c.presenter.OpenTab(ctx, sessionURL); tabErr != nil {
			return "", fmt.Errorf("opening session outside frame: %w", errors.Join(err, tabErr))
		}
		return PresentedTab, nil
	}

	c.mu.Lock()
	if c.disposed || c.phase == PhaseEnded || c.url != sessionURL {
		c.mu.Unlock()
		return PresentedWindow, nil
	}
	c.stopWindowLocked()
	c.window = win
	c.windowName = spec.Name
	c.windowDeadline = c.clock.Now().Add(c.cfg.WindowPollCap)
	wgen := c.windowGen
	c.pollTimer = c.clock.AfterFunc(c.cfg.WindowPollInterval, func() { c.pollWindow(wgen) })
	c.version++
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info("session window opened", "name", spec.Name, "width", width, "height", height)
	c.emit(snap)
	return PresentedWindow, nil
}

// Dispose cancels every timer without notifying observers. The controller
// rejects all further calls.
func (c *Controller) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.disposed = true
	c.stopAttemptTimersLocked()
	c.stopWindowLocked()
}

func (c *Controller) end(reason EndReason) error {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.stopAttemptTimersLocked()
	c.stopWindowLocked()
	c.endReason = reason
	c.transitionLocked(PhaseEnded)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info("session ended", "reason", reason)
	c.emit(snap)
	if c.onEnded != nil {
		c.onEnded(reason)
	}
	return nil
}

func (c *Controller) block() error {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.url == "" || c.phase == PhaseBlocked {
		c.mu.Unlock()
		return nil
	}
	c.stopAttemptTimersLocked()
	c.transitionLocked(PhaseBlocked)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.emit(snap)
	return nil
}

func (c *Controller) blockTimeout(gen uint64) {
	c.mu.Lock()
	if c.disposed || c.gen != gen || c.phase != PhaseLoading {
		c.mu.Unlock()
		return
	}
	c.blockTimer = nil
	c.stopAttemptTimersLocked()
	c.transitionLocked(PhaseBlocked)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info("embed timed out, treating as blocked", "attempt", snap.Attempt)
	c.emit(snap)
}

func (c *Controller) escalate(gen uint64) {
	c.mu.Lock()
	if c.disposed || c.gen != gen || c.phase != PhaseFailed {
		c.mu.Unlock()
		return
	}
	c.escalateTimer = nil
	c.transitionLocked(PhaseBlocked)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.emit(snap)
}

func (c *Controller) tickProgress(gen uint64) {
	c.mu.Lock()
	if c.disposed || c.gen != gen || c.phase != PhaseLoading {
		c.mu.Unlock()
		return
	}
	c.progress = min(progressCeiling, c.progress+3+c.rand(10))
	c.progressTimer = nil
	if c.progress < progressCeiling {
		c.progressTimer = c.clock.AfterFunc(c.cfg.ProgressInterval, func() { c.tickProgress(gen) })
	}
	c.version++
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.emit(snap)
}

func (c *Controller) pollWindow(wgen uint64) {
	c.mu.Lock()
	if c.disposed || c.windowGen != wgen || c.window == nil {
		c.mu.Unlock()
		return
	}
	win := c.window
	c.mu.Unlock()

	closed := win.Closed()

	c.mu.Lock()
	if c.disposed || c.windowGen != wgen {
		c.mu.Unlock()
		return
	}
	c.pollTimer = nil
	if closed {
		c.window = nil
		c.windowName = ""
		c.windowGen++
		c.version++
		endSession := c.cfg.EndOnWindowClose && c.phase != PhaseEnded
		snap := c.snapshotLocked()
		c.mu.Unlock()

		c.logger.Info("session window closed", "end_session", endSession)
		c.emit(snap)
		if endSession {
			_ = c.end(EndWindowClosed)
		}
		return
	}
	if !c.clock.Now().Before(c.windowDeadline) {
		c.mu.Unlock()
		c.logger.Info("stopped polling session window")
		return
	}
	c.pollTimer = c.clock.AfterFunc(c.cfg.WindowPollInterval, func() { c.pollWindow(wgen) })
	c.mu.Unlock()
}

// startAttemptLocked enters PhaseLoading for a new generation and arms the
// block-detection and progress timers.
func (c *Controller) startAttemptLocked() {
	c.stopAttemptTimersLocked()
	c.gen++
	gen := c.gen
	c.progress = 0
	c.transitionLocked(PhaseLoading)
	c.blockTimer = c.clock.AfterFunc(c.cfg.BlockTimeout, func() { c.blockTimeout(gen) })
	c.progressTimer = c.clock.AfterFunc(c.cfg.ProgressInterval, func() { c.tickProgress(gen) })
}

func (c *Controller) stopAttemptTimersLocked() {
	for _, t := range []*Timer{&c.blockTimer, &c.escalateTimer, &c.progressTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

func (c *Controller) stopWindowLocked() {
	if c.pollTimer != nil {
		c.pollTimer.Stop()
		c.pollTimer = nil
	}
	if c.window != nil {
		c.window = nil
		c.windowName = ""
		c.version++
	}
	c.windowGen++
}

func (c *Controller) transitionLocked(to Phase) {
	from := c.phase
	c.phase = to
	c.version++
	transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	c.logger.Debug("phase transition", "from", from, "to", to, "attempt", c.attempt)
}

func (c *Controller) usableLocked() error {
	if c.disposed {
		return ErrDisposed
	}
	if c.phase == PhaseEnded {
		return ErrEnded
	}
	return nil
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		SessionURL: c.url,
		Phase:      c.phase,
		Attempt:    c.attempt,
		Progress:   c.progress,
		WindowOpen: c.window != nil,
		WindowName: c.windowName,
		EndReason:  c.endReason,
		Version:    c.version,
	}
}

func (c *Controller) emit(snap Snapshot) {
	if c.onChange != nil {
		c.onChange(snap)
	}
}

func validateSessionURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}
