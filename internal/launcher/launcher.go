// ABOUTME: Orchestrates one owner's video session across provider, repository and controller
// ABOUTME: Sequences start and end, compensates orphans and publishes state to connected tabs

package launcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/2389/coven-video/internal/apperr"
	"github.com/2389/coven-video/internal/conversation"
	"github.com/2389/coven-video/internal/embed"
	"github.com/2389/coven-video/internal/provider"
	"github.com/2389/coven-video/internal/store"
)

const (
	defaultEndTimeout = 10 * time.Second

	// MetadataProviderStatus holds the provider's status at creation.
	MetadataProviderStatus = "provider_status"
	// MetadataEndError holds the provider error from a best-effort end.
	MetadataEndError = "end_error"
)

var (
	sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coven_video_sessions_started_total",
		Help: "Video sessions started and mounted",
	})

	sessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coven_video_sessions_ended_total",
		Help: "Video sessions ended by reason",
	}, []string{"reason"})

	sessionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coven_video_session_failures_total",
		Help: "Session start and end failures by error kind",
	}, []string{"kind"})
)

// Provider creates and ends remote sessions.
type Provider interface {
	CreateSession(ctx context.Context) (*provider.Session, error)
	EndSession(ctx context.Context, sessionID string) error
}

// Records persists the owner's conversation records.
type Records interface {
	OwnerID() string
	Create(ctx context.Context, fields conversation.CreateFields) (*store.Conversation, error)
	Update(ctx context.Context, id string, patch store.ConversationPatch) (*store.Conversation, error)
}

// Publisher fans events out to the owner's connected tabs.
type Publisher interface {
	Publish(ownerID string, event *conversation.Event, excludeSubID string) int
}

// Config controls the launcher's recovery behaviour.
type Config struct {
	// CompensateOrphans ends the remote session when its record could not
	// be saved.
	CompensateOrphans bool
	// EndTimeout bounds endings the controller starts on its own.
	EndTimeout time.Duration
	Embed      embed.Config
}

// Deps are the launcher's collaborators. Provider, Records and Presenter
// are required.
type Deps struct {
	Provider  Provider
	Records   Records
	Presenter embed.Presenter
	Events    Publisher
	Clock     embed.Clock
	Rand      func(n int) int
	Logger    *slog.Logger
}

// State is what the browser shell renders.
type State struct {
	Record  *store.Conversation `json:"record,omitempty"`
	Session *embed.Snapshot     `json:"session,omitempty"`
	Error   *UserError          `json:"error,omitempty"`
	Busy    bool                `json:"busy"`
}

// Launcher runs at most one session for its owner.
type Launcher struct {
	cfg     Config
	deps    Deps
	ownerID string
	logger  *slog.Logger

	mu      sync.Mutex
	busy    bool // Start or End sequence running
	ending  bool // an end sequence owns the current session
	record  *store.Conversation
	ctrl    *embed.Controller
	lastErr *UserError

	wg sync.WaitGroup
}

// New creates a launcher for the owner of deps.Records.
func New(cfg Config, deps Deps) (*Launcher, error) {
	if deps.Provider == nil || deps.Records == nil || deps.Presenter == nil {
		return nil, errors.New("launcher: provider, records and presenter are required")
	}
	if cfg.EndTimeout <= 0 {
		cfg.EndTimeout = defaultEndTimeout
	}
	if deps.Clock == nil {
		deps.Clock = embed.RealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	ownerID := deps.Records.OwnerID()
	// controllers log with the owner but their own component
	deps.Logger = deps.Logger.With("owner_id", ownerID)
	return &Launcher{
		cfg:     cfg,
		deps:    deps,
		ownerID: ownerID,
		logger:  deps.Logger.With("component", "launcher"),
	}, nil
}

// OwnerID returns the owner this launcher serves.
func (l *Launcher) OwnerID() string {
	return l.ownerID
}

// State returns the active record, controller snapshot and displayed error.
func (l *Launcher) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateLocked()
}

// DismissError clears the displayed error.
func (l *Launcher) DismissError() {
	l.mu.Lock()
	l.lastErr = nil
	l.mu.Unlock()
	l.publishState()
}

// Start creates a remote session, records it and mounts a controller on its
// URL. Each step starts only after the previous one succeeded.
func (l *Launcher) Start(ctx context.Context) (*store.Conversation, error) {
	l.mu.Lock()
	if l.busy || l.ctrl != nil {
		l.mu.Unlock()
		return nil, ErrSessionActive
	}
	l.busy = true
	l.lastErr = nil
	l.mu.Unlock()
	l.publishState()

	defer func() {
		l.mu.Lock()
		l.busy = false
		l.mu.Unlock()
		l.publishState()
	}()

	sess, err := l.deps.Provider.CreateSession(ctx)
	if err != nil {
		return nil, l.fail("create remote session", err)
	}

	rec, err := l.deps.Records.Create(ctx, conversation.CreateFields{
		OwnerID:         l.ownerID,
		RemoteSessionID: sess.ID,
		Type:            store.TypeVideo,
		Metadata: map[string]any{
			store.MetadataConversationURL: sess.URL,
			MetadataProviderStatus:        sess.Status,
		},
	})
	if err != nil {
		l.handleOrphan(ctx, sess.ID)
		return nil, l.fail("record conversation", err)
	}
	l.publish(conversation.EventRecords, rec)

	var ctrl *embed.Controller
	ctrl, err = embed.NewController(l.cfg.Embed, embed.Deps{
		Presenter: l.deps.Presenter,
		Clock:     l.deps.Clock,
		Rand:      l.deps.Rand,
		OnChange:  func(s embed.Snapshot) { l.onSnapshot(ctrl, s) },
		OnEnded:   func(r embed.EndReason) { l.onControllerEnded(ctrl, r) },
		Logger:    l.deps.Logger,
	})
	if err == nil {
		err = ctrl.Mount(sess.URL)
	}
	if err != nil {
		l.abandonRecord(ctx, rec, sess.ID)
		return nil, l.fail("mount session", err)
	}

	l.mu.Lock()
	l.record = rec
	l.ctrl = ctrl
	l.mu.Unlock()

	sessionsStarted.Inc()
	l.logger.Info("session started", "conversation_id", rec.ID, "remote_session_id", sess.ID)
	return rec.Clone(), nil
}

// End ends the session at the user's request: the controller ends, the
// provider is told best-effort, the record is marked ended and the
// controller is disposed.
func (l *Launcher) End(ctx context.Context) (*store.Conversation, error) {
	l.mu.Lock()
	if l.ctrl == nil {
		l.mu.Unlock()
		return nil, ErrNoSession
	}
	if l.busy || l.ending {
		l.mu.Unlock()
		return nil, ErrBusy
	}
	l.busy = true
	l.ending = true
	l.lastErr = nil
	ctrl, rec := l.ctrl, l.record
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.busy = false
		l.mu.Unlock()
		l.publishState()
	}()

	if err := ctrl.EndCall(); err != nil {
		l.logger.Debug("controller already ended", "error", err)
	}
	return l.finish(ctx, ctrl, rec, embed.EndByUser)
}

// Retry starts a new embed attempt on the mounted controller.
func (l *Launcher) Retry() error {
	ctrl, err := l.controller()
	if err != nil {
		return err
	}
	return ctrl.Retry()
}

// FrameLoaded forwards the frame's load event.
func (l *Launcher) FrameLoaded() error {
	ctrl, err := l.controller()
	if err != nil {
		return err
	}
	return ctrl.FrameLoaded()
}

// FrameError forwards the frame's error event.
func (l *Launcher) FrameError() error {
	ctrl, err := l.controller()
	if err != nil {
		return err
	}
	return ctrl.FrameError()
}

// HandleMessage forwards a message from the embedded content.
func (l *Launcher) HandleMessage(msg embed.Message) error {
	ctrl, err := l.controller()
	if err != nil {
		return err
	}
	return ctrl.HandleMessage(msg)
}

// OpenWindow opens the session outside the frame.
func (l *Launcher) OpenWindow(ctx context.Context, screen embed.Screen) (embed.Presentation, error) {
	ctrl, err := l.controller()
	if err != nil {
		return "", err
	}
	return ctrl.OpenWindow(ctx, screen)
}

// Close waits for background end sequences and disposes the controller
// without ending the session.
func (l *Launcher) Close() {
	l.wg.Wait()
	l.mu.Lock()
	ctrl := l.ctrl
	l.mu.Unlock()
	if ctrl != nil {
		ctrl.Dispose()
	}
}

func (l *Launcher) controller() (*embed.Controller, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctrl == nil {
		return nil, ErrNoSession
	}
	return l.ctrl, nil
}

// onControllerEnded runs the end sequence for endings the controller
// reached on its own, such as a remote hang-up.
func (l *Launcher) onControllerEnded(ctrl *embed.Controller, reason embed.EndReason) {
	l.mu.Lock()
	if l.ctrl != ctrl || l.ending {
		l.mu.Unlock()
		return
	}
	l.ending = true
	rec := l.record
	l.mu.Unlock()

	l.logger.Info("controller ended session", "reason", reason)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.EndTimeout)
		defer cancel()
		_, _ = l.finish(ctx, ctrl, rec, reason)
		l.publishState()
	}()
}

// finish tells the provider, records the end and disposes the controller.
// A provider failure is kept on the record and never stops the update. Both
// calls outlive the caller's context. When the update fails the session is
// kept so End can be retried.
func (l *Launcher) finish(ctx context.Context, ctrl *embed.Controller, rec *store.Conversation, reason embed.EndReason) (*store.Conversation, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.EndTimeout)
	defer cancel()

	now := l.deps.Clock.Now().UTC()
	ended := store.StatusEnded
	patch := store.ConversationPatch{Status: &ended, EndedAt: &now}

	if err := l.deps.Provider.EndSession(ctx, rec.RemoteSessionID); err != nil {
		l.logger.Warn("provider end failed, recording end anyway",
			"remote_session_id", rec.RemoteSessionID,
			"error", err)
		sessionFailures.WithLabelValues(string(apperr.KindOf(err))).Inc()
		meta := make(map[string]any, len(rec.Metadata)+1)
		for k, v := range rec.Metadata {
			meta[k] = v
		}
		meta[MetadataEndError] = err.Error()
		patch.Metadata = meta
	}

	updated, err := l.deps.Records.Update(ctx, rec.ID, patch)
	if err != nil {
		// a record that is gone or already ended elsewhere cannot be ended
		// again; only a retryable store failure keeps the session mounted
		if apperr.KindOf(err) == apperr.KindNotFound || errors.Is(err, conversation.ErrAlreadyEnded) {
			l.release(ctrl)
			l.logger.Warn("session released without recording its end", "conversation_id", rec.ID, "error", err)
			return nil, l.fail("record session end", err)
		}
		l.mu.Lock()
		l.ending = false
		l.mu.Unlock()
		return nil, l.fail("record session end", err)
	}
	l.release(ctrl)

	sessionsEnded.WithLabelValues(string(reason)).Inc()
	l.publish(conversation.EventRecords, updated)
	l.logger.Info("session ended", "conversation_id", rec.ID, "reason", reason)
	return updated, nil
}

// release disposes ctrl and forgets the session it belongs to.
func (l *Launcher) release(ctrl *embed.Controller) {
	ctrl.Dispose()

	l.mu.Lock()
	if l.ctrl == ctrl {
		l.ctrl = nil
		l.record = nil
	}
	l.ending = false
	l.mu.Unlock()
}

// handleOrphan deals with a remote session whose record could not be saved.
func (l *Launcher) handleOrphan(ctx context.Context, sessionID string) {
	if !l.cfg.CompensateOrphans {
		l.logger.Warn("remote session left without a record", "remote_session_id", sessionID)
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.EndTimeout)
	defer cancel()
	if err := l.deps.Provider.EndSession(cctx, sessionID); err != nil {
		l.logger.Error("failed to end orphaned remote session", "remote_session_id", sessionID, "error", err)
		return
	}
	l.logger.Info("ended orphaned remote session", "remote_session_id", sessionID)
}

// abandonRecord marks a record that never got a controller as errored.
func (l *Launcher) abandonRecord(ctx context.Context, rec *store.Conversation, sessionID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.EndTimeout)
	defer cancel()

	now := l.deps.Clock.Now().UTC()
	status := store.StatusError
	updated, err := l.deps.Records.Update(cctx, rec.ID, store.ConversationPatch{Status: &status, EndedAt: &now})
	if err != nil {
		l.logger.Error("failed to mark conversation errored", "conversation_id", rec.ID, "error", err)
	} else {
		l.publish(conversation.EventRecords, updated)
	}
	l.handleOrphan(cctx, sessionID)
}

// fail records err as the displayed error and returns it.
func (l *Launcher) fail(op string, err error) error {
	ue := Translate(err)
	l.mu.Lock()
	l.lastErr = ue
	l.mu.Unlock()

	sessionFailures.WithLabelValues(string(ue.Kind)).Inc()
	l.logger.Error(op+" failed", "error", err, "kind", ue.Kind)
	return err
}

func (l *Launcher) onSnapshot(ctrl *embed.Controller, snap embed.Snapshot) {
	l.mu.Lock()
	if l.ctrl != ctrl {
		l.mu.Unlock()
		return
	}
	st := l.stateLocked()
	st.Session = &snap
	l.mu.Unlock()

	l.publish(conversation.EventSession, st)
}

func (l *Launcher) publishState() {
	l.publish(conversation.EventSession, l.State())
}

func (l *Launcher) publish(kind conversation.EventKind, payload any) {
	if l.deps.Events == nil {
		return
	}
	l.deps.Events.Publish(l.ownerID, conversation.NewEvent(kind, l.ownerID, payload), "")
}

func (l *Launcher) stateLocked() State {
	st := State{
		Record: l.record.Clone(),
		Error:  l.lastErr,
		Busy:   l.busy,
	}
	if l.ctrl != nil {
		snap := l.ctrl.Snapshot()
		st.Session = &snap
	}
	return st
}
