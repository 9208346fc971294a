// ABOUTME: Per-user session registry holding each owner's repository, launcher and presenter
// ABOUTME: Builds owner state lazily, evicts idle owners and disposes everything on shutdown

package gateway

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/coven-video/internal/conversation"
	"github.com/2389/coven-video/internal/launcher"
)

const (
	// idleOwnerTTL is how long an owner with no session and no open tabs
	// keeps its state.
	idleOwnerTTL      = 30 * time.Minute
	idleSweepInterval = time.Minute
)

// ownerSession is everything the gateway keeps for one signed-in user.
type ownerSession struct {
	repo      *conversation.Repository
	launcher  *launcher.Launcher
	presenter *browserPresenter
	starts    *rate.Limiter
	lastUsed  time.Time // guarded by sessionRegistry.mu
}

type sessionRegistry struct {
	mu      sync.Mutex
	owners  map[string]*ownerSession
	build   func(ownerID string) (*ownerSession, error)
	inUse   func(ownerID string, s *ownerSession) bool
	now     func() time.Time
	idleTTL time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

func newSessionRegistry(build func(ownerID string) (*ownerSession, error), inUse func(string, *ownerSession) bool, now func() time.Time) *sessionRegistry {
	return &sessionRegistry{
		owners:  make(map[string]*ownerSession),
		build:   build,
		inUse:   inUse,
		now:     now,
		idleTTL: idleOwnerTTL,
		done:    make(chan struct{}),
	}
}

// get returns the owner's session state, creating it on first use.
func (r *sessionRegistry) get(ownerID string) (*ownerSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.owners[ownerID]; ok {
		s.lastUsed = r.now()
		return s, nil
	}
	s, err := r.build(ownerID)
	if err != nil {
		return nil, err
	}
	s.lastUsed = r.now()
	r.owners[ownerID] = s
	return s, nil
}

// evictIdle drops owners unused for idleTTL that have no mounted session
// and no connected tabs. It returns how many were dropped.
func (r *sessionRegistry) evictIdle() int {
	r.mu.Lock()
	now := r.now()
	var idle []*ownerSession
	for ownerID, s := range r.owners {
		if now.Sub(s.lastUsed) < r.idleTTL || r.inUse(ownerID, s) {
			continue
		}
		idle = append(idle, s)
		delete(r.owners, ownerID)
	}
	r.mu.Unlock()

	for _, s := range idle {
		s.launcher.Close()
	}
	return len(idle)
}

// size returns the number of owners held.
func (r *sessionRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.owners)
}

// active counts owners with a mounted session.
func (r *sessionRegistry) active() int {
	r.mu.Lock()
	owners := make([]*ownerSession, 0, len(r.owners))
	for _, s := range r.owners {
		owners = append(owners, s)
	}
	r.mu.Unlock()

	n := 0
	for _, s := range owners {
		if s.launcher.State().Session != nil {
			n++
		}
	}
	return n
}

// closeAll waits for pending endings and disposes every controller.
func (r *sessionRegistry) closeAll() {
	r.closeOnce.Do(func() { close(r.done) })

	r.mu.Lock()
	owners := r.owners
	r.owners = make(map[string]*ownerSession)
	r.mu.Unlock()

	for _, s := range owners {
		s.launcher.Close()
	}
}

// sweepIdleOwners evicts idle owners every interval until shutdown.
func (g *Gateway) sweepIdleOwners(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := g.sessions.evictIdle(); n > 0 {
				g.logger.Debug("evicted idle owners", "count", n, "remaining", g.sessions.size())
			}
		case <-g.sessions.done:
			return
		}
	}
}

// ownerInUse reports whether an owner has a session, a running start or end,
// or an open tab.
func (g *Gateway) ownerInUse(ownerID string, s *ownerSession) bool {
	st := s.launcher.State()
	return st.Session != nil || st.Busy || g.broadcaster.Subscribers(ownerID) > 0
}

func (g *Gateway) newOwnerSession(ownerID string) (*ownerSession, error) {
	repo := conversation.NewRepository(g.store, ownerID, g.baseLogger)
	presenter := newBrowserPresenter(ownerID, g.broadcaster)

	l, err := launcher.New(g.config.SessionLauncherConfig(), launcher.Deps{
		Provider:  g.provider,
		Records:   repo,
		Presenter: presenter,
		Events:    g.broadcaster,
		Clock:     g.clock,
		Logger:    g.baseLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating launcher: %w", err)
	}

	starts := rate.NewLimiter(rate.Inf, 0)
	if g.config.Launcher.StartRate > 0 {
		starts = rate.NewLimiter(rate.Limit(g.config.Launcher.StartRate/60), g.config.Launcher.StartBurst)
	}
	return &ownerSession{
		repo:      repo,
		launcher:  l,
		presenter: presenter,
		starts:    starts,
	}, nil
}
