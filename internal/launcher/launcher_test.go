// ABOUTME: Tests for the session Launcher start and end sequences
// ABOUTME: Uses a fake provider, the mock store and a fake clock

package launcher

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-video/internal/apperr"
	"github.com/2389/coven-video/internal/conversation"
	"github.com/2389/coven-video/internal/embed"
	"github.com/2389/coven-video/internal/provider"
	"github.com/2389/coven-video/internal/store"
)

type fakeProvider struct {
	mu        sync.Mutex
	session   provider.Session
	createErr error
	endErr    error
	creates   int
	ended     []string
	onEnd     func()
}

func (p *fakeProvider) CreateSession(ctx context.Context) (*provider.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creates++
	if p.createErr != nil {
		return nil, p.createErr
	}
	s := p.session
	return &s, nil
}

func (p *fakeProvider) EndSession(ctx context.Context, id string) error {
	p.mu.Lock()
	p.ended = append(p.ended, id)
	err, hook := p.endErr, p.onEnd
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (p *fakeProvider) endedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ended...)
}

type stubWindow struct{}

func (stubWindow) Closed() bool { return false }

type stubPresenter struct{}

func (stubPresenter) OpenWindow(ctx context.Context, spec embed.WindowSpec) (embed.Window, error) {
	return stubWindow{}, nil
}

func (stubPresenter) OpenTab(ctx context.Context, url string) error { return nil }

type fixture struct {
	l      *Launcher
	prov   *fakeProvider
	ms     *store.MockStore
	repo   *conversation.Repository
	clock  *embed.FakeClock
	events *conversation.EventBroadcaster
}

func newFixture(t *testing.T, compensate bool) *fixture {
	t.Helper()
	f := &fixture{
		prov: &fakeProvider{session: provider.Session{
			ID:     "s1",
			URL:    "https://host/x",
			Status: "active",
		}},
		ms:     store.NewMockStore(),
		clock:  embed.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		events: conversation.NewEventBroadcaster(nil),
	}
	f.repo = conversation.NewRepository(f.ms, "user-1", nil)

	l, err := New(Config{CompensateOrphans: compensate}, Deps{
		Provider:  f.prov,
		Records:   f.repo,
		Presenter: stubPresenter{},
		Events:    f.events,
		Clock:     f.clock,
	})
	require.NoError(t, err)
	f.l = l
	t.Cleanup(func() {
		l.Close()
		f.events.Close()
	})
	return f
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}

func TestStart_CreatesRecordAndMounts(t *testing.T) {
	f := newFixture(t, true)

	rec, err := f.l.Start(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "s1", rec.RemoteSessionID)
	assert.Equal(t, store.TypeVideo, rec.Type)
	assert.Equal(t, store.StatusActive, rec.Status)
	assert.Equal(t, "https://host/x", rec.JoinURL())
	assert.Equal(t, "active", rec.Metadata[MetadataProviderStatus])

	stored, ok := f.ms.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, "user-1", stored.OwnerID)

	st := f.l.State()
	require.NotNil(t, st.Session)
	assert.Equal(t, embed.PhaseLoading, st.Session.Phase)
	assert.Equal(t, "https://host/x", st.Session.SessionURL)
	assert.Equal(t, 1, st.Session.Attempt)
	assert.Equal(t, rec.ID, st.Record.ID)
	assert.Nil(t, st.Error)
	assert.False(t, st.Busy)
}

func TestStart_RefusesWhileActive(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.l.Start(context.Background())
	require.NoError(t, err)

	_, err = f.l.Start(context.Background())
	assert.ErrorIs(t, err, ErrSessionActive)
	assert.Equal(t, 1, f.prov.creates)
	assert.Equal(t, 1, f.ms.CallCount("create"))
}

func TestStart_IdentityErrorSkipsRecord(t *testing.T) {
	f := newFixture(t, true)
	f.prov.createErr = &apperr.RemoteAPIError{Op: "create session", Status: 400, Message: "invalid replica_id"}

	_, err := f.l.Start(context.Background())
	var apiErr *apperr.RemoteAPIError
	require.ErrorAs(t, err, &apiErr)

	st := f.l.State()
	require.NotNil(t, st.Error)
	assert.Equal(t, msgIdentity, st.Error.Message)
	assert.Equal(t, apperr.KindRemoteAPI, st.Error.Kind)
	assert.Equal(t, 0, f.ms.CallCount("create"))
	assert.Nil(t, st.Session)
}

func TestStart_CompensatesOrphanedRemoteSession(t *testing.T) {
	f := newFixture(t, true)
	f.ms.CreateErr = errors.New("insert rejected")

	_, err := f.l.Start(context.Background())
	var remote *apperr.RemoteError
	require.ErrorAs(t, err, &remote)

	assert.Equal(t, []string{"s1"}, f.prov.endedIDs())
	assert.Equal(t, msgRemote, f.l.State().Error.Message)
	assert.Empty(t, f.repo.Cached())
}

func TestStart_LeavesOrphanWhenCompensationOff(t *testing.T) {
	f := newFixture(t, false)
	f.ms.CreateErr = errors.New("insert rejected")

	_, err := f.l.Start(context.Background())
	require.Error(t, err)
	assert.Empty(t, f.prov.endedIDs())
}

func TestStart_UnusableURLMarksRecordErrored(t *testing.T) {
	f := newFixture(t, true)
	f.prov.session.URL = "rooms/relative"

	_, err := f.l.Start(context.Background())
	require.ErrorIs(t, err, embed.ErrInvalidURL)

	cached := f.repo.Cached()
	require.Len(t, cached, 1)
	assert.Equal(t, store.StatusError, cached[0].Status)
	require.NotNil(t, cached[0].EndedAt)
	assert.Equal(t, f.clock.Now().UTC(), *cached[0].EndedAt)

	st := f.l.State()
	assert.Nil(t, st.Session)
	assert.Equal(t, msgBadLink, st.Error.Message)
	assert.Equal(t, []string{"s1"}, f.prov.endedIDs())

	// the launcher is free for another attempt
	f.prov.session.URL = "https://host/y"
	_, err = f.l.Start(context.Background())
	require.NoError(t, err)
	assert.Nil(t, f.l.State().Error)
}

func TestEnd_RecordsEndDespiteProviderNetworkError(t *testing.T) {
	f := newFixture(t, true)
	rec, err := f.l.Start(context.Background())
	require.NoError(t, err)

	f.prov.endErr = &apperr.NetworkError{Op: "end session", Err: errors.New("connection reset")}
	f.clock.Advance(time.Second)

	updated, err := f.l.End(context.Background())
	require.NoError(t, err)

	assert.Equal(t, store.StatusEnded, updated.Status)
	require.NotNil(t, updated.EndedAt)
	assert.Equal(t, f.clock.Now().UTC(), *updated.EndedAt)
	assert.Contains(t, updated.Metadata[MetadataEndError], "connection reset")
	assert.Equal(t, "https://host/x", updated.JoinURL())

	listed, err := f.repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, rec.ID, listed[0].ID)
	assert.Equal(t, store.StatusEnded, listed[0].Status)

	st := f.l.State()
	assert.Nil(t, st.Session)
	assert.Nil(t, st.Record)
	assert.Equal(t, 0, f.clock.Pending(), "controller timers are disposed")
}

func TestEnd_RecordsEndAfterCallerCancels(t *testing.T) {
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "video.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	prov := &fakeProvider{session: provider.Session{ID: "s1", URL: "https://host/x", Status: "active"}}
	repo := conversation.NewRepository(db, "user-1", nil)
	l, err := New(Config{CompensateOrphans: true}, Deps{
		Provider:  prov,
		Records:   repo,
		Presenter: stubPresenter{},
		Clock:     embed.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	t.Cleanup(l.Close)

	rec, err := l.Start(context.Background())
	require.NoError(t, err)

	// the client goes away while the provider is being told
	ctx, cancel := context.WithCancel(context.Background())
	prov.onEnd = cancel

	updated, err := l.End(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.StatusEnded, updated.Status)

	rows, err := db.ListConversations(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, rec.ID, rows[0].ID)
	assert.Equal(t, store.StatusEnded, rows[0].Status)
	assert.NotNil(t, rows[0].EndedAt)
}

func TestEnd_FailedUpdateCanBeRetried(t *testing.T) {
	f := newFixture(t, true)
	rec, err := f.l.Start(context.Background())
	require.NoError(t, err)

	f.ms.UpdateErr = errors.New("backend unavailable")
	_, err = f.l.End(context.Background())
	require.Error(t, err)

	st := f.l.State()
	require.NotNil(t, st.Record, "session is kept after a failed update")
	assert.Equal(t, rec.ID, st.Record.ID)
	require.NotNil(t, st.Error)

	f.ms.UpdateErr = nil
	updated, err := f.l.End(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.StatusEnded, updated.Status)
	assert.Nil(t, f.l.State().Record)
	assert.Equal(t, []string{"s1", "s1"}, f.prov.endedIDs())
}

func TestEnd_ReleasesSessionWhenRecordIsGone(t *testing.T) {
	f := newFixture(t, true)
	rec, err := f.l.Start(context.Background())
	require.NoError(t, err)

	// removed from another tab between start and end
	require.NoError(t, f.ms.DeleteConversation(context.Background(), "user-1", rec.ID))

	_, err = f.l.End(context.Background())
	var nf *apperr.NotFoundError
	require.ErrorAs(t, err, &nf)

	st := f.l.State()
	assert.Nil(t, st.Record)
	assert.Nil(t, st.Session)
	require.NotNil(t, st.Error, "the failure stays visible")

	_, err = f.l.End(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)

	f.prov.session.ID = "s2"
	next, err := f.l.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s2", next.RemoteSessionID)
}

func TestEnd_WithoutSession(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.l.End(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
	assert.ErrorIs(t, f.l.Retry(), ErrNoSession)
	assert.ErrorIs(t, f.l.FrameLoaded(), ErrNoSession)
	assert.ErrorIs(t, f.l.FrameError(), ErrNoSession)
	assert.ErrorIs(t, f.l.HandleMessage(embed.Message{}), ErrNoSession)
	_, err = f.l.OpenWindow(context.Background(), embed.Screen{})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestRemoteHangUpRunsEndSequenceOnce(t *testing.T) {
	f := newFixture(t, true)
	rec, err := f.l.Start(context.Background())
	require.NoError(t, err)

	msg := embed.Message{Origin: "https://tavus.daily.co", Type: embed.MessageCallEnded}
	require.NoError(t, f.l.HandleMessage(msg))

	require.Eventually(t, func() bool {
		return f.l.State().Session == nil
	}, time.Second, 5*time.Millisecond)
	f.l.Close()

	stored, ok := f.ms.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, store.StatusEnded, stored.Status)
	assert.NotNil(t, stored.EndedAt)
	assert.Equal(t, []string{"s1"}, f.prov.endedIDs())
	assert.Equal(t, 1, f.ms.CallCount("update"))

	_, err = f.l.End(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestForwardsToController(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.l.Start(context.Background())
	require.NoError(t, err)

	f.clock.Advance(5 * time.Second)
	assert.Equal(t, embed.PhaseBlocked, f.l.State().Session.Phase)

	require.NoError(t, f.l.Retry())
	assert.Equal(t, 2, f.l.State().Session.Attempt)

	require.NoError(t, f.l.FrameLoaded())
	assert.Equal(t, embed.PhaseEmbedded, f.l.State().Session.Phase)

	how, err := f.l.OpenWindow(context.Background(), embed.Screen{Width: 1600, Height: 900})
	require.NoError(t, err)
	assert.Equal(t, embed.PresentedWindow, how)
	assert.True(t, f.l.State().Session.WindowOpen)

	err = f.l.HandleMessage(embed.Message{Origin: "https://evil.example.com", Type: embed.MessageCallEnded})
	assert.ErrorIs(t, err, embed.ErrUntrustedOrigin)
	assert.Equal(t, embed.PhaseEmbedded, f.l.State().Session.Phase)
}

func TestDisplayedErrorPersistsUntilDismissed(t *testing.T) {
	f := newFixture(t, true)
	f.prov.createErr = &apperr.ConfigError{Component: "provider", Field: "api_key"}

	_, err := f.l.Start(context.Background())
	require.Error(t, err)
	require.NotNil(t, f.l.State().Error)

	f.clock.Advance(time.Hour)
	_ = f.l.Retry()
	assert.NotNil(t, f.l.State().Error)

	f.l.DismissError()
	assert.Nil(t, f.l.State().Error)
}

func TestStart_PublishesToOwnerTabs(t *testing.T) {
	f := newFixture(t, true)
	ch, _ := f.events.Subscribe(t.Context(), "user-1")

	_, err := f.l.Start(context.Background())
	require.NoError(t, err)

	var kinds []conversation.EventKind
	var last *State
	for len(ch) > 0 {
		ev := <-ch
		kinds = append(kinds, ev.Kind)
		if st, ok := ev.Payload.(State); ok {
			last = &st
		}
	}
	assert.Contains(t, kinds, conversation.EventRecords)
	require.NotNil(t, last)
	require.NotNil(t, last.Session)
	assert.Equal(t, embed.PhaseLoading, last.Session.Phase)
	assert.False(t, last.Busy)
}
