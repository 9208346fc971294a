// ABOUTME: Tests for the websocket channel between gateway and browser tabs
// ABOUTME: Covers event push, client messages, window commands and origin checks

package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-video/internal/config"
	"github.com/2389/coven-video/internal/conversation"
	"github.com/2389/coven-video/internal/embed"
	"github.com/2389/coven-video/internal/store"
)

// wsFrame is the union of event and error frames as the browser sees them.
type wsFrame struct {
	Kind    string          `json:"kind"`
	Error   string          `json:"error"`
	Payload json.RawMessage `json:"payload"`
}

func dialWS(t *testing.T, tg *testGateway, srv *httptest.Server, userID string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?access_token=" + tg.token(t, userID)
	conn, resp, err := websocket.DefaultDialer.Dial(u, header)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

// readUntil reads frames until match returns true or the deadline passes.
func readUntil(t *testing.T, conn *websocket.Conn, match func(wsFrame) bool) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f wsFrame
		require.NoError(t, conn.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
}

func sessionPhase(t *testing.T, f wsFrame) embed.Phase {
	t.Helper()
	if f.Kind != string(conversation.EventSession) {
		return ""
	}
	var st struct {
		Session *embed.Snapshot `json:"session"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &st))
	if st.Session == nil {
		return ""
	}
	return st.Session.Phase
}

func TestWebSocket_SessionFlow(t *testing.T) {
	tg := newTestGateway(t, func(c *config.Config) { c.Embed.EndOnWindowClose = true })
	srv := httptest.NewServer(tg.gw.Handler())
	defer srv.Close()

	conn, _, err := dialWS(t, tg, srv, "user-1", nil)
	require.NoError(t, err)

	first := readUntil(t, conn, func(wsFrame) bool { return true })
	assert.Equal(t, string(conversation.EventSession), first.Kind, "a new tab gets the current state first")

	require.Equal(t, http.StatusCreated, tg.do(t, "user-1", http.MethodPost, "/api/session", nil).Code)
	readUntil(t, conn, func(f wsFrame) bool { return sessionPhase(t, f) == embed.PhaseLoading })

	require.NoError(t, conn.WriteJSON(ClientEnvelope{Kind: ClientFrame, Event: FrameLoad}))
	readUntil(t, conn, func(f wsFrame) bool { return sessionPhase(t, f) == embed.PhaseEmbedded })

	rec := tg.do(t, "user-1", http.MethodPost, "/api/session/window", embed.Screen{Width: 1920, Height: 1080})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, embed.PresentedWindow, decodeBody[OpenWindowResponse](t, rec).Presentation)

	cmdFrame := readUntil(t, conn, func(f wsFrame) bool { return f.Kind == string(conversation.EventCommand) })
	var cmd Command
	require.NoError(t, json.Unmarshal(cmdFrame.Payload, &cmd))
	assert.Equal(t, CommandOpenWindow, cmd.Command)
	require.NotNil(t, cmd.Window)
	assert.Equal(t, "https://tavus.daily.co/remote-1", cmd.Window.URL)
	assert.Equal(t, 1200, cmd.Window.Width)
	assert.Equal(t, 800, cmd.Window.Height)

	require.NoError(t, conn.WriteJSON(ClientEnvelope{Kind: ClientWindowClosed, Name: cmd.Window.Name}))

	require.Eventually(t, func() bool {
		tg.clock.Advance(time.Second)
		convs, err := tg.store.ListConversations(t.Context(), "user-1")
		return err == nil && len(convs) == 1 && convs[0].Status == store.StatusEnded
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"remote-1"}, tg.prov.endedIDs())
}

func TestWebSocket_RejectedMessagesReply(t *testing.T) {
	tg := newTestGateway(t)
	srv := httptest.NewServer(tg.gw.Handler())
	defer srv.Close()

	conn, _, err := dialWS(t, tg, srv, "user-1", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, tg.do(t, "user-1", http.MethodPost, "/api/session", nil).Code)

	require.NoError(t, conn.WriteJSON(ClientEnvelope{
		Kind:   ClientMessage,
		Origin: "https://evil.example.com",
		Type:   embed.MessageCallEnded,
	}))
	f := readUntil(t, conn, func(f wsFrame) bool { return f.Kind == "error" })
	assert.Contains(t, f.Error, embed.ErrUntrustedOrigin.Error())
	assert.Contains(t, f.Error, "https://evil.example.com")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	f = readUntil(t, conn, func(f wsFrame) bool { return f.Kind == "error" })
	assert.Equal(t, errInvalidClientMessage.Error(), f.Error)

	rec := tg.do(t, "user-1", http.MethodGet, "/api/session", nil)
	assert.Contains(t, rec.Body.String(), `"phase":"loading"`, "rejected messages must not change the session")
}

func TestWebSocket_EventsAreScopedToOwner(t *testing.T) {
	tg := newTestGateway(t)
	srv := httptest.NewServer(tg.gw.Handler())
	defer srv.Close()

	other, _, err := dialWS(t, tg, srv, "user-2", nil)
	require.NoError(t, err)
	readUntil(t, other, func(wsFrame) bool { return true })

	require.Equal(t, http.StatusCreated, tg.do(t, "user-1", http.MethodPost, "/api/session", nil).Code)

	require.NoError(t, other.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var f wsFrame
	err = other.ReadJSON(&f)
	assert.Error(t, err, "user-2 must not see user-1's events, got %+v", f)
}

func TestWebSocket_CheckOrigin(t *testing.T) {
	tg := newTestGateway(t, func(c *config.Config) {
		c.Server.AllowedOrigins = []string{"https://app.example.com"}
	})
	srv := httptest.NewServer(tg.gw.Handler())
	defer srv.Close()

	_, resp, err := dialWS(t, tg, srv, "user-1", http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, _, err = dialWS(t, tg, srv, "user-1", http.Header{"Origin": {"https://app.example.com"}})
	assert.NoError(t, err)
}

func TestOriginPolicy_SameOriginDefault(t *testing.T) {
	p, err := newOriginPolicy(nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://video.local:8090/ws", nil)
	assert.True(t, p.check(req), "no Origin header")

	req.Header.Set("Origin", "http://video.local:8090")
	assert.True(t, p.check(req))

	req.Header.Set("Origin", "http://other.local:8090")
	assert.False(t, p.check(req))
}

func TestBrowserPresenter(t *testing.T) {
	b := conversation.NewEventBroadcaster(testLogger())
	defer b.Close()
	p := newBrowserPresenter("user-1", b)

	_, err := p.OpenWindow(t.Context(), embed.WindowSpec{Name: "w1"})
	assert.ErrorIs(t, err, embed.ErrPopupBlocked, "no tab subscribed")
	assert.ErrorIs(t, p.OpenTab(t.Context(), "https://x"), errNoBrowser)

	events, _ := b.Subscribe(t.Context(), "user-1")

	w1, err := p.OpenWindow(t.Context(), embed.WindowSpec{Name: "w1"})
	require.NoError(t, err)
	ev := <-events
	assert.Equal(t, conversation.EventCommand, ev.Kind)

	w2, err := p.OpenWindow(t.Context(), embed.WindowSpec{Name: "w2"})
	require.NoError(t, err)
	<-events
	assert.True(t, w1.Closed(), "opening a new window retires the previous one")
	assert.False(t, w2.Closed())

	assert.False(t, p.WindowClosed("w1"))
	assert.True(t, p.WindowClosed("w2"))
	assert.True(t, w2.Closed())

	require.NoError(t, p.OpenTab(t.Context(), "https://x"))
	ev = <-events
	cmd := ev.Payload.(Command)
	assert.Equal(t, CommandOpenTab, cmd.Command)
	assert.Equal(t, "https://x", cmd.URL)
}
