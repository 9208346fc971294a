// ABOUTME: Websocket channel between the gateway and a user's browser tabs
// ABOUTME: Pushes session events and commands; receives embed messages, frame events and window closes

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-video/internal/auth"
	"github.com/2389/coven-video/internal/conversation"
	"github.com/2389/coven-video/internal/embed"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsPongTimeout    = 60 * time.Second
	wsPingInterval   = (wsPongTimeout * 9) / 10
	wsMaxMessageSize = 4096
)

// Client message kinds.
const (
	ClientMessage      = "message"
	ClientFrame        = "frame"
	ClientWindowClosed = "window-closed"
)

// ClientEnvelope is a message sent by the browser over the websocket.
type ClientEnvelope struct {
	Kind   string `json:"kind"`
	Origin string `json:"origin,omitempty"`
	Type   string `json:"type,omitempty"`
	Event  string `json:"event,omitempty"`
	Name   string `json:"name,omitempty"`
}

var errInvalidClientMessage = errors.New("invalid client message")

// ErrorFrame is sent back to the tab whose message could not be applied.
type ErrorFrame struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// handleWebSocket handles GET /ws.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s := g.ownerSession(w, r)
	if s == nil {
		return
	}
	ownerID := auth.FromContext(r.Context()).UserID

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err, "owner_id", ownerID)
		return
	}
	conn.SetReadLimit(wsMaxMessageSize)

	ctx, cancel := context.WithCancel(context.Background())
	events, subID := g.broadcaster.Subscribe(ctx, ownerID)
	replies := make(chan any, 8)

	g.logger.Debug("websocket connected", "owner_id", ownerID, "sub_id", subID)

	// Current state first, so a new tab renders without waiting for a change.
	replies <- conversation.NewEvent(conversation.EventSession, ownerID, s.launcher.State())

	go g.wsWritePump(conn, events, replies, cancel)
	g.wsReadPump(conn, s, replies)
	cancel()
}

// wsReadPump applies client messages until the connection fails.
func (g *Gateway) wsReadPump(conn *websocket.Conn, s *ownerSession, replies chan<- any) {
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		if err := g.applyClientMessage(s, data); err != nil {
			select {
			case replies <- ErrorFrame{Kind: "error", Error: err.Error()}:
			default:
			}
		}
	}
}

func (g *Gateway) applyClientMessage(s *ownerSession, data []byte) error {
	var env ClientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return errInvalidClientMessage
	}

	switch env.Kind {
	case ClientMessage:
		return s.launcher.HandleMessage(embed.Message{Origin: env.Origin, Type: env.Type})
	case ClientFrame:
		return g.applyFrameEvent(s, env.Event)
	case ClientWindowClosed:
		s.presenter.WindowClosed(env.Name)
		return nil
	default:
		return errInvalidClientMessage
	}
}

// wsWritePump writes events, replies and pings. It closes the connection
// when the subscription ends or a write fails.
func (g *Gateway) wsWritePump(conn *websocket.Conn, events <-chan *conversation.Event, replies <-chan any, cancel context.CancelFunc) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		cancel()
		_ = conn.Close()
	}()

	for {
		var msg any
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			msg = ev
		case reply := <-replies:
			msg = reply
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			g.logger.Debug("websocket write failed", "error", err)
			return
		}
	}
}
