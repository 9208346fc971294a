// ABOUTME: Browser-backed presenter that asks connected tabs to open windows or tabs
// ABOUTME: Tracks opened windows so close reports from the browser reach the controller

package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/2389/coven-video/internal/conversation"
	"github.com/2389/coven-video/internal/embed"
)

// Commands pushed to the owner's browser tabs.
const (
	CommandOpenWindow = "open-window"
	CommandOpenTab    = "open-tab"
)

// errNoBrowser means no tab of the owner is connected to receive a command.
var errNoBrowser = errors.New("no browser tab connected")

// Command is the payload of a command event.
type Command struct {
	Command string            `json:"command"`
	Window  *embed.WindowSpec `json:"window,omitempty"`
	URL     string            `json:"url,omitempty"`
}

// browserWindow is closed when a tab reports the window gone.
type browserWindow struct {
	closed atomic.Bool
}

func (w *browserWindow) Closed() bool { return w.closed.Load() }

// browserPresenter implements embed.Presenter over the owner's websocket
// subscribers.
type browserPresenter struct {
	ownerID string
	events  *conversation.EventBroadcaster

	mu      sync.Mutex
	windows map[string]*browserWindow
}

func newBrowserPresenter(ownerID string, events *conversation.EventBroadcaster) *browserPresenter {
	return &browserPresenter{
		ownerID: ownerID,
		events:  events,
		windows: make(map[string]*browserWindow),
	}
}

// OpenWindow asks the owner's tabs to open spec. With no tab listening the
// request is treated as a blocked popup.
func (p *browserPresenter) OpenWindow(_ context.Context, spec embed.WindowSpec) (embed.Window, error) {
	cmd := Command{Command: CommandOpenWindow, Window: &spec}
	if p.send(cmd) == 0 {
		return nil, embed.ErrPopupBlocked
	}

	win := &browserWindow{}
	p.mu.Lock()
	for name, old := range p.windows {
		old.closed.Store(true)
		delete(p.windows, name)
	}
	p.windows[spec.Name] = win
	p.mu.Unlock()
	return win, nil
}

// OpenTab asks the owner's tabs to open url in a new tab.
func (p *browserPresenter) OpenTab(_ context.Context, url string) error {
	if p.send(Command{Command: CommandOpenTab, URL: url}) == 0 {
		return errNoBrowser
	}
	return nil
}

// WindowClosed marks the named window closed. Reports false for unknown names.
func (p *browserPresenter) WindowClosed(name string) bool {
	p.mu.Lock()
	win, ok := p.windows[name]
	delete(p.windows, name)
	p.mu.Unlock()
	if !ok {
		return false
	}
	win.closed.Store(true)
	return true
}

func (p *browserPresenter) send(cmd Command) int {
	return p.events.Publish(p.ownerID, conversation.NewEvent(conversation.EventCommand, p.ownerID, cmd), "")
}
