// ABOUTME: Presenter interface for the fallback window and tab, plus window geometry
// ABOUTME: The browser shell implements Presenter; the controller only decides what to open

package embed

import (
	"context"
	"errors"
)

// ErrPopupBlocked is returned by a Presenter that could not open a window.
var ErrPopupBlocked = errors.New("window open refused")

const (
	maxWindowWidth  = 1200
	maxWindowHeight = 800
	windowFraction  = 0.9
	windowPrefix    = "video-call-"
)

// Screen is the available screen size reported by the browser.
type Screen struct {
	Width  int `json:"screen_width"`
	Height int `json:"screen_height"`
}

// WindowSpec describes a window to open.
type WindowSpec struct {
	URL    string `json:"url"`
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Left   int    `json:"left"`
	Top    int    `json:"top"`
}

// Window is a handle to an opened window.
type Window interface {
	// Closed reports whether the user has closed the window.
	Closed() bool
}

// Presenter opens the session URL outside the embedded frame.
type Presenter interface {
	OpenWindow(ctx context.Context, spec WindowSpec) (Window, error)
	OpenTab(ctx context.Context, url string) error
}

// Presentation says how OpenWindow ended up showing the session.
type Presentation string

const (
	PresentedWindow Presentation = "window"
	PresentedTab    Presentation = "tab"
)

// WindowGeometry centres a window on the screen at 90% of its size, capped
// at 1200x800. An unknown screen size yields the cap at the origin.
func WindowGeometry(screen Screen) (width, height, left, top int) {
	if screen.Width <= 0 || screen.Height <= 0 {
		return maxWindowWidth, maxWindowHeight, 0, 0
	}
	width = min(maxWindowWidth, int(float64(screen.Width)*windowFraction))
	height = min(maxWindowHeight, int(float64(screen.Height)*windowFraction))
	left = (screen.Width - width) / 2
	top = (screen.Height - height) / 2
	return width, height, left, top
}
