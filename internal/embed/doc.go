// Package embed presents a joinable video-session URL and tracks whether it
// could be shown inline.
//
// # Phases
//
// A Controller is always in exactly one Phase:
//
//	idle → loading → embedded
//	          │  └──→ failed ──(escalation delay)──→ blocked
//	          └──(block timeout)──────────────────→ blocked
//	blocked | failed ──Retry──→ loading (attempt+1)
//	any non-ended ──EndCall / video-call-ended──→ ended
//
// Ended is absorbing; every later call returns ErrEnded. Dispose stops all
// timers without notifying and is how an owner discards a controller.
//
// # Embedded content messages
//
// HandleMessage accepts video-call-started, video-call-ended and
// iframe-blocked, but only from origins on the trusted allow-list. Entries
// are exact ("https://tavus.daily.co") or leftmost-label wildcards
// ("https://*.tavus.io"). Anything else is dropped and counted.
//
// # Fallback window
//
// OpenWindow asks the Presenter for a centred window named
// "video-call-<uuid>" and falls back to a tab when the window is refused.
// An open window is polled until it closes or the poll cap passes.
//
// # Time
//
// All timers go through Clock. Tests use FakeClock and Advance to fire them
// deterministically.
package embed
