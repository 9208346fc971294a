// Package gateway serves the coven-video HTTP API and websocket.
//
// # Overview
//
// The gateway authenticates browser requests with the backend's JWTs and
// gives each signed-in user their own conversation repository and session
// launcher. All of a user's tabs share one session: state changes, record
// updates and window commands are pushed to every tab over the websocket.
//
// # Routes
//
//	GET    /health                   liveness
//	GET    /health/ready             provider settings present
//	GET    /metrics                  Prometheus metrics (metrics.enabled)
//	GET    /api/conversations        the user's records, newest first
//	DELETE /api/conversations/{id}   delete a record
//	GET    /api/session              launcher state
//	POST   /api/session              start a session (Idempotency-Key honoured)
//	DELETE /api/session              end the session
//	POST   /api/session/retry        retry a blocked or failed embed
//	POST   /api/session/frame        {"event": "load"|"error"}
//	POST   /api/session/window       {"screen_width", "screen_height"}
//	POST   /api/session/message      {"origin", "type"} from the embedded content
//	DELETE /api/session/error        dismiss the displayed error
//	GET    /ws                       event stream (token via ?access_token=)
//
// # Websocket
//
// The server sends events {"id", "kind", "owner_id", "payload", "timestamp"}
// where kind is "session", "records" or "command". Commands ask the tab to
// open the session in a window or tab. Tabs send:
//
//	{"kind": "message", "origin": "...", "type": "video-call-ended"}
//	{"kind": "frame", "event": "load"}
//	{"kind": "window-closed", "name": "..."}
//
// Upgrades are checked against server.allowed_origins, or the request's own
// host when none are configured.
//
// # Listeners
//
// The gateway listens on server.http_addr, or on a tsnet node when
// tailscale.enabled is set (plain HTTP, tailnet HTTPS or Funnel).
package gateway
