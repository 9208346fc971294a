// Package auth authenticates browser requests for coven-video.
//
// # Tokens
//
// Users sign in with the hosted identity backend, which issues HS256 JWTs
// signed with the project's jwt_secret. The "sub" claim is the user id and
// becomes the owner id for every conversation and session operation.
//
//	verifier, err := auth.NewJWTVerifier(secret, "authenticated")
//	id, err := verifier.Verify(token)
//
// Generate signs tokens locally for development and tests.
//
// # HTTP Middleware
//
// HTTPAuthMiddleware verifies the bearer token and stores an AuthContext in
// the request context:
//
//	mux.Handle("/api/", auth.HTTPAuthMiddleware(verifier, false)(api))
//	mux.Handle("/ws", auth.HTTPAuthMiddleware(verifier, true)(ws))
//
// The websocket route also accepts ?access_token= because browsers cannot
// set headers on the upgrade request.
//
// # Context
//
// FromContext returns the caller's identity. AccessTokenFromContext returns
// the raw token so the REST store can act as the user.
package auth
