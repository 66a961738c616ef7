// Package auth authenticates relay-gateway clients.
//
// Every client presents a JWT signed with the configured HS256 secret. The
// token's "sub" claim is the tenant id; every session, chat and message the
// client can reach is scoped to that tenant. Issuer and audience are checked
// when configured.
//
// HTTPAuthMiddleware guards the REST API and the websocket upgrade. Browsers
// cannot add headers to a websocket handshake, so the token may also arrive in
// the "token" query parameter.
//
//	verifier, err := auth.NewJWTVerifier(secret, auth.WithIssuer("relay"))
//	mux.Handle("/api/", auth.HTTPAuthMiddleware(verifier, logger)(api))
//
// Handlers read the tenant with FromContext or MustFromContext.
package auth
