// Package auth provides credential verification for worker connections.
//
// A Verifier resolves a raw credential (API key or bearer JWT) to an
// Identity. The worker server consults it during the WebSocket handshake,
// before any envelope is accepted; routers may use it to fail fast before
// dialing.
//
// Two implementations are provided:
//
//	// Remote verification against a backend endpoint
//	verifier := auth.NewAPIKeyVerifier("https://api.example.com/api-keys/verify", logger)
//
//	// Local verification of HS256-signed bearer tokens
//	verifier := auth.NewJWTVerifier(os.Getenv("SIGNING_KEY"))
//
// Both report ErrMissingCredential or ErrInvalidCredential so that callers
// can map the failure to the matching close code.
package auth
