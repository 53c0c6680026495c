// Package worker implements the server side of the worker communication
// protocol: it hosts a Worker behind a persistent WebSocket endpoint and
// owns connection lifecycle, authentication gating, call dispatch, stream
// bridging and heartbeat-based eviction.
//
// A worker implements either the plain call capability or, additionally,
// the streaming one:
//
//	type Worker interface {
//	    Start() error
//	    Stop() error
//	    Call(ctx context.Context, message string) (string, error)
//	}
//
//	type StreamWorker interface {
//	    Worker
//	    CallStream(ctx context.Context, message string, emit func(chunk string) error) (string, error)
//	}
//
// The capability is selected once, when the server is built:
//
//	srv := worker.NewServer(myWorker, worker.ServerConfig{
//	    Addr:        ":8081",
//	    SidecarAddr: ":8082",
//	    Verifier:    auth.NewJWTVerifier(signingKey),
//	}, logger)
//	if err := srv.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Stop(ctx)
//
// The server guarantees:
//   - unauthenticated connections are closed during the handshake with a
//     distinguishable code, before any envelope is dispatched
//   - a session processes one call at a time; overlapping requests receive a
//     synchronous error envelope, never a queue slot
//   - each call produces exactly one terminal envelope (complete or error),
//     with worker panics recovered into call failures
//   - streamed chunks reach the transport only through the session's writer
//     goroutine, via a bounded channel that gives producers back-pressure
//   - sessions silent for longer than the connection timeout are evicted by
//     a periodic sweep independent of any call
//
// A separate HTTP side-channel serves file uploads, health and status
// without touching the message loop.
package worker
