// Package router implements the client side of the worker communication
// protocol: a coordinator that dispatches one call at a time to a remote
// worker over a WebSocket connection and returns either a single result or
// an ordered stream of chunks.
//
// Example blocking call:
//
//	r := router.New("10.0.0.5:8081", router.Options{APIKey: key})
//	defer r.Close()
//
//	result, err := r.Call(ctx, "summarize this document", nil)
//
// Example streaming call:
//
//	result, err := r.Call(ctx, "summarize this document", func(chunk string) {
//	    fmt.Print(chunk)
//	})
//
// The router guarantees:
//   - single-flight: a second concurrent Call fails with ErrCallInProgress
//     without reaching the transport
//   - ordered delivery: the sink observes chunks in envelope-arrival order,
//     all before Call returns
//   - two timeout clocks: a total bound on the call and an activity bound on
//     silence, each surfaced as a distinct *CallTimeoutError
//   - bounded retries: connect failures and mid-call disconnects are retried
//     up to MaxRetries, then aggregated into a *RetryExhaustedError naming
//     the last cause
//
// Client adds API key enforcement in front of a Router:
//
//	c, err := router.NewClient(ctx, addr, key, verifier, router.Options{})
package router
