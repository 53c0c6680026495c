package worker

import "context"

// Worker is the capability every worker implementation must expose. The
// server owns the connection lifecycle; the worker only computes.
type Worker interface {
	// Start initializes the worker and any required resources
	Start() error

	// Stop releases resources held by the worker
	Stop() error

	// Call processes a message and returns a response. The context is
	// cancelled when the requesting connection goes away; the worker may
	// run to completion anyway, in which case the result is discarded.
	Call(ctx context.Context, message string) (string, error)
}

// StreamWorker is a worker that can additionally emit incremental chunks
// while processing. The capability is selected once, at server construction,
// by type assertion; it is never probed per invocation.
type StreamWorker interface {
	Worker

	// CallStream processes a message, emitting chunks through emit as they
	// are produced. emit returns an error when the connection is gone, at
	// which point the worker should stop producing.
	CallStream(ctx context.Context, message string, emit func(chunk string) error) (string, error)
}

// UploadObserver is an optional capability: workers implementing it are
// notified when a file arrives on the upload side-channel.
type UploadObserver interface {
	FileUploaded(ctx context.Context, path string) error
}
