// Package directory implements a Redis-backed presence registry for workers.
//
// A worker server registers its id and dialable address on startup and
// extends the registration periodically; the entry expires on its own if the
// worker dies. Routers resolve a worker id to an address before dialing:
//
//	dir := directory.New(redisClient, logger)
//	_ = dir.Register(ctx, directory.Info{ID: "summarizer-1", Addr: "10.0.0.5:8081"}, time.Minute)
//
//	info, err := dir.Lookup(ctx, "summarizer-1")
//	if err != nil {
//	    // directory.ErrWorkerNotFound when expired or never registered
//	}
//	r := router.New(info.Addr, router.Options{})
package directory
