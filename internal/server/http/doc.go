// Package httpserver exposes the node's admin surface over a small JSON
// REST API: health, status, stop, flush, inspect and progress. The instalog
// CLI talks to this server.
//
// Example:
//
//	ins, _ := core.New(cfg, logger)
//	s := httpserver.New(ins, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, "127.0.0.1:7000")
package httpserver
