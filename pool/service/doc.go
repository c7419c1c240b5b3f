// Package service is the layer transports talk to.
//
// PoolService forwards a named operation to the caller's worker, creating
// the worker on first use, and turns every failure along the way into an
// error-flagged result:
//
//	svc := service.NewPoolService(sessions, service.NewSessionID(time.Now()))
//	result := svc.Call(ctx, "browser_navigate", map[string]any{"url": "https://example.com"})
//	if result.IsError {
//		// content carries a readable message; the worker stays in the pool
//	}
//
// A call marks its worker in use for its duration so the idle reaper leaves
// it alone. Status returns the pool snapshot behind the pool_status tool and
// the HTTP status endpoint.
package service
