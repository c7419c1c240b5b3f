// Package api provides the HTTP REST API for inspecting and controlling a
// running worker pool.
//
// Endpoints:
//   - GET /api/status - Pool status for this manager's session
//   - GET /api/workers - List live workers
//   - GET /api/workers/{port} - Get one worker
//   - DELETE /api/workers/{port} - Kill a worker
//   - GET /ws?session_id=ID - Stream worker lifecycle events
//   - GET /healthz - Liveness check
//
// Errors are returned as JSON objects with a single "error" field.
//
// Client wraps the same endpoints for the status command.
package api
