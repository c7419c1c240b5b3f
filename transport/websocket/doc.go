// Package websocket streams worker lifecycle events to WebSocket clients.
//
// The Hub is registered as a worker.Observer. Every event except output
// lines is encoded as a Message and sent to subscribers:
//
//	{"event":"ready","port":8931,"session_id":"session_1700000000000_ab12cd34","pid":4242,"state":"starting","at":"..."}
//
// Clients connect to /ws, optionally with ?session_id=... to receive only
// that session's events. Slow clients are dropped rather than allowed to
// stall the pool.
//
// Usage:
//
//	hub := websocket.NewHub(logger)
//	go hub.Run(ctx)
//	lifecycle.AddObserver(hub)
package websocket
