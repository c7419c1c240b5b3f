// Package worker runs the isolated MCP server processes the pool hands out.
//
// A Worker moves through a small state machine:
//
//	Starting ──connected──▶ Ready
//	    │                     │
//	    └──failed/exited──▶ Terminated ◀──killed/exited
//
// Everything that happens to a worker (spawn, output lines, readiness,
// connection, exit, kill) is an Event delivered through Manager.Deliver, so
// tests can drive transitions without real processes.
//
// Start runs the three startup steps in order:
//
//  1. Launch the configured command with the port substituted and an
//     isolation flag appended (ExecLauncher).
//  2. Wait for any HTTP answer on the health path (HTTPProber).
//  3. Open an MCP client over SSE and complete the initialize handshake
//     (SSEConnector).
//
// A failure at any step kills the process and returns an error wrapping
// ErrSpawnFailure, ErrStartupTimeout or ErrConnectionFailure. Kill closes the
// channel (ignoring close errors) and then kills the process group; it is
// safe to call more than once. An exit the manager did not ask for runs the
// OnUnexpectedExit hook.
package worker
