// Package config loads pool settings.
//
// Values come from, in increasing priority: built-in defaults, an optional
// mcp-pool.yaml (working directory or ConfigDir), and MCP_POOL_* environment
// variables where dots in the key become underscores:
//
//	MCP_POOL_POOL_MAX_INSTANCES=4
//	MCP_POOL_REAPER_IDLE_TIMEOUT=10m
//	MCP_POOL_WORKER_COMMAND="node,server.js,--port,{port}"
//
// MCP_POOL_DEBUG=1 is accepted as a shorthand for log.debug.
package config
