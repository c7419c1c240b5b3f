// Package mcp is the caller-facing MCP server.
//
// Each tool in the Catalog becomes an MCP tool whose handler forwards the
// call, arguments untouched, through service.PoolService to this session's
// worker. The schemas come from a YAML catalog; without one the embedded
// browser catalog is used:
//
//	tools:
//	  - name: browser_navigate
//	    description: Navigate to a URL
//	    input_schema:
//	      type: object
//	      properties:
//	        url: {type: string}
//	      required: [url]
//
// A pool_status tool reports the live pool.
//
// Transport Modes:
//
//   - Stdio: ServeStdio, for MCP clients that launch the pool as a subprocess
//   - HTTP: HTTPHandler, a streamable HTTP endpoint for remote clients
package mcp
