package mcp

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/wricardo/mcp-pool/pool/service"
	"go.uber.org/zap"
)

const instructions = `Isolated worker pool

Every tool except pool_status is forwarded to a worker process dedicated to
this session. The worker is started on the first call, which can take several
seconds, and is reused afterwards. Workers idle for a long time are stopped
and transparently restarted on the next call, so state such as open pages may
be lost after a long pause.

Failed calls return an error result; the worker stays available for retries.
Use pool_status to see which worker this session is using.`

// Server exposes the pool to MCP callers
type Server struct {
	service   service.PoolService
	catalog   *Catalog
	logger    *zap.Logger
	mcpServer *server.MCPServer
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer registers every catalog tool as a forwarding tool plus pool_status
func NewServer(svc service.PoolService, catalog *Catalog, name, version string, opts ...Option) (*Server, error) {
	s := &Server{
		service: svc,
		catalog: catalog,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcpServer = server.NewMCPServer(
		name,
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	if err := s.registerTools(); err != nil {
		return nil, err
	}
	return s, nil
}

// registerTools registers all MCP tools
func (s *Server) registerTools() error {
	for _, spec := range s.catalog.Tools {
		tool, err := spec.MCPTool()
		if err != nil {
			return err
		}
		s.mcpServer.AddTool(tool, s.forward(spec.Name))
	}

	s.mcpServer.AddTool(mcp.NewTool(StatusToolName,
		mcp.WithDescription("Show the worker pool: this session's worker, every live worker with its idle minutes, and the pool capacity"),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handlePoolStatus)

	s.logger.Debug("Registered tools", zap.Int("forwarded", len(s.catalog.Tools)))
	return nil
}

// GetMCPServer returns the underlying MCP server for serving
func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio serves MCP over in and out until in closes or ctx ends
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(zap.NewStdLog(s.logger))
	return stdio.Listen(ctx, in, out)
}

// HTTPHandler returns a streamable HTTP handler mounted at endpointPath
func (s *Server) HTTPHandler(endpointPath string) *server.StreamableHTTPServer {
	return server.NewStreamableHTTPServer(s.mcpServer, server.WithEndpointPath(endpointPath))
}

// Tool handlers

func (s *Server) forward(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return s.service.Call(ctx, name, request.GetArguments()), nil
	}
}

func (s *Server) handlePoolStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(FormatStatus(s.service.Status(ctx))), nil
}

// FormatStatus renders a status snapshot as plain text
func FormatStatus(status *service.Status) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Session: %s\n", status.SessionID)
	if status.HasWorker {
		fmt.Fprintf(&b, "Assigned worker: port %d\n", status.AssignedPort)
	} else {
		b.WriteString("Assigned worker: none (started on next call)\n")
	}
	fmt.Fprintf(&b, "Workers: %d/%d\n", status.LiveCount, status.MaxInstances)

	for _, w := range status.Workers {
		marker := " "
		if status.HasWorker && w.Port == status.AssignedPort {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s port %d  session %s  pid %d  %s  idle %dm",
			marker, w.Port, w.SessionID, w.PID, w.State, w.IdleMinutes)
		if w.InFlight > 0 {
			fmt.Fprintf(&b, "  in-flight %d", w.InFlight)
		}
		b.WriteString("\n")
	}

	return b.String()
}
