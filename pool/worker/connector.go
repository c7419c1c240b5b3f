package worker

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// SSEConnector connects to a worker's MCP server over SSE.
type SSEConnector struct {
	Host          string
	Path          string
	ClientName    string
	ClientVersion string
}

// URL returns the SSE endpoint for port.
func (c *SSEConnector) URL(port int) string {
	return "http://" + net.JoinHostPort(c.Host, strconv.Itoa(port)) + c.Path
}

// Connect starts the SSE stream and completes the initialize handshake.
// The stream lives until the returned channel is closed; ctx only bounds the
// handshake.
func (c *SSEConnector) Connect(ctx context.Context, port int) (Channel, error) {
	cli, err := client.NewSSEMCPClient(c.URL(port))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailure, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	ch := &sseChannel{Client: cli, cancel: cancel}

	if err := cli.Start(streamCtx); err != nil {
		ch.Close()
		return nil, fmt.Errorf("%w: start stream on port %d: %v", ErrConnectionFailure, port, err)
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{
		Name:    c.ClientName,
		Version: c.ClientVersion,
	}

	if _, err := cli.Initialize(ctx, req); err != nil {
		ch.Close()
		return nil, fmt.Errorf("%w: initialize on port %d: %v", ErrConnectionFailure, port, err)
	}

	return ch, nil
}

type sseChannel struct {
	*client.Client
	cancel context.CancelFunc
}

func (s *sseChannel) Close() error {
	defer s.cancel()
	return s.Client.Close()
}
