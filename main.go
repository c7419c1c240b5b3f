// Command mcp-pool fronts a pool of browser-automation MCP workers.
//
// It supports two modes:
//  1. "serve" (default) – runs an MCP stdio server that forwards every tool call
//     to a worker process owned by this manager's session
//  2. "http" – serves the same tools over streamable HTTP, alongside a REST API
//     and a WebSocket stream of worker lifecycle events
//
// Configuration comes from mcp-pool.yaml, MCP_POOL_* environment variables
// and a .env file, with flags taking precedence.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"github.com/wricardo/mcp-pool/api"
	"github.com/wricardo/mcp-pool/pool/config"
	"github.com/wricardo/mcp-pool/transport/mcp"
	"go.uber.org/zap"
	"golang.ngrok.com/ngrok"
	ngrokConfig "golang.ngrok.com/ngrok/config"
)

// Version information
const (
	Version = "1.0.0"
	AppName = "mcp-pool"
)

func main() {
	// Load .env file if it exists
	envErr := godotenv.Load()
	if envErr != nil && !os.IsNotExist(envErr) {
		fmt.Fprintf(os.Stderr, "Warning: Error loading .env file: %v\n", envErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", AppName, err)
		os.Exit(1)
	}
}

// newCommand builds the command tree.
func newCommand() *cli.Command {
	return &cli.Command{
		Name:    AppName,
		Usage:   "MCP proxy backed by a pool of isolated browser workers",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
				Sources: cli.EnvVars("MCP_POOL_CONFIG"),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "append debug logs as JSON to the log file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "stderr log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "catalog",
				Usage: "YAML tool catalog to expose instead of the built-in one",
			},
		},
		Action: runStdio,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "serve MCP over stdio (default)",
				Action: runStdio,
			},
			{
				Name:  "http",
				Usage: "serve MCP over streamable HTTP with the REST API and event stream",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Usage: "listen address"},
					&cli.BoolFlag{Name: "ngrok", Usage: "expose the server through an ngrok tunnel"},
					&cli.StringFlag{Name: "ngrok-domain", Usage: "custom ngrok domain"},
				},
				Action: runHTTP,
			},
			{
				Name:  "status",
				Usage: "print the status of a pool running in http mode",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Value: "http://localhost:8080", Usage: "base URL of the running pool"},
				},
				Action: runStatus,
			},
			{
				Name:   "catalog",
				Usage:  "print the tool catalog as YAML",
				Action: runCatalog,
			},
			{
				Name:  "version",
				Usage: "print the version",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					_, err := fmt.Fprintf(cmd.Root().Writer, "%s v%s\n", AppName, Version)
					return err
				},
			},
		},
	}
}

// loadConfig reads the config file and environment, then applies flags that
// were set explicitly.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	if cmd.IsSet("debug") {
		cfg.Log.Debug = cmd.Bool("debug")
	}
	if cmd.IsSet("log-level") {
		cfg.Log.Level = cmd.String("log-level")
	}
	if cmd.IsSet("catalog") {
		cfg.Catalog.File = cmd.String("catalog")
	}
	if cmd.IsSet("addr") {
		cfg.HTTP.Addr = cmd.String("addr")
	}
	if cmd.IsSet("ngrok") {
		cfg.HTTP.Ngrok = cmd.Bool("ngrok")
	}
	if cmd.IsSet("ngrok-domain") {
		cfg.HTTP.NgrokDomain = cmd.String("ngrok-domain")
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, config.ValidationErrors(errs)
	}
	return cfg, nil
}

// runStdio serves MCP on stdin/stdout until stdin closes or a signal arrives,
// then kills every worker.
func runStdio(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.start(ctx); err != nil {
		return err
	}

	a.logger.Info("MCP stdio server ready", zap.String("session_id", a.service.SessionID()))
	err = a.server.ServeStdio(ctx, os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server error: %w", err)
	}

	a.logger.Info("Shutting down")
	return a.Close()
}

// runHTTP starts the HTTP server with REST API, WebSocket hub and the MCP
// endpoint. If ngrok is enabled it also provisions a public tunnel.
func runHTTP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, appOptions{withHub: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.start(ctx); err != nil {
		return err
	}

	handler := a.handler()
	httpServer := &http.Server{
		Addr:        cfg.HTTP.Addr,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	var wg sync.WaitGroup
	serveErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()

		a.logger.Info("HTTP server listening",
			zap.String("addr", cfg.HTTP.Addr),
			zap.String("mcp_path", cfg.HTTP.MCPPath))

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	if cfg.HTTP.Ngrok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveNgrok(ctx, a.logger, cfg.HTTP.NgrokDomain, cfg.HTTP.MCPPath, handler)
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("Shutting down")
	case err = <-serveErr:
		a.logger.Error("HTTP server failed", zap.Error(err))
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		a.logger.Warn("HTTP server shutdown error", zap.Error(serr))
	}

	wg.Wait()
	if cerr := a.Close(); err == nil {
		err = cerr
	}
	return err
}

// serveNgrok serves handler through an ngrok tunnel until ctx ends.
func serveNgrok(ctx context.Context, logger *zap.Logger, domain, mcpPath string, handler http.Handler) {
	// Support both naming conventions for the token
	authToken := os.Getenv("NGROK_AUTHTOKEN")
	if authToken == "" {
		authToken = os.Getenv("NGROK_AUTH_TOKEN")
	}
	if authToken == "" {
		logger.Warn("Ngrok enabled but no auth token provided (set NGROK_AUTHTOKEN or NGROK_AUTH_TOKEN)")
		return
	}

	var tunnel ngrokConfig.Tunnel
	if domain != "" {
		tunnel = ngrokConfig.HTTPEndpoint(ngrokConfig.WithDomain(domain))
	} else {
		tunnel = ngrokConfig.HTTPEndpoint()
	}

	tun, err := ngrok.Listen(ctx, tunnel, ngrok.WithAuthtoken(authToken))
	if err != nil {
		logger.Error("Failed to start ngrok tunnel", zap.Error(err))
		return
	}
	defer func() {
		if err := tun.Close(); err != nil {
			logger.Warn("Failed to close ngrok tunnel", zap.Error(err))
		}
	}()

	logger.Info("Ngrok tunnel established",
		zap.String("url", tun.URL()),
		zap.String("mcp_endpoint", tun.URL()+mcpPath))

	srv := &http.Server{Handler: handler}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.Serve(tun); err != nil && err != http.ErrServerClosed {
		logger.Warn("Ngrok server error", zap.Error(err))
	}
}

// runStatus asks a running pool for its status and prints it.
func runStatus(ctx context.Context, cmd *cli.Command) error {
	status, err := api.NewClient(cmd.String("url")).Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch status: %w", err)
	}
	_, err = io.WriteString(cmd.Root().Writer, mcp.FormatStatus(status))
	return err
}

// runCatalog prints the catalog the server would expose.
func runCatalog(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("catalog")
	if path == "" {
		cfg, err := config.Load(cmd.String("config"))
		if err != nil {
			return err
		}
		path = cfg.Catalog.File
	}

	catalog, err := loadCatalog(path)
	if err != nil {
		return err
	}
	return catalog.Write(cmd.Root().Writer)
}
