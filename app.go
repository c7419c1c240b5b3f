package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/wricardo/mcp-pool/api"
	"github.com/wricardo/mcp-pool/internal/logging"
	"github.com/wricardo/mcp-pool/internal/tracing"
	"github.com/wricardo/mcp-pool/pool/config"
	"github.com/wricardo/mcp-pool/pool/ports"
	"github.com/wricardo/mcp-pool/pool/reaper"
	"github.com/wricardo/mcp-pool/pool/service"
	"github.com/wricardo/mcp-pool/pool/session"
	"github.com/wricardo/mcp-pool/pool/worker"
	"github.com/wricardo/mcp-pool/transport/mcp"
	"github.com/wricardo/mcp-pool/transport/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// app holds one manager instance: its pool, the reaper that trims it and the
// MCP server that fronts it.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	catalog *mcp.Catalog

	workers *worker.Manager
	pool    *session.Manager
	service service.PoolService
	reaper  *reaper.Reaper
	hub     *websocket.Hub
	server  *mcp.Server

	closeLog    func()
	stopTracing tracing.Shutdown
	closed      bool
}

// appOptions carries dependencies tests swap out.
type appOptions struct {
	launcher  worker.Launcher
	prober    worker.ReadinessProber
	connector worker.Connector
	claimer   ports.Claimer
	logger    *zap.Logger
	withHub   bool
}

// newApp wires the pool from cfg. Nothing is spawned until the first call.
func newApp(cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, closeLog: func() {}}

	if opts.logger != nil {
		a.logger = opts.logger
	} else {
		logger, closeLog, err := logging.New(logging.Options{
			Level: cfg.Log.Level,
			Debug: cfg.Log.Debug,
			File:  cfg.Log.File,
		})
		if err != nil {
			return nil, err
		}
		a.logger, a.closeLog = logger, closeLog
	}

	if cfg.Tracing.Enabled {
		stop, err := tracing.Init(AppName, Version, cfg.Tracing.File)
		if err != nil {
			a.closeLog()
			return nil, err
		}
		a.stopTracing = stop
	}

	if err := a.wire(opts); err != nil {
		a.release()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(opts appOptions) error {
	cfg := a.cfg

	catalog, err := loadCatalog(cfg.Catalog.File)
	if err != nil {
		return err
	}
	a.catalog = catalog

	claimer := opts.claimer
	if claimer == nil {
		claimer = ports.BindClaimer{Host: cfg.Ports.Host}
	}
	allocator, err := ports.NewAllocator(cfg.Ports.Base, cfg.Ports.Range, cfg.Ports.MaxAttempts, claimer)
	if err != nil {
		return err
	}

	launcher := opts.launcher
	if launcher == nil {
		launcher = &worker.ExecLauncher{
			Command:       cfg.Worker.Command,
			IsolationFlag: cfg.Worker.IsolationFlag,
			Env:           cfg.Worker.Env,
			Dir:           cfg.Worker.Dir,
		}
	}
	prober := opts.prober
	if prober == nil {
		p := worker.NewHTTPProber(cfg.Worker.Host, cfg.Readiness.Path)
		p.InitialDelay = cfg.Readiness.InitialDelay
		p.Interval = cfg.Readiness.Interval
		p.MaxInterval = cfg.Readiness.MaxInterval
		p.Timeout = cfg.Readiness.Timeout
		prober = p
	}
	connector := opts.connector
	if connector == nil {
		connector = &worker.SSEConnector{
			Host:          cfg.Worker.Host,
			Path:          cfg.Worker.SSEPath,
			ClientName:    AppName,
			ClientVersion: Version,
		}
	}

	workerOpts := []worker.Option{worker.WithLogger(a.logger.Named("worker"))}
	if opts.withHub {
		a.hub = websocket.NewHub(a.logger.Named("ws"))
		workerOpts = append(workerOpts, worker.WithObserver(a.hub))
	}
	a.workers = worker.NewManager(launcher, prober, connector, workerOpts...)

	sessionOpts := []session.Option{session.WithLogger(a.logger.Named("pool"))}
	if cfg.State.Dir != "" {
		persistence, err := session.NewFilePersistence(cfg.State.Dir)
		if err != nil {
			return err
		}
		if cfg.State.PruneOrphans {
			killed, err := session.PruneOrphans(persistence, session.UnixProcessTable{}, a.logger)
			if err != nil {
				a.logger.Warn("Orphan cleanup incomplete", zap.Error(err))
			}
			if killed > 0 {
				a.logger.Info("Killed orphaned workers from a previous run", zap.Int("count", killed))
			}
		}
		sessionOpts = append(sessionOpts, session.WithPersistence(persistence))
	}
	a.pool = session.NewManager(a.workers, allocator, cfg.Pool.MaxInstances, sessionOpts...)
	a.workers.OnUnexpectedExit(a.pool.HandleExit)

	a.service = service.NewPoolService(a.pool, service.NewSessionID(time.Now()),
		service.WithLogger(a.logger.Named("service")))

	a.reaper = reaper.New(a.pool, cfg.Reaper.IdleTimeout,
		reaper.WithSchedule(cfg.Reaper.Schedule),
		reaper.WithLogger(a.logger.Named("reaper")))

	a.server, err = mcp.NewServer(a.service, catalog, AppName, Version, mcp.WithLogger(a.logger.Named("mcp")))
	if err != nil {
		return err
	}

	a.logger.Info("Pool ready",
		zap.String("session_id", a.service.SessionID()),
		zap.Int("max_instances", cfg.Pool.MaxInstances),
		zap.Int("port_base", cfg.Ports.Base),
		zap.Int("tools", len(catalog.Tools)))
	return nil
}

func loadCatalog(path string) (*mcp.Catalog, error) {
	if path == "" {
		return mcp.DefaultCatalog()
	}
	return mcp.LoadCatalog(path)
}

// start launches the background pieces: the reaper and, when present, the hub.
func (a *app) start(ctx context.Context) error {
	if a.hub != nil {
		go a.hub.Run(ctx)
	}
	return a.reaper.Start()
}

// handler builds the HTTP surface: REST API, event stream and the MCP endpoint.
func (a *app) handler() http.Handler {
	apiServer := api.NewServer(a.service, a.hub, a.logger.Named("api"))
	apiServer.Mount(a.cfg.HTTP.MCPPath, a.server.HTTPHandler(a.cfg.HTTP.MCPPath))
	return apiServer
}

// Close stops the reaper, kills every worker and flushes diagnostics.
func (a *app) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true

	a.reaper.Stop()
	err := a.service.Shutdown()
	if err != nil {
		a.logger.Warn("Worker shutdown reported errors", zap.Error(err))
	} else {
		a.logger.Info("All workers stopped")
	}
	return multierr.Append(err, a.release())
}

func (a *app) release() error {
	var err error
	if a.stopTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := a.stopTracing(ctx); serr != nil {
			err = fmt.Errorf("failed to flush traces: %w", serr)
		}
	}
	a.closeLog()
	return err
}
