// Package app bootstraps and runs the server: configuration loading,
// service wiring, transport startup, and graceful shutdown.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"opendiscovery/internal/config"
	"opendiscovery/internal/transport"
	"opendiscovery/pkg/logging"
)

// Options are the CLI-level knobs passed down from cmd.
type Options struct {
	Debug      bool
	ConfigPath string
	// Transport overrides TRANSPORT_MODE / config when non-empty.
	Transport string
	// Port overrides the HTTP port when positive.
	Port int
	// DataDir, when set, anchors the CMDB and key file.
	DataDir string
	// PluginDir overrides the plugin install directory when non-empty.
	PluginDir string
}

// Application is a fully-wired server ready to Run.
type Application struct {
	services *Services
}

// shutdownTimeout bounds the drain of transports and the final CMDB flush.
const shutdownTimeout = 15 * time.Second

// NewApplication loads configuration and wires all services. Logging goes
// to stderr: with the stdio transport active, stdout belongs to the MCP
// wire protocol.
func NewApplication(ctx context.Context, opts Options) (*Application, error) {
	level := logging.LevelInfo
	if opts.Debug {
		level = logging.LevelDebug
	}
	var logOutput io.Writer = os.Stderr
	logging.Init(level, logOutput)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if opts.Transport != "" {
		cfg.Mode = opts.Transport
	}
	if opts.Port > 0 {
		cfg.HTTP.Port = opts.Port
	}
	if opts.DataDir != "" {
		cfg.CMDB.Path = filepath.Join(opts.DataDir, "cmdb.db")
		cfg.CMDB.KeyFile = filepath.Join(opts.DataDir, "cmdb_key")
	}
	if opts.PluginDir != "" {
		cfg.Plugins.Dir = opts.PluginDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	services, err := InitializeServices(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize services: %w", err)
	}
	return &Application{services: services}, nil
}

// Run starts the transports and blocks until the context is cancelled or a
// termination signal arrives, then shuts everything down gracefully.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svcs := a.services

	for _, t := range svcs.Transports {
		if err := transport.Connect(ctx, svcs.Engine, t); err != nil {
			a.shutdown()
			return fmt.Errorf("start %s transport: %w", t.Name(), err)
		}
		logging.Info("App", "Transport %s started", t.Name())
	}

	if svcs.Watcher != nil {
		if err := svcs.Watcher.Start(ctx); err != nil {
			logging.Warn("App", "Hot reload watcher unavailable: %v", err)
		}
	}

	logging.Info("App", "Server ready: %d tools, mode %s", svcs.Registry.ToolCount(), svcs.Config.ResolveMode())

	<-ctx.Done()
	logging.Info("App", "Shutting down")
	a.shutdown()
	return nil
}

// shutdown tears services down in reverse dependency order: transports
// first (stop accepting), then the hot-reload watcher, then sessions
// (cancel in-flight work) and the engine, and the store last (final flush).
func (a *Application) shutdown() {
	svcs := a.services
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, t := range svcs.Transports {
		if err := t.Close(); err != nil {
			logging.Warn("App", "Closing %s transport: %v", t.Name(), err)
		}
	}
	if svcs.Watcher != nil {
		svcs.Watcher.Stop()
	}
	svcs.Sessions.Stop()
	svcs.Engine.Stop()
	if err := svcs.Store.Close(ctx); err != nil {
		logging.Warn("App", "Closing store: %v", err)
	}
	logging.Info("App", "Shutdown complete")
}
