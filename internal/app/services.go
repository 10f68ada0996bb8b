package app

import (
	"context"
	"fmt"
	"time"

	"opendiscovery/internal/cmdb"
	"opendiscovery/internal/config"
	"opendiscovery/internal/engine"
	"opendiscovery/internal/plugin"
	"opendiscovery/internal/registry"
	"opendiscovery/internal/runtime"
	"opendiscovery/internal/session"
	"opendiscovery/internal/tools/memory"
	"opendiscovery/internal/tools/network"
	"opendiscovery/internal/transport"
	"opendiscovery/pkg/logging"
)

// Services holds every component of a running server. There is no global
// state: tests build their own Services with private stores and registries.
type Services struct {
	Config   config.Config
	Registry *registry.Registry
	Runtime  *runtime.Runtime
	Store    *cmdb.Store
	Sessions *session.Manager
	Engine   *engine.Engine
	Loader   *plugin.Loader
	Watcher  *plugin.Watcher

	Transports []transport.Transport
}

// InitializeServices wires the full service graph from configuration:
// store, registry, runtime, session manager, engine, plugin loader with the
// built-in factories, and the transports selected by the mode.
func InitializeServices(ctx context.Context, cfg config.Config) (*Services, error) {
	store, err := cmdb.Open(ctx, cfg.CMDB.Path, cfg.CMDB.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("open cmdb: %w", err)
	}

	reg := registry.New()
	rt := runtime.New(reg, runtime.Options{
		InProcessTimeout:  time.Duration(cfg.Tools.CallTimeoutSeconds) * time.Second,
		SubprocessTimeout: time.Duration(cfg.Tools.CommandTimeoutSeconds) * time.Second,
		MaxOutputBytes:    cfg.Tools.MaxOutputBytes,
		Workers:           cfg.Tools.Workers,
	})
	sessions := session.NewManager(time.Duration(cfg.HTTP.SessionTTLSeconds)*time.Second, nil)
	eng := engine.New(reg, rt, sessions)

	loader := plugin.NewLoader(cfg.Plugins.Dir, reg, rt, store, cfg.Plugins.StrictCapabilities,
		func(pluginID string, err error) {
			logging.Error("App", err, "Plugin %s failed to load", pluginID)
		})
	loader.RegisterFactory(network.PluginID, network.Factory())
	loader.RegisterFactory(memory.PluginID, memory.Factory(reg))

	for _, builtin := range []string{network.PluginID, memory.PluginID} {
		if err := loader.LoadBuiltin(ctx, builtin, engine.ServerVersion); err != nil {
			store.Close(ctx)
			return nil, fmt.Errorf("load builtin plugin %s: %w", builtin, err)
		}
	}
	loader.LoadAll(ctx)

	svcs := &Services{
		Config:   cfg,
		Registry: reg,
		Runtime:  rt,
		Store:    store,
		Sessions: sessions,
		Engine:   eng,
		Loader:   loader,
	}

	if cfg.Plugins.HotReload {
		svcs.Watcher = plugin.NewWatcher(loader)
	}

	mode := cfg.ResolveMode()
	if mode == config.ModeStdio || mode == config.ModeAll {
		svcs.Transports = append(svcs.Transports, transport.NewStdio(eng))
	}
	if mode == config.ModeHTTP || mode == config.ModeAll {
		svcs.Transports = append(svcs.Transports, transport.NewHTTP(eng, transport.HTTPConfig{
			Host:           cfg.HTTP.Host,
			Port:           cfg.HTTP.Port,
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
			SSERetry:       time.Duration(cfg.HTTP.SSERetryMS) * time.Millisecond,
		}, func() (int, map[string]string) {
			return reg.ToolCount(), loader.Failures()
		}))
	}
	if mode == config.ModeAMQP || mode == config.ModeAll {
		svcs.Transports = append(svcs.Transports, transport.NewAMQP(eng, reg, transport.AMQPConfig{
			URL:             cfg.AMQP.URL,
			QueuePrefix:     cfg.AMQP.QueuePrefix,
			Exchange:        cfg.AMQP.Exchange,
			ResponseTimeout: time.Duration(cfg.AMQP.ResponseTimeoutMS) * time.Millisecond,
			MaxReconnects:   cfg.AMQP.MaxReconnects,
		}))
	}
	if len(svcs.Transports) == 0 {
		store.Close(ctx)
		return nil, fmt.Errorf("no transports enabled for mode %q", mode)
	}

	return svcs, nil
}
