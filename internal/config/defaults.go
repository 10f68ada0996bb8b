package config

import "os"

// Default configuration values. The subprocess timeout is intentionally the
// long one: probe commands like full subnet scans routinely run minutes,
// while in-process tools answer from memory or the local store.
const (
	DefaultHTTPHost              = "0.0.0.0"
	DefaultHTTPPort              = 3000
	DefaultSessionTTLSeconds     = 1800
	DefaultSSERetryMS            = 3000
	DefaultAMQPQueuePrefix       = "mcp.discovery"
	DefaultAMQPExchange          = "mcp.notifications"
	DefaultAMQPResponseTimeoutMS = 30000
	DefaultCMDBPath              = "cmdb.db"
	DefaultCMDBKeyFile           = "cmdb_key"
	DefaultPluginDir             = "plugins"
	DefaultCommandTimeoutSeconds = 300
	DefaultCallTimeoutSeconds    = 30
	DefaultMaxOutputBytes        = 1 << 20
)

// Defaults returns a fully-populated default configuration.
func Defaults() Config {
	return Config{
		HTTP: HTTPConfig{
			Host:              DefaultHTTPHost,
			Port:              DefaultHTTPPort,
			SessionTTLSeconds: DefaultSessionTTLSeconds,
			SSERetryMS:        DefaultSSERetryMS,
		},
		AMQP: AMQPConfig{
			QueuePrefix:       DefaultAMQPQueuePrefix,
			Exchange:          DefaultAMQPExchange,
			ResponseTimeoutMS: DefaultAMQPResponseTimeoutMS,
		},
		CMDB: CMDBConfig{
			Path:    DefaultCMDBPath,
			KeyFile: DefaultCMDBKeyFile,
		},
		Plugins: PluginsConfig{
			Dir:       DefaultPluginDir,
			HotReload: true,
		},
		Tools: ToolsConfig{
			CommandTimeoutSeconds: DefaultCommandTimeoutSeconds,
			CallTimeoutSeconds:    DefaultCallTimeoutSeconds,
			MaxOutputBytes:        DefaultMaxOutputBytes,
		},
	}
}

// ResolveMode returns the effective transport mode. Auto selects stdio on a
// workstation and http inside a container, where stdin is not a client.
func (c *Config) ResolveMode() string {
	if c.Mode != "" {
		return c.Mode
	}
	if isContainerized() {
		return ModeHTTP
	}
	return ModeStdio
}

func isContainerized() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return os.Getenv("container") != ""
}
