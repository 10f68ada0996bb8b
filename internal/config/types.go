// Package config loads the server configuration from defaults, an optional
// YAML file, and environment variable overrides, in that order.
package config

// Transport modes.
const (
	ModeStdio = "stdio"
	ModeHTTP  = "http"
	ModeAMQP  = "amqp"
	ModeAll   = "all"
)

// Config is the top-level server configuration.
type Config struct {
	// Mode selects the active transports: stdio, http, amqp or all.
	// Empty means auto: stdio outside containers, http alone inside one
	// (auto mode never starts stdio and http together).
	Mode string `yaml:"mode,omitempty"`

	HTTP    HTTPConfig    `yaml:"http,omitempty"`
	AMQP    AMQPConfig    `yaml:"amqp,omitempty"`
	CMDB    CMDBConfig    `yaml:"cmdb,omitempty"`
	Plugins PluginsConfig `yaml:"plugins,omitempty"`
	Tools   ToolsConfig   `yaml:"tools,omitempty"`
}

// HTTPConfig configures the streamable HTTP transport.
type HTTPConfig struct {
	Host              string   `yaml:"host,omitempty"`
	Port              int      `yaml:"port,omitempty"`
	SessionTTLSeconds int      `yaml:"sessionTTLSeconds,omitempty"`
	SSERetryMS        int      `yaml:"sseRetryMs,omitempty"`
	AllowedOrigins    []string `yaml:"allowedOrigins,omitempty"`
}

// AMQPConfig configures the AMQP transport. The transport is only started
// when the mode is amqp or all, and those modes require URL to be set.
type AMQPConfig struct {
	URL               string `yaml:"url,omitempty"`
	QueuePrefix       string `yaml:"queuePrefix,omitempty"`
	Exchange          string `yaml:"exchange,omitempty"`
	ResponseTimeoutMS int    `yaml:"responseTimeoutMs,omitempty"`
	MaxReconnects     int    `yaml:"maxReconnects,omitempty"`
}

// CMDBConfig locates the embedded store and its master key.
type CMDBConfig struct {
	Path    string `yaml:"path,omitempty"`
	KeyFile string `yaml:"keyFile,omitempty"`
}

// PluginsConfig configures the plugin loader.
type PluginsConfig struct {
	Dir                string `yaml:"dir,omitempty"`
	StrictCapabilities bool   `yaml:"strictCapabilities,omitempty"`
	HotReload          bool   `yaml:"hotReload,omitempty"`
}

// ToolsConfig holds the runtime execution limits.
type ToolsConfig struct {
	// CommandTimeoutSeconds bounds subprocess-backed tools.
	CommandTimeoutSeconds int `yaml:"commandTimeoutSeconds,omitempty"`
	// CallTimeoutSeconds bounds in-process tools.
	CallTimeoutSeconds int `yaml:"callTimeoutSeconds,omitempty"`
	// MaxOutputBytes caps each output stream of a tool call.
	MaxOutputBytes int `yaml:"maxOutputBytes,omitempty"`
	// Workers bounds concurrent subprocess executions (0 = CPUs x 2).
	Workers int `yaml:"workers,omitempty"`
}
