package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration: defaults, overlaid by the YAML
// file at path (ignored when empty or absent), overlaid by environment
// variables.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays the documented environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("TRANSPORT_MODE"); v != "" {
		cfg.Mode = v
	}
	if port, ok := envInt("HTTP_PORT"); ok {
		cfg.HTTP.Port = port
	} else if port, ok := envInt("PORT"); ok {
		cfg.HTTP.Port = port
	}
	if ttl, ok := envInt("HTTP_SESSION_TTL_SECONDS"); ok {
		cfg.HTTP.SessionTTLSeconds = ttl
	}
	if retry, ok := envInt("HTTP_SSE_RETRY_MS"); ok {
		cfg.HTTP.SSERetryMS = retry
	}
	if v := os.Getenv("HTTP_ALLOWED_ORIGINS"); v != "" {
		var origins []string
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				origins = append(origins, origin)
			}
		}
		cfg.HTTP.AllowedOrigins = origins
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQP.URL = v
	}
	if v := os.Getenv("AMQP_QUEUE_PREFIX"); v != "" {
		cfg.AMQP.QueuePrefix = v
	}
	if v := os.Getenv("AMQP_EXCHANGE"); v != "" {
		cfg.AMQP.Exchange = v
	}
	if timeout, ok := envInt("AMQP_RESPONSE_TIMEOUT_MS"); ok {
		cfg.AMQP.ResponseTimeoutMS = timeout
	}
	if os.Getenv("STRICT_CAPABILITIES") == "1" {
		cfg.Plugins.StrictCapabilities = true
	}
	if v := os.Getenv("CMDB_PATH"); v != "" {
		cfg.CMDB.Path = v
	}
	if v := os.Getenv("CMDB_KEY_FILE"); v != "" {
		cfg.CMDB.KeyFile = v
	}
	if v := os.Getenv("PLUGIN_DIR"); v != "" {
		cfg.Plugins.Dir = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Mode {
	case "", ModeStdio, ModeHTTP, ModeAMQP, ModeAll:
	default:
		return fmt.Errorf("unknown transport mode %q", c.Mode)
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port %d", c.HTTP.Port)
	}
	if c.HTTP.SessionTTLSeconds <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}
	if (c.Mode == ModeAMQP || c.Mode == ModeAll) && c.AMQP.URL == "" {
		return fmt.Errorf("transport mode %s requires AMQP_URL", c.Mode)
	}
	return nil
}
