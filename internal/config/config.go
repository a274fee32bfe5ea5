// Package config handles configuration loading from YAML, CLI flags, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Proxy       ProxyConfig       `yaml:"proxy"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Retention   RetentionConfig   `yaml:"retention"`
	Redaction   RedactionConfig   `yaml:"redaction"`
}

// ProxyConfig configures the HTTP/TLS proxy.
type ProxyConfig struct {
	Listen string `yaml:"listen"` // e.g., "localhost:9090"
	Host   string `yaml:"host"`   // Bind host
	Port   int    `yaml:"port"`   // Bind port (alternative to listen)

	// InterceptHosts are operator-added hosts to MITM beyond the built-in
	// provider registry (matched by domain suffix).
	InterceptHosts []string `yaml:"intercept_hosts"`

	// HostRewrites maps a legacy hard-coded host to the host clients
	// should actually be talking to, applied at on_request before
	// provider resolution. Exists for clients that still point at an
	// old API hostname.
	HostRewrites map[string]string `yaml:"host_rewrites"`
}

// PersistenceConfig configures SQLite persistence.
type PersistenceConfig struct {
	DBPath              string `yaml:"db_path"`
	BodyMaxBytes        int    `yaml:"body_max_bytes"`
	EventBatchSize      int    `yaml:"event_batch_size"`
	EventBatchTimeoutMs int    `yaml:"event_batch_timeout_ms"`
	QueueMaxSize        int    `yaml:"queue_max_size"`
}

// RetentionConfig configures data retention TTLs, mapped directly onto
// store.Options when the store opens.
type RetentionConfig struct {
	EventsTTLDays  int `yaml:"events_ttl_days"`
	DropLogTTLDays int `yaml:"drop_log_ttl_days"`
}

// RedactionConfig configures credential redaction in headers and bodies
// before either is logged or persisted in request_metadata. Raw-body
// retention itself is governed by capture_full (security.Gate and the
// provider registry's capture_full_request), not this config.
type RedactionConfig struct {
	AlwaysRedactHeaders  []string `yaml:"always_redact_headers"`
	PatternRedactHeaders []string `yaml:"pattern_redact_headers"`
	RedactAPIKeys        bool     `yaml:"redact_api_keys"`
	RedactBase64Images   bool     `yaml:"redact_base64_images"`
}

// DefaultConfig returns a Config with secure defaults.
func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Listen: "localhost:9090",
		},
		Persistence: PersistenceConfig{
			DBPath:              "", // Set in Load based on platform
			BodyMaxBytes:        1048576, // 1MB
			EventBatchSize:      50,
			EventBatchTimeoutMs: 1000,
			QueueMaxSize:        10000,
		},
		Retention: RetentionConfig{
			EventsTTLDays:  7,
			DropLogTTLDays: 7,
		},
		Redaction: RedactionConfig{
			AlwaysRedactHeaders: []string{
				"authorization",
				"x-api-key",
				"x-amz-security-token", // AWS session tokens
				"cookie",
				"set-cookie",
			},
			PatternRedactHeaders: []string{
				`^x-.*-token$`,
				`^x-.*-key$`,
			},
			RedactAPIKeys:      true,
			RedactBase64Images: true,
		},
	}
}

// ConfigDir returns the platform-specific config directory.
func ConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "tokentap"), nil
	default: // linux, darwin, etc.
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, ".config", "tokentap"), nil
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DefaultDBPath returns the default database path.
func DefaultDBPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "tokentap.db"), nil
}

// Load loads configuration from file, with environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	// Set default DB path
	dbPath, err := DefaultDBPath()
	if err != nil {
		return nil, fmt.Errorf("getting default db path: %w", err)
	}
	cfg.Persistence.DBPath = dbPath

	// Determine config path
	if path == "" {
		path, err = DefaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("getting default config path: %w", err)
		}
	}

	// Try to load from file
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("saving config: %w", err)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save writes the config to the specified path with secure permissions.
func (c *Config) Save(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	// Write with restrictive permissions (owner read/write only)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TOKENTAP_LISTEN"); v != "" {
		c.Proxy.Listen = v
	}
	if v := os.Getenv("TOKENTAP_DB_PATH"); v != "" {
		c.Persistence.DBPath = v
	}
}

// Listen returns the listen address, handling host:port vs listen field.
func (c *ProxyConfig) ListenAddr() string {
	if c.Listen != "" {
		return c.Listen
	}
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 9090
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// HeaderShouldRedact checks if a header name should be redacted.
func (c *RedactionConfig) HeaderShouldRedact(name string) bool {
	nameLower := strings.ToLower(name)

	// Check always-redact list
	for _, h := range c.AlwaysRedactHeaders {
		if strings.ToLower(h) == nameLower {
			return true
		}
	}

	// Check pattern list
	for _, pattern := range c.PatternRedactHeaders {
		// Simple pattern matching - for MVP, just check prefix/suffix
		// Full regex can be added later
		pattern = strings.ToLower(pattern)
		pattern = strings.Trim(pattern, "^$")
		if strings.HasPrefix(pattern, "x-") && strings.HasSuffix(pattern, "-token") {
			prefix := strings.TrimSuffix(pattern, "-token")
			suffix := "-token"
			if strings.HasPrefix(nameLower, prefix) && strings.HasSuffix(nameLower, suffix) {
				return true
			}
		}
		if strings.HasPrefix(pattern, "x-") && strings.HasSuffix(pattern, "-key") {
			prefix := strings.TrimSuffix(pattern, "-key")
			suffix := "-key"
			if strings.HasPrefix(nameLower, prefix) && strings.HasSuffix(nameLower, suffix) {
				return true
			}
		}
	}

	return false
}
