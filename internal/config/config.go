// Package config resolves the controller's runtime configuration by
// layering defaults, an optional YAML file, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// devSecretSentinel is the placeholder value that, like an unset
// NODE_SECRET, is treated as "no shared secret configured" (spec.md §6).
const devSecretSentinel = "change-me"

// Config holds the controller's runtime configuration (spec.md §6).
type Config struct {
	Env         string // NODE_ENV: "development" or "production"
	Secret      string // NODE_SECRET: shared secret for node handshakes
	StoreDSN    string // MONGODB_URI (or the local sqlite path in dev mode)
	Addr        string // Listen address for the node RPC endpoint, e.g. ":9400"
	DataDir     string // Data directory for the local sqlite reference store
	ExcludeNode []string // Node names excluded from the C7 cache-refresh sweep
}

// Load resolves configuration from, in increasing priority order:
// built-in defaults, an optional YAML file at configPath, and
// environment variables prefixed "UARTSERVER_" (the prefix is stripped
// and the rest lowercased to form the key; no nested-key delimiter is
// applied).
// configPath may be empty, in which case the file layer is skipped.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"env":       "development",
		"secret":    devSecretSentinel,
		"storedsn":  "",
		"addr":      ":9400",
		"datadir":   defaultDataDir(),
		"excludenode": "",
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %q: %w", configPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file %q: %w", configPath, err)
		}
	}

	err := k.Load(env.ProviderWithValue("UARTSERVER_", ".", func(key, value string) (string, interface{}) {
		key = strings.ToLower(strings.TrimPrefix(key, "UARTSERVER_"))
		return key, value
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	// NODE_ENV / NODE_SECRET / MONGODB_URI are the three bare (unprefixed)
	// knobs spec.md §6 names explicitly; accept them directly too.
	if v := os.Getenv("NODE_ENV"); v != "" {
		k.Set("env", v)
	}
	if v := os.Getenv("NODE_SECRET"); v != "" {
		k.Set("secret", v)
	}
	if v := os.Getenv("MONGODB_URI"); v != "" {
		k.Set("storedsn", v)
	}

	cfg := &Config{
		Env:      k.String("env"),
		Secret:   k.String("secret"),
		StoreDSN: k.String("storedsn"),
		Addr:     k.String("addr"),
		DataDir:  k.String("datadir"),
	}
	if excl := k.String("excludenode"); excl != "" {
		cfg.ExcludeNode = strings.Split(excl, ",")
	}

	return cfg, nil
}

// Development reports whether the controller is running in development
// mode, in which case the node RPC handshake accepts any token
// (spec.md §4.5, §6).
func (c *Config) Development() bool {
	return strings.EqualFold(c.Env, "development")
}

// RequireSecret reports whether the node handshake must validate a
// shared secret. False when in development mode, or when no real
// secret has been configured (spec.md §6: "if unset or left at a
// sentinel value, equivalent to development mode").
func (c *Config) RequireSecret() bool {
	if c.Development() {
		return false
	}
	return c.Secret != "" && c.Secret != devSecretSentinel
}

// Validate checks the configuration and ensures required directories exist.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "uartserver-ng-sub000")
	}
	return filepath.Join(home, ".config", "uartserver-ng-sub000")
}

// SqlitePath returns the path to the local reference-store sqlite file,
// used when StoreDSN is empty (development/testing).
func (c *Config) SqlitePath() string {
	return filepath.Join(c.DataDir, "controller.db")
}
