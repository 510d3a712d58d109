// Package config loads marketsync settings.
//
// Precedence, lowest first: built-in defaults, the YAML file, a .env file,
// MARKETSYNC_* environment variables, then command-line flags (applied by
// the CLI).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MARKETSYNC_"

// Config is the complete settings tree.
type Config struct {
	// Actor is the authenticated actor id sessions are opened for.
	Actor string `yaml:"actor"`

	// Catalog is a directory of CUE collection definitions. Empty uses the
	// built-in catalog.
	Catalog string `yaml:"catalog,omitempty"`

	Remote RemoteConfig `yaml:"remote"`
	Store  StoreConfig  `yaml:"store"`
	Watch  WatchConfig  `yaml:"watch"`
}

// RemoteConfig selects the authority.
type RemoteConfig struct {
	// URL is the API base URL, or "memory://" for an in-process authority.
	URL string `yaml:"url"`

	// Token is sent as a bearer token.
	Token string `yaml:"token,omitempty"`

	// Timeout bounds each HTTP attempt.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `yaml:"max_retries"`
}

// StoreConfig selects the snapshot backend, see store.OpenDSN.
type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

// WatchConfig drives the watch command.
type WatchConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Jitter      time.Duration `yaml:"jitter"`
	MetricsAddr string        `yaml:"metrics_addr,omitempty"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Remote: RemoteConfig{
			URL:        "memory://",
			Timeout:    15 * time.Second,
			MaxRetries: 3,
		},
		Store: StoreConfig{DSN: "marketsync.db"},
		Watch: WatchConfig{
			Interval: 30 * time.Second,
			Jitter:   5 * time.Second,
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg. Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// EnvFileLookup returns a lookup over a .env file that falls back to the
// process environment. Process variables win.
func EnvFileLookup(path string) (func(string) (string, bool), error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := values[key]
		return v, ok
	}, nil
}

// ApplyEnv overrides fields from MARKETSYNC_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
		return nil
	}

	str("ACTOR", &c.Actor)
	str("CATALOG", &c.Catalog)
	str("REMOTE_URL", &c.Remote.URL)
	str("REMOTE_TOKEN", &c.Remote.Token)
	str("STORE_DSN", &c.Store.DSN)
	str("METRICS_ADDR", &c.Watch.MetricsAddr)
	if v, ok := lookup(EnvPrefix + "REMOTE_MAX_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sREMOTE_MAX_RETRIES: %w", EnvPrefix, err)
		}
		c.Remote.MaxRetries = n
	}
	return errors.Join(
		dur("REMOTE_TIMEOUT", &c.Remote.Timeout),
		dur("WATCH_INTERVAL", &c.Watch.Interval),
		dur("WATCH_JITTER", &c.Watch.Jitter),
	)
}

// Validate checks the settings a sync run needs. The actor is checked by
// the commands that open a session.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Remote.URL) == "" {
		errs = append(errs, errors.New("remote.url is required"))
	} else if u, err := url.Parse(c.Remote.URL); err != nil || u.Scheme == "" {
		errs = append(errs, fmt.Errorf("remote.url %q is not an absolute URL", c.Remote.URL))
	}
	if c.Remote.Timeout <= 0 {
		errs = append(errs, errors.New("remote.timeout must be positive"))
	}
	if c.Remote.MaxRetries < 0 {
		errs = append(errs, errors.New("remote.max_retries must not be negative"))
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.Watch.Interval <= 0 {
		errs = append(errs, errors.New("watch.interval must be positive"))
	}
	if c.Watch.Jitter < 0 || c.Watch.Jitter >= c.Watch.Interval {
		errs = append(errs, errors.New("watch.jitter must be in [0, interval)"))
	}
	return errors.Join(errs...)
}

// IsMemoryRemote reports whether the remote is the in-process authority.
func (c Config) IsMemoryRemote() bool {
	return strings.HasPrefix(c.Remote.URL, "memory:")
}
