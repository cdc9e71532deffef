// Package config decodes the agent's on-disk YAML configuration. It is
// consumed only by cmd/agent — every core package (internal/hwm,
// internal/dispatch, internal/watch, ...) takes plain Go values and
// never parses YAML, environment variables, or flags itself.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the agent's top-level configuration document.
type Config struct {
	// BaseURL is the remote store's base URL, e.g. "http://127.0.0.1:2379".
	BaseURL string `yaml:"baseUrl"`

	// Prefix is the keyspace subtree the watcher loop watches, e.g.
	// "/calico/v1".
	Prefix string `yaml:"prefix"`

	// ReadyKey is the well-known key the agent polls before starting the
	// watcher loop.
	ReadyKey string `yaml:"readyKey"`

	// ReadyPollInterval is the delay between readiness checks.
	ReadyPollInterval time.Duration `yaml:"readyPollInterval"`

	// ConnectTimeout and ReadTimeout bound each poll request.
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`

	// CarryClusterIDOnReconnect controls whether the reconnect that starts
	// each fresh snapshot cycle validates the previously observed cluster
	// identity rather than starting fresh. Reconnects inside a poll cycle
	// always carry the current identity forward.
	CarryClusterIDOnReconnect bool `yaml:"carryClusterIdOnReconnect"`

	// Debug selects human-readable, debug-level logging.
	Debug bool `yaml:"debug"`
}

// Default returns a Config with the watcher loop's documented defaults
// (connect ~10s, read ~90s) and a 2s readiness poll interval.
func Default() Config {
	return Config{
		BaseURL:           "http://127.0.0.1:2379",
		Prefix:            "/calico/v1",
		ReadyKey:          "/calico/v1/Ready",
		ReadyPollInterval: 2 * time.Second,
		ConnectTimeout:    10 * time.Second,
		ReadTimeout:       90 * time.Second,
	}
}

// Load reads and decodes the YAML document at path, applying it on top
// of Default().
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config: opening %s", path)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, errors.Wrapf(err, "config: decoding %s", path)
	}
	return cfg, nil
}
