// Package config loads moorage's runtime configuration: a YAML file on disk
// with environment- and deployment-specific settings, overridable by CLI
// flags at the call sites that need it. This mirrors the teacher's
// log.Config/Init() shape — plain structs, no reflection-based binding —
// extended to cover the broker, storage, and Docker endpoints this control
// plane depends on.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full on-disk configuration shape.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogJSON   bool   `yaml:"log_json"`
	Registry  string `yaml:"registry"` // prefixed onto every pushed image tag

	Broker BrokerConfig `yaml:"broker"`
	DB     DBConfig     `yaml:"db"`
	Docker DockerConfig `yaml:"docker"`
	Agent  AgentConfig  `yaml:"agent"`
	Pod    PodConfig    `yaml:"pod"`
	Worker WorkerConfig `yaml:"worker"`
}

// BrokerConfig selects and configures the Event Bus Client backend.
type BrokerConfig struct {
	// URL is a redis:// DSN. Empty selects the in-process MemBroker, used
	// for single-binary/dev deployments and tests.
	URL string `yaml:"url"`
}

// DBConfig selects and configures the storage.Store backend.
type DBConfig struct {
	// Driver is "bolt" or "postgres". Defaults to "bolt".
	Driver string `yaml:"driver"`
	// DSN is the bbolt data directory (driver=bolt) or Postgres DSN
	// (driver=postgres).
	DSN string `yaml:"dsn"`
}

// DockerConfig holds settings for reaching per-host Docker daemons.
type DockerConfig struct {
	// TLSVerify is read from the tls_verify key. The Docker driver does not
	// consult it: its clients connect without TLS options.
	TLSVerify bool `yaml:"tls_verify"`
}

// AgentConfig selects the out-of-band agent transport the Agent Bridge uses
// for MACVLAN attach and add-container calls (see pkg/agentbridge).
type AgentConfig struct {
	// Transport is "broker" (pub/sub round-trip through the Event Bus
	// Client, matching the original agent integration) or "http" (direct
	// synchronous call to each host's agent endpoint).
	Transport string `yaml:"transport"`
	// URLTemplate is used when Transport is "http"; "%s" is replaced with
	// the host's address.
	URLTemplate string `yaml:"url_template"`
}

// PodConfig holds the named core-share accounting groups referenced by
// Host.Pod and TaskProps.CoreShare.
type PodConfig struct {
	// CoreShare maps a pod name to its default core_share ratio, looked up
	// by CoreShareFor. The task engine reads only TaskProps.CoreShare and
	// does not consult this map.
	CoreShare map[string]float64 `yaml:"core_share"`
}

// WorkerConfig tunes the task dequeue pool.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// Default returns a Config with the same defaults a bare single-binary
// deployment (in-process broker, bbolt storage) would want.
func Default() Config {
	return Config{
		LogLevel: "info",
		DB: DBConfig{
			Driver: "bolt",
			DSN:    "/var/lib/moorage",
		},
		Agent: AgentConfig{
			Transport: "broker",
		},
		Worker: WorkerConfig{
			Concurrency: 1,
		},
	}
}

// Load reads path, merging its contents over Default(). A missing file is
// not an error — callers that only want defaults plus flag overrides can
// pass "".
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// CoreShareFor returns the configured core_share ratio for pod, or
// fallback (the task's own value, or 0) when pod isn't registered.
func (c Config) CoreShareFor(pod string, fallback float64) float64 {
	if v, ok := c.Pod.CoreShare[pod]; ok {
		return v
	}
	return fallback
}
