// Package config loads daemon configuration from a per-host YAML file and
// environment variables, selecting one of three named environments
// (dev, test, live) as described in spec.md §6.
//
// Resolution order, lowest to highest precedence: config file environment
// block -> process environment variables -> CLI flags (applied by the
// caller in cmd/agentd after Load returns). A .env file in the working
// directory is loaded into the process environment first, mirroring the
// teacher's envOrDefault helper in agent/cmd/agent/main.go but sourcing
// defaults from a file as well as the shell.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hostbridge/agentd/internal/model"
)

// EnvName identifies one of the three deployable environments.
type EnvName string

const (
	EnvDev  EnvName = "dev"
	EnvTest EnvName = "test"
	EnvLive EnvName = "live"
)

// EnvironmentConfig names the bus endpoint and identity for one environment.
type EnvironmentConfig struct {
	APIURL              string `yaml:"api_url"`
	BusCredential       string `yaml:"bus_credential"`
	MachineID           string `yaml:"machine_id"`
	HeartbeatIntervalMs int64  `yaml:"heartbeat_interval_ms"`
}

// HeartbeatInterval returns HeartbeatIntervalMs as a time.Duration, defaulting
// to 30s when unset.
func (e EnvironmentConfig) HeartbeatInterval() time.Duration {
	if e.HeartbeatIntervalMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(e.HeartbeatIntervalMs) * time.Millisecond
}

// FileConfig is the on-disk shape of the per-host config file.
type FileConfig struct {
	Environments map[EnvName]EnvironmentConfig `yaml:"environments"`
	Security     model.SecurityConfig          `yaml:"security"`
}

// Config is the fully resolved configuration used to build the daemon.
type Config struct {
	Env         EnvName
	Environment EnvironmentConfig
	Security    model.SecurityConfig
	StateDir    string
	ProjectKey  string
	LogLevel    string

	// ToolHome is "<home>/<tool>", the root the discovery scanner walks and
	// the mailbox writer appends under (§4.2, §4.8).
	ToolHome string

	// DiscoveryPollInterval governs C9's re-discovery tick (§4.9 step 7).
	DiscoveryPollInterval time.Duration

	// MaxConcurrentDeliveries bounds C7's worker concurrency (§5).
	MaxConcurrentDeliveries int64

	// StreamInsertEvent is the SSE event name the bus emits for a newly
	// inserted message (§4.4); configurable so a divergence from the wire
	// contract's default is a config change, not a code change.
	StreamInsertEvent string
}

// Load reads .env (if present), then the YAML file at path, and returns the
// block for env overlaid with any matching environment variables. Missing
// required fields are a startup error per §6 ("any missing required field
// is a startup error").
func Load(path string, env EnvName) (*Config, error) {
	// Best-effort: a missing .env file is not an error, matching godotenv's
	// own convention of silently doing nothing when the file is absent.
	_ = godotenv.Load()

	var fc FileConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	ec, ok := fc.Environments[env]
	if !ok {
		ec = EnvironmentConfig{}
	}

	overlayFromEnv(&ec)

	if ec.APIURL == "" {
		return nil, fmt.Errorf("config: environment %q missing api_url (set in config file or AGENTD_API_URL)", env)
	}
	if ec.MachineID == "" {
		return nil, fmt.Errorf("config: environment %q missing machine_id (set in config file or AGENTD_MACHINE_ID)", env)
	}

	return &Config{
		Env:                     env,
		Environment:             ec,
		Security:                fc.Security,
		StateDir:                envOrDefault("AGENTD_STATE_DIR", defaultStateDir()),
		LogLevel:                envOrDefault("AGENTD_LOG_LEVEL", "info"),
		ProjectKey:              os.Getenv("AGENTD_PROJECT_KEY"),
		ToolHome:                envOrDefault("AGENTD_TOOL_HOME", defaultToolHome()),
		DiscoveryPollInterval:   5 * time.Second,
		MaxConcurrentDeliveries: 4,
		StreamInsertEvent:       envOrDefault("AGENTD_STREAM_INSERT_EVENT", "insert"),
	}, nil
}

func defaultToolHome() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.claude"
	}
	return ".claude"
}

// overlayFromEnv lets environment variables override file-sourced fields,
// matching the teacher's precedence (env var, then flag, wins over any
// static default).
func overlayFromEnv(ec *EnvironmentConfig) {
	if v := os.Getenv("AGENTD_API_URL"); v != "" {
		ec.APIURL = v
	}
	if v := os.Getenv("AGENTD_BUS_CREDENTIAL"); v != "" {
		ec.BusCredential = v
	}
	if v := os.Getenv("AGENTD_MACHINE_ID"); v != "" {
		ec.MachineID = v
	}
}

func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.agentd"
	}
	return ".agentd"
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
