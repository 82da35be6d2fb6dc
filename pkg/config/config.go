// Package config loads the daemon configuration from a YAML file with
// environment overrides. Missing file and empty fields fall back to
// defaults, so a bare `burrowd serve` works out of the box.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brendanlong/clawed-burrow-sub001/pkg/pathutil"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/session"
)

// DefaultPath is where the config file is looked up when --config is
// not given. A missing default file is fine; an explicit one must exist.
const DefaultPath = "~/.burrow/burrow.yaml"

// Settings is the repo-settings block: environment and MCP servers
// injected into every session container at creation time. Values here
// are stored in the clear; a deployment that encrypts them decrypts
// before this layer sees them.
type Settings struct {
	EnvVars    map[string]string      `yaml:"env_vars"`
	MCPServers map[string]interface{} `yaml:"mcp_servers"`
}

// RepoSettings converts the YAML block into the model type handed to
// the session creation workflow.
func (s Settings) RepoSettings() (session.RepoSettings, error) {
	out := session.RepoSettings{EnvVars: s.EnvVars}
	if len(s.MCPServers) > 0 {
		raw, err := json.Marshal(s.MCPServers)
		if err != nil {
			return session.RepoSettings{}, fmt.Errorf("encoding mcp servers: %w", err)
		}
		out.MCPServers = raw
	}
	return out, nil
}

// Config is everything burrowd needs to run.
type Config struct {
	// DBPath is the SQLite database location.
	DBPath string `yaml:"db_path"`
	// WorkspaceRoot holds one directory per session.
	WorkspaceRoot string `yaml:"workspace_root"`
	// Image is the container image sessions run in. It must carry git
	// and the assistant CLI.
	Image string `yaml:"image"`
	// ContainerPrefix names session containers <prefix><session-id>.
	ContainerPrefix string `yaml:"container_prefix"`
	// ClaudeBinary is the assistant CLI name inside the image.
	ClaudeBinary string `yaml:"claude_binary"`
	// StopTimeoutSeconds is how long a container gets to stop cleanly.
	StopTimeoutSeconds int `yaml:"stop_timeout_seconds"`
	// ReconcileIntervalSeconds is the background sweep period.
	ReconcileIntervalSeconds int `yaml:"reconcile_interval_seconds"`
	// GPU passes all host GPUs through to session containers.
	GPU bool `yaml:"gpu"`
	// CredentialBinds are extra read-only bind mounts, host path to
	// container path (e.g. an assistant credentials directory).
	CredentialBinds map[string]string `yaml:"credential_binds"`
	// CacheVolumes are named volumes shared across sessions, volume
	// name to container path (package caches and the like).
	CacheVolumes map[string]string `yaml:"cache_volumes"`
	// Settings is the repo-settings collaborator.
	Settings Settings `yaml:"settings"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DBPath:                   "~/.burrow/burrow.db",
		WorkspaceRoot:            "~/.burrow/workspaces",
		Image:                    "burrow-session:latest",
		ContainerPrefix:          "burrow-",
		ClaudeBinary:             "claude",
		StopTimeoutSeconds:       10,
		ReconcileIntervalSeconds: 30,
	}
}

// Load reads the config at path, layering file values and then
// environment overrides on top of the defaults. An empty path means
// DefaultPath, where a missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	resolved, err := pathutil.ExpandHome(path)
	if err != nil {
		return Config{}, err
	}

	data, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", resolved, err)
		}
	case os.IsNotExist(err) && !explicit:
		// No config file: defaults apply.
	default:
		return Config{}, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	applyEnv(&cfg)

	if cfg.DBPath, err = pathutil.ExpandHome(cfg.DBPath); err != nil {
		return Config{}, fmt.Errorf("resolving db path: %w", err)
	}
	if cfg.WorkspaceRoot, err = pathutil.ExpandHome(cfg.WorkspaceRoot); err != nil {
		return Config{}, fmt.Errorf("resolving workspace root: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv layers BURROW_* overrides over the file values. DOCKER_HOST
// passes straight through to the docker client and needs no handling
// here.
func applyEnv(cfg *Config) {
	if v := os.Getenv("BURROW_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("BURROW_WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = v
	}
	if v := os.Getenv("BURROW_IMAGE"); v != "" {
		cfg.Image = v
	}
}

func (c Config) validate() error {
	if c.Image == "" {
		return fmt.Errorf("config: image must not be empty")
	}
	if c.ContainerPrefix == "" {
		return fmt.Errorf("config: container_prefix must not be empty")
	}
	if c.StopTimeoutSeconds <= 0 {
		return fmt.Errorf("config: stop_timeout_seconds must be positive")
	}
	if c.ReconcileIntervalSeconds <= 0 {
		return fmt.Errorf("config: reconcile_interval_seconds must be positive")
	}
	return nil
}

// StopTimeout returns the container stop grace period.
func (c Config) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutSeconds) * time.Second
}

// ReconcileInterval returns the background sweep period.
func (c Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}
