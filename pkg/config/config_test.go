package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Image != "burrow-session:latest" {
		t.Errorf("image = %q", cfg.Image)
	}
	if cfg.StopTimeout() != 10*time.Second {
		t.Errorf("stop timeout = %v", cfg.StopTimeout())
	}
	if !strings.HasSuffix(cfg.DBPath, filepath.Join(".burrow", "burrow.db")) {
		t.Errorf("db path = %q, want under ~/.burrow", cfg.DBPath)
	}
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load of missing explicit config succeeded, want error")
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "burrow.yaml")
	content := `
db_path: ` + filepath.Join(dir, "db.sqlite") + `
image: custom:1
stop_timeout_seconds: 3
reconcile_interval_seconds: 5
settings:
  env_vars:
    FOO: bar
  mcp_servers:
    github:
      command: mcp-github
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BURROW_IMAGE", "from-env:2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Image != "from-env:2" {
		t.Errorf("image = %q, env override lost", cfg.Image)
	}
	if cfg.StopTimeout() != 3*time.Second {
		t.Errorf("stop timeout = %v", cfg.StopTimeout())
	}
	if cfg.ReconcileInterval() != 5*time.Second {
		t.Errorf("reconcile interval = %v", cfg.ReconcileInterval())
	}
	if cfg.Settings.EnvVars["FOO"] != "bar" {
		t.Errorf("settings env = %v", cfg.Settings.EnvVars)
	}

	rs, err := cfg.Settings.RepoSettings()
	if err != nil {
		t.Fatalf("RepoSettings: %v", err)
	}
	if !strings.Contains(string(rs.MCPServers), "mcp-github") {
		t.Errorf("mcp servers json = %s", rs.MCPServers)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "burrow.yaml")
	if err := os.WriteFile(path, []byte("stop_timeout_seconds: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted negative stop timeout")
	}

	if err := os.WriteFile(path, []byte("image: \"\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted empty image")
	}
}
