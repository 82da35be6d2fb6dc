// Package preflight verifies the environment before the daemon starts
// serving: the Docker daemon must answer, and the database and workspace
// locations must be writable. Failing fast here beats failing on the
// first session command.
package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brendanlong/clawed-burrow-sub001/pkg/log"
)

// CheckLevel is the severity of one check result.
type CheckLevel int

const (
	// LevelError blocks startup.
	LevelError CheckLevel = iota
	// LevelWarn is reported but does not block.
	LevelWarn
	// LevelInfo is informational output.
	LevelInfo
)

// CheckResult is the outcome of one check.
type CheckResult struct {
	Name    string
	Level   CheckLevel
	Message string
	Err     error
}

// Check is a single preflight verification.
type Check interface {
	Name() string
	Run(ctx context.Context) CheckResult
}

// Config selects which checks run.
type Config struct {
	// Skip disables all checks.
	Skip bool
	// DockerPing verifies the container runtime answers; nil skips the
	// docker check (unit tests, mostly).
	DockerPing func(ctx context.Context) error
	// DBPath is checked for a writable parent directory.
	DBPath string
	// WorkspaceRoot is checked for writability.
	WorkspaceRoot string
}

// Checker runs a configured set of checks.
type Checker struct {
	skip   bool
	checks []Check
}

// NewChecker assembles the checks for cfg.
func NewChecker(cfg Config) *Checker {
	c := &Checker{skip: cfg.Skip}
	if cfg.DockerPing != nil {
		c.checks = append(c.checks, &dockerCheck{ping: cfg.DockerPing})
	}
	if cfg.DBPath != "" {
		c.checks = append(c.checks, &writableDirCheck{name: "database", path: filepath.Dir(cfg.DBPath)})
	}
	if cfg.WorkspaceRoot != "" {
		c.checks = append(c.checks, &writableDirCheck{name: "workspace", path: cfg.WorkspaceRoot})
	}
	return c
}

// Run executes every check and returns an error when any of them fails
// at error level. Warnings are logged and tolerated.
func (c *Checker) Run(ctx context.Context) error {
	if c.skip {
		log.Info("preflight checks skipped")
		return nil
	}

	var failures []string
	for _, check := range c.checks {
		result := check.Run(ctx)
		switch result.Level {
		case LevelError:
			log.Error("preflight check failed", "check", result.Name, "message", result.Message, "error", result.Err)
			failures = append(failures, fmt.Sprintf("%s: %s", result.Name, result.Message))
		case LevelWarn:
			log.Warn("preflight check warning", "check", result.Name, "message", result.Message)
		default:
			log.Debug("preflight check passed", "check", result.Name, "message", result.Message)
		}
	}

	if len(failures) > 0 {
		return fmt.Errorf("preflight checks failed:\n  - %s", strings.Join(failures, "\n  - "))
	}
	return nil
}

type dockerCheck struct {
	ping func(ctx context.Context) error
}

func (c *dockerCheck) Name() string { return "docker" }

func (c *dockerCheck) Run(ctx context.Context) CheckResult {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.ping(pingCtx); err != nil {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: "docker daemon is not reachable; start Docker or point DOCKER_HOST at it",
			Err:     err,
		}
	}
	return CheckResult{Name: c.Name(), Level: LevelInfo, Message: "docker daemon reachable"}
}

type writableDirCheck struct {
	name string
	path string
}

func (c *writableDirCheck) Name() string { return c.name }

func (c *writableDirCheck) Run(context.Context) CheckResult {
	if err := os.MkdirAll(c.path, 0o755); err != nil {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("cannot create %s", c.path),
			Err:     err,
		}
	}

	probe, err := os.CreateTemp(c.path, ".preflight-*")
	if err != nil {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("%s is not writable", c.path),
			Err:     err,
		}
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)

	return CheckResult{Name: c.Name(), Level: LevelInfo, Message: c.path + " is writable"}
}
