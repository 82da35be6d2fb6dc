// Package container wraps the Docker engine API with the typed, narrow
// surface the orchestration core needs. Session containers follow a
// stable naming convention (<prefix><session-id>) and carry labels, so
// they stay discoverable from the runtime alone, without the database.
package container

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/brendanlong/clawed-burrow-sub001/pkg/log"
)

const (
	// DefaultNamePrefix is prepended to session ids to form container names.
	DefaultNamePrefix = "burrow-"
	// WorkspaceMount is where the session workspace lands inside the container.
	WorkspaceMount = "/workspace"

	labelManaged = "dev.burrow.managed"
	labelSession = "dev.burrow.session"
)

// Config tunes the manager.
type Config struct {
	NamePrefix string
}

// Manager is a typed wrapper over the Docker client.
type Manager struct {
	cli    client.APIClient
	prefix string
}

// New connects to the Docker daemon using the standard environment
// (DOCKER_HOST etc.) with API version negotiation.
func New(cfg Config) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return NewWithClient(cli, cfg), nil
}

// NewWithClient wraps an existing API client; tests inject fakes here.
func NewWithClient(cli client.APIClient, cfg Config) *Manager {
	prefix := cfg.NamePrefix
	if prefix == "" {
		prefix = DefaultNamePrefix
	}
	return &Manager{cli: cli, prefix: prefix}
}

// NameFor returns the managed container name for a session.
func (m *Manager) NameFor(sessionID string) string {
	return m.prefix + sessionID
}

// SessionIDFromName recovers the session id from a managed container
// name; ok is false for names outside the convention.
func (m *Manager) SessionIDFromName(name string) (string, bool) {
	name = strings.TrimPrefix(name, "/")
	if !strings.HasPrefix(name, m.prefix) {
		return "", false
	}
	id := strings.TrimPrefix(name, m.prefix)
	if id == "" {
		return "", false
	}
	return id, true
}

// Ping verifies the daemon is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	if _, err := m.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker daemon: %w", err)
	}
	return nil
}

// CreateSpec describes a session container.
type CreateSpec struct {
	SessionID    string
	Image        string
	WorkspaceDir string            // host path bind-mounted at WorkspaceMount
	Env          map[string]string // KEY=VALUE pairs for the container
	Binds        map[string]string // extra host path -> container path (read-only)
	CacheVolumes map[string]string // named volume -> container path
	GPU          bool
}

// Create pulls the image when needed, provisions cache volumes, and
// creates the session container idle on sleep. Create is not
// idempotent; callers own the decision to reuse or replace.
func (m *Manager) Create(ctx context.Context, spec CreateSpec) (string, error) {
	m.ensureImage(ctx, spec.Image)

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	mounts := []mount.Mount{
		{
			Type:   mount.TypeBind,
			Source: spec.WorkspaceDir,
			Target: WorkspaceMount,
		},
	}
	for src, target := range spec.Binds {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   src,
			Target:   target,
			ReadOnly: true,
		})
	}
	for name, target := range spec.CacheVolumes {
		if err := m.ensureVolume(ctx, name); err != nil {
			return "", err
		}
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: name,
			Target: target,
		})
	}

	hostConfig := &container.HostConfig{
		Mounts: mounts,
	}
	if spec.GPU {
		hostConfig.DeviceRequests = []container.DeviceRequest{
			{Count: -1, Capabilities: [][]string{{"gpu"}}},
		}
	}

	resp, err := m.cli.ContainerCreate(ctx, &container.Config{
		Image:      spec.Image,
		Cmd:        []string{"sleep", "infinity"},
		Env:        env,
		WorkingDir: WorkspaceMount,
		Labels: map[string]string{
			labelManaged: "1",
			labelSession: spec.SessionID,
		},
		Tty: false,
	}, hostConfig, nil, nil, m.NameFor(spec.SessionID))
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	log.Debug("container created", "session_id", spec.SessionID, "container_id", resp.ID, "image", spec.Image)
	return resp.ID, nil
}

// ensureImage pulls the image, tolerating failure: the image may already
// exist locally with no registry reachable.
func (m *Manager) ensureImage(ctx context.Context, ref string) {
	reader, err := m.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		log.Warn("image pull failed, assuming local image", "image", ref, "error", err)
		return
	}
	_, _ = io.Copy(io.Discard, reader)
	_ = reader.Close()
}

func (m *Manager) ensureVolume(ctx context.Context, name string) error {
	if _, err := m.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name}); err != nil {
		return fmt.Errorf("create volume %s: %w", name, err)
	}
	return nil
}

// Start starts the container.
func (m *Manager) Start(ctx context.Context, containerID string) error {
	if err := m.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

// Stop stops the container, waiting up to timeout before the engine
// kills it. Stopping an already-stopped or missing container is a no-op.
func (m *Manager) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

// Remove force-removes the container. A missing container is a no-op.
func (m *Manager) Remove(ctx context.Context, containerID string) error {
	err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// State is a container's observed runtime state.
type State struct {
	ContainerID string
	Running     bool
	ExitCode    int
}

// InspectStatus returns the container's state, or (nil, nil) when the
// container does not exist. Missing is a recognized outcome here, not
// an error.
func (m *Manager) InspectStatus(ctx context.Context, containerID string) (*State, error) {
	info, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("inspect container: %w", err)
	}
	state := &State{ContainerID: info.ID}
	if info.State != nil {
		state.Running = info.State.Running
		state.ExitCode = info.State.ExitCode
	}
	return state, nil
}

// Managed is one discovered session container.
type Managed struct {
	ContainerID string
	SessionID   string
	Running     bool
}

// ListManaged returns every container carrying the managed label,
// whether running or not, with the session id recovered from the label
// (or the name convention for containers predating the label).
func (m *Manager) ListManaged(ctx context.Context) ([]Managed, error) {
	list, err := m.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=1")),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	managed := make([]Managed, 0, len(list))
	for _, c := range list {
		sessionID := c.Labels[labelSession]
		if sessionID == "" {
			for _, name := range c.Names {
				if id, ok := m.SessionIDFromName(name); ok {
					sessionID = id
					break
				}
			}
		}
		if sessionID == "" {
			log.Warn("managed container without session identity", "container_id", c.ID)
			continue
		}
		managed = append(managed, Managed{
			ContainerID: c.ID,
			SessionID:   sessionID,
			Running:     c.State == "running",
		})
	}
	return managed, nil
}

// Logs returns up to tail lines of the container's combined output.
func (m *Manager) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	out, err := m.cli.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer func() { _ = out.Close() }()

	var buf strings.Builder
	// The log stream is multiplexed; interleave both channels in order.
	if _, err := stdcopy.StdCopy(&buf, &buf, out); err != nil {
		return "", fmt.Errorf("demux logs: %w", err)
	}
	return buf.String(), nil
}
