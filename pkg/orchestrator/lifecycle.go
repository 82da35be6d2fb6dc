package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brendanlong/clawed-burrow-sub001/pkg/container"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/log"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/session"
)

// DefaultBranch is cloned when a create request leaves the branch empty.
const DefaultBranch = "main"

// CreateRequest carries the inputs for a new session. Settings, when
// set, replaces the configured default repo settings for this session.
type CreateRequest struct {
	RepoURL       string
	Branch        string
	InitialPrompt string
	Settings      *session.RepoSettings
}

// CreateSession provisions a workspace and container, clones the
// repository inside the container, and moves the session to running.
// Any provisioning failure lands the session in error with a diagnostic
// and tears down whatever was built; the row and its status message
// survive for inspection.
func (o *Orchestrator) CreateSession(ctx context.Context, req CreateRequest) (*session.Session, error) {
	if strings.TrimSpace(req.RepoURL) == "" {
		return nil, session.PreconditionFailedf("repo URL is required")
	}
	branch := req.Branch
	if branch == "" {
		branch = DefaultBranch
	}

	settings := o.cfg.Settings
	if req.Settings != nil {
		settings = *req.Settings
	}

	id := uuid.NewString()
	dir, err := o.workspaces.Create(id)
	if err != nil {
		return nil, session.Internalf(err, "creating workspace")
	}

	now := time.Now()
	sess := &session.Session{
		ID:            id,
		RepoURL:       req.RepoURL,
		Branch:        branch,
		Workspace:     dir,
		Status:        session.StatusCreating,
		InitialPrompt: req.InitialPrompt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		_ = o.workspaces.Remove(dir)
		return nil, session.Internalf(err, "persisting session")
	}

	if err := o.workspaces.WriteMCPConfig(dir, settings.MCPServers); err != nil {
		return sess, o.failCreate(ctx, sess, "", fmt.Errorf("writing mcp config: %w", err))
	}

	cid, err := o.provision(ctx, sess, settings)
	if err != nil {
		return sess, o.failCreate(ctx, sess, cid, err)
	}

	if err := o.store.SetContainerID(ctx, id, cid); err != nil {
		return sess, o.failCreate(ctx, sess, cid, fmt.Errorf("recording container id: %w", err))
	}
	sess.ContainerID = cid

	if err := o.setStatus(ctx, sess, session.StatusRunning, ""); err != nil {
		return sess, o.failCreate(ctx, sess, cid, err)
	}

	if req.InitialPrompt != "" {
		prompt := req.InitialPrompt
		snapshot := *sess
		go func() {
			bg := context.WithoutCancel(ctx)
			if err := o.turns.Send(bg, &snapshot, prompt); err != nil {
				log.Get().Warnw("initial prompt failed", "session", snapshot.ID, "error", err)
			}
		}()
	}
	return sess, nil
}

// provision creates and starts the session container, then clones the
// repository into the workspace mount.
func (o *Orchestrator) provision(ctx context.Context, sess *session.Session, settings session.RepoSettings) (string, error) {
	cid, err := o.containers.Create(ctx, container.CreateSpec{
		SessionID:    sess.ID,
		Image:        o.cfg.Image,
		WorkspaceDir: sess.Workspace,
		Env:          settings.EnvVars,
		Binds:        o.cfg.CredentialBinds,
		CacheVolumes: o.cfg.CacheVolumes,
		GPU:          o.cfg.GPU,
	})
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}
	if err := o.containers.Start(ctx, cid); err != nil {
		return cid, fmt.Errorf("starting container: %w", err)
	}
	if err := o.clone(ctx, cid, sess.RepoURL, sess.Branch); err != nil {
		return cid, err
	}
	return cid, nil
}

func (o *Orchestrator) clone(ctx context.Context, containerID, repoURL, branch string) error {
	script := fmt.Sprintf("cd %s && git clone --single-branch --branch %s %s .",
		container.WorkspaceMount, quoteArg(branch), quoteArg(repoURL))
	res, err := o.containers.Exec(ctx, containerID, []string{"sh", "-c", script})
	if err != nil {
		return fmt.Errorf("cloning repository: %w", err)
	}
	if res.ExitCode != 0 {
		detail := strings.TrimSpace(res.Stderr)
		if detail == "" {
			detail = fmt.Sprintf("exit code %d", res.ExitCode)
		}
		return fmt.Errorf("git clone failed: %s", detail)
	}
	return nil
}

// failCreate tears down whatever provisioning built and records the
// failure on the session row. The returned error wraps the cause.
func (o *Orchestrator) failCreate(ctx context.Context, sess *session.Session, containerID string, cause error) error {
	if containerID != "" {
		if err := o.containers.Remove(ctx, containerID); err != nil {
			log.Get().Warnw("removing container after failed create", "session", sess.ID, "error", err)
		}
	}
	if err := o.workspaces.Remove(sess.Workspace); err != nil {
		log.Get().Warnw("removing workspace after failed create", "session", sess.ID, "error", err)
	}
	if err := o.setStatus(ctx, sess, session.StatusError, cause.Error()); err != nil {
		log.Get().Errorw("marking session errored", "session", sess.ID, "error", err)
	}
	return session.Internalf(cause, "creating session %s", sess.ID)
}

// StartSession brings a stopped session back to running, recreating the
// container when it no longer exists. The repository is not re-cloned:
// the workspace lives on the host and survives the container.
func (o *Orchestrator) StartSession(ctx context.Context, id string) error {
	sess, err := o.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status == session.StatusRunning {
		return nil
	}
	if err := session.ValidateTransition(sess.Status, session.StatusRunning); err != nil {
		return err
	}

	cid := sess.ContainerID
	exists := false
	if cid != "" {
		state, err := o.containers.InspectStatus(ctx, cid)
		if err != nil {
			return session.Internalf(err, "inspecting container")
		}
		if state != nil {
			exists = true
			if !state.Running {
				if err := o.containers.Start(ctx, cid); err != nil {
					return session.Internalf(err, "starting container")
				}
			}
		}
	}
	if !exists {
		newID, err := o.containers.Create(ctx, container.CreateSpec{
			SessionID:    sess.ID,
			Image:        o.cfg.Image,
			WorkspaceDir: sess.Workspace,
			Env:          o.cfg.Settings.EnvVars,
			Binds:        o.cfg.CredentialBinds,
			CacheVolumes: o.cfg.CacheVolumes,
			GPU:          o.cfg.GPU,
		})
		if err != nil {
			return session.Internalf(err, "recreating container")
		}
		if err := o.containers.Start(ctx, newID); err != nil {
			return session.Internalf(err, "starting container")
		}
		if err := o.store.SetContainerID(ctx, id, newID); err != nil {
			return session.Internalf(err, "recording container id")
		}
		sess.ContainerID = newID
	}

	return o.setStatus(ctx, sess, session.StatusRunning, "")
}

// StopSession interrupts any in-flight turn and stops the container.
// Stopping an already stopped session is a no-op.
func (o *Orchestrator) StopSession(ctx context.Context, id string) error {
	sess, err := o.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status == session.StatusStopped {
		return nil
	}
	if err := session.ValidateTransition(sess.Status, session.StatusStopped); err != nil {
		return err
	}

	if _, err := o.turns.Interrupt(ctx, id); err != nil {
		log.Get().Warnw("interrupting turn before stop", "session", id, "error", err)
	}
	if sess.ContainerID != "" {
		if err := o.containers.Stop(ctx, sess.ContainerID, o.cfg.StopTimeout); err != nil {
			return session.Internalf(err, "stopping container")
		}
	}
	return o.setStatus(ctx, sess, session.StatusStopped, "")
}

// ArchiveSession removes the container and workspace and moves the
// session to its terminal state. Message history is retained. Archiving
// twice is a no-op.
func (o *Orchestrator) ArchiveSession(ctx context.Context, id string) error {
	sess, err := o.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status == session.StatusArchived {
		return nil
	}
	if err := session.ValidateTransition(sess.Status, session.StatusArchived); err != nil {
		return err
	}

	if _, err := o.turns.Interrupt(ctx, id); err != nil {
		log.Get().Warnw("interrupting turn before archive", "session", id, "error", err)
	}
	if sess.ContainerID != "" {
		if err := o.containers.Remove(ctx, sess.ContainerID); err != nil {
			return session.Internalf(err, "removing container")
		}
		if err := o.store.SetContainerID(ctx, id, ""); err != nil {
			return session.Internalf(err, "clearing container id")
		}
		sess.ContainerID = ""
	}
	if sess.Workspace != "" {
		if err := o.workspaces.Remove(sess.Workspace); err != nil {
			return session.Internalf(err, "removing workspace")
		}
	}
	return o.setStatus(ctx, sess, session.StatusArchived, "")
}

// quoteArg single-quotes a shell argument.
func quoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
