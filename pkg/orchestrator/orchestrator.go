// Package orchestrator is the external surface of the session core. It
// wires the store, the container manager, the workspace manager, the
// runner, and the bus behind one facade exposing the session commands,
// history pagination, and the subscription entry points. Every error it
// returns carries one of the four session error kinds.
package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/brendanlong/clawed-burrow-sub001/pkg/bus"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/container"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/session"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/store"
)

// Store is the persistence surface the orchestrator needs; *store.Store
// satisfies it.
type Store interface {
	CreateSession(ctx context.Context, sess *session.Session) error
	GetSession(ctx context.Context, id string) (*session.Session, error)
	ListSessions(ctx context.Context) ([]*session.Session, error)
	SetStatus(ctx context.Context, id string, status session.Status, statusMessage string) error
	SetContainerID(ctx context.Context, id, containerID string) error
	History(ctx context.Context, sessionID string, q store.HistoryQuery) (store.HistoryPage, error)
}

// Containers is the container-runtime surface; *container.Manager
// satisfies it.
type Containers interface {
	Create(ctx context.Context, spec container.CreateSpec) (string, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Remove(ctx context.Context, containerID string) error
	InspectStatus(ctx context.Context, containerID string) (*container.State, error)
	Exec(ctx context.Context, containerID string, argv []string) (container.ExecResult, error)
	Logs(ctx context.Context, containerID string, tail int) (string, error)
}

// Workspaces manages per-session directories; *workspace.Manager
// satisfies it.
type Workspaces interface {
	Create(sessionID string) (string, error)
	WriteMCPConfig(dir string, servers json.RawMessage) error
	Remove(dir string) error
}

// Turns is the runner surface; *runner.Runner satisfies it.
type Turns interface {
	Send(ctx context.Context, sess *session.Session, prompt string) error
	Interrupt(ctx context.Context, sessionID string) (bool, error)
	IsRunning(sessionID string) bool
}

// Config carries the container provisioning knobs and the default repo
// settings collaborator.
type Config struct {
	Image           string
	CredentialBinds map[string]string
	CacheVolumes    map[string]string
	GPU             bool
	StopTimeout     time.Duration
	Settings        session.RepoSettings
}

// Orchestrator is the facade.
type Orchestrator struct {
	store      Store
	containers Containers
	workspaces Workspaces
	turns      Turns
	bus        *bus.Bus
	cfg        Config
}

// New wires the facade together.
func New(st Store, containers Containers, workspaces Workspaces, turns Turns, b *bus.Bus, cfg Config) *Orchestrator {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	return &Orchestrator{
		store:      st,
		containers: containers,
		workspaces: workspaces,
		turns:      turns,
		bus:        b,
		cfg:        cfg,
	}
}

// GetSession returns the session or NotFound.
func (o *Orchestrator) GetSession(ctx context.Context, id string) (*session.Session, error) {
	sess, err := o.store.GetSession(ctx, id)
	if err != nil {
		return nil, session.Internalf(err, "loading session")
	}
	if sess == nil {
		return nil, session.NotFoundf("session %s not found", id)
	}
	return sess, nil
}

// ListSessions returns every session, newest first.
func (o *Orchestrator) ListSessions(ctx context.Context) ([]*session.Session, error) {
	sessions, err := o.store.ListSessions(ctx)
	if err != nil {
		return nil, session.Internalf(err, "listing sessions")
	}
	return sessions, nil
}

// Send delegates a prompt to the runner after resolving the session.
func (o *Orchestrator) Send(ctx context.Context, id, prompt string) error {
	sess, err := o.GetSession(ctx, id)
	if err != nil {
		return err
	}
	return o.turns.Send(ctx, sess, prompt)
}

// Interrupt best-effort cuts the session's in-flight turn short. False
// with a nil error means no turn was running.
func (o *Orchestrator) Interrupt(ctx context.Context, id string) (bool, error) {
	if _, err := o.GetSession(ctx, id); err != nil {
		return false, err
	}
	return o.turns.Interrupt(ctx, id)
}

// IsRunning reports whether a turn is in flight for the session.
func (o *Orchestrator) IsRunning(id string) bool {
	return o.turns.IsRunning(id)
}

// History returns one keyset page of the session's messages.
func (o *Orchestrator) History(ctx context.Context, id string, q store.HistoryQuery) (store.HistoryPage, error) {
	if _, err := o.GetSession(ctx, id); err != nil {
		return store.HistoryPage{}, err
	}
	page, err := o.store.History(ctx, id, q)
	if err != nil {
		return store.HistoryPage{}, session.Internalf(err, "reading history")
	}
	return page, nil
}

// Logs returns the tail of the session container's output.
func (o *Orchestrator) Logs(ctx context.Context, id string, tail int) (string, error) {
	sess, err := o.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	if sess.ContainerID == "" {
		return "", session.PreconditionFailedf("session %s has no container", id)
	}
	out, err := o.containers.Logs(ctx, sess.ContainerID, tail)
	if err != nil {
		return "", session.Internalf(err, "reading container logs")
	}
	return out, nil
}

// SubscribeStatus delivers status transitions; empty sessionID means
// every session.
func (o *Orchestrator) SubscribeStatus(ctx context.Context, sessionID string) *bus.Subscription {
	return o.bus.Subscribe(ctx, bus.Filter{Kinds: []bus.EventKind{bus.KindStatusChanged}, SessionID: sessionID})
}

// SubscribeMessages delivers newly appended messages.
func (o *Orchestrator) SubscribeMessages(ctx context.Context, sessionID string) *bus.Subscription {
	return o.bus.Subscribe(ctx, bus.Filter{Kinds: []bus.EventKind{bus.KindMessageAppended}, SessionID: sessionID})
}

// SubscribeRunning delivers turn start/end notifications.
func (o *Orchestrator) SubscribeRunning(ctx context.Context, sessionID string) *bus.Subscription {
	return o.bus.Subscribe(ctx, bus.Filter{Kinds: []bus.EventKind{bus.KindRunningChanged}, SessionID: sessionID})
}

// setStatus applies a validated transition and publishes it.
func (o *Orchestrator) setStatus(ctx context.Context, sess *session.Session, to session.Status, statusMessage string) error {
	if err := session.ValidateTransition(sess.Status, to); err != nil {
		return err
	}
	if err := o.store.SetStatus(ctx, sess.ID, to, statusMessage); err != nil {
		return session.Internalf(err, "updating session status")
	}
	from := sess.Status
	sess.Status = to
	sess.StatusMessage = statusMessage
	o.bus.Publish(bus.StatusChanged{SessionID: sess.ID, From: from, To: to, At: time.Now()})
	return nil
}
