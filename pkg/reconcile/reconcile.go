// Package reconcile keeps persisted session status and actual container
// state in agreement. A sweep runs once at process start, because the
// turn registry never survives a restart, and then on a fixed interval
// to correct drift from containers dying or being revived outside the
// daemon's control. Single failures are logged and skipped; a sweep
// never aborts because one container misbehaved.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/brendanlong/clawed-burrow-sub001/pkg/bus"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/container"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/log"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/session"
)

// Store is the slice of the persistence layer the reconciler needs.
type Store interface {
	ListSessions(ctx context.Context) ([]*session.Session, error)
	GetSession(ctx context.Context, id string) (*session.Session, error)
	SetStatus(ctx context.Context, id string, status session.Status, statusMessage string) error
	SetContainerID(ctx context.Context, id, containerID string) error
}

// Containers is the container-runtime surface the reconciler needs.
// *container.Manager satisfies it.
type Containers interface {
	ListManaged(ctx context.Context) ([]container.Managed, error)
	Remove(ctx context.Context, containerID string) error
}

// DefaultInterval is how often the background sweep runs.
const DefaultInterval = 30 * time.Second

// Reconciler cross-references session rows against discovered containers.
type Reconciler struct {
	store      Store
	containers Containers
	bus        *bus.Bus
	interval   time.Duration

	// sweepMu is a reentrancy guard, not a lock: an overlapping tick is
	// skipped rather than queued, since a missed sweep is harmless.
	sweepMu sync.Mutex
}

// New builds a reconciler. interval <= 0 selects DefaultInterval.
func New(store Store, containers Containers, b *bus.Bus, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		store:      store,
		containers: containers,
		bus:        b,
		interval:   interval,
	}
}

// Run sweeps once immediately, then on every tick until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	r.sweepGuarded(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepGuarded(ctx)
		}
	}
}

func (r *Reconciler) sweepGuarded(ctx context.Context) {
	if !r.sweepMu.TryLock() {
		log.Debug("reconcile sweep already in progress, skipping tick")
		return
	}
	defer r.sweepMu.Unlock()

	if err := r.ReconcileAll(ctx); err != nil {
		log.Error("reconcile sweep failed", "error", err)
	}
}

// ReconcileAll runs one full sweep. It returns an error only when the
// session list or container list itself cannot be read; every per-item
// failure is logged and the sweep continues.
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	sessions, err := r.store.ListSessions(ctx)
	if err != nil {
		return err
	}
	discovered, err := r.containers.ListManaged(ctx)
	if err != nil {
		return err
	}

	bySession := make(map[string]container.Managed, len(discovered))
	for _, c := range discovered {
		bySession[c.SessionID] = c
	}
	rows := make(map[string]*session.Session, len(sessions))
	for _, sess := range sessions {
		rows[sess.ID] = sess
	}

	for _, sess := range sessions {
		found, ok := bySession[sess.ID]
		if _, changed, err := r.reconcileSession(ctx, sess, found, ok); err != nil {
			log.Error("reconciling session", "session_id", sess.ID, "error", err)
		} else if changed {
			log.Info("session reconciled", "session_id", sess.ID, "status", sess.Status)
		}
	}

	// Orphan cleanup: containers whose session row is gone or already
	// archived. A creating session's container is deliberately off
	// limits, its database write may still be in flight.
	for _, c := range discovered {
		sess, exists := rows[c.SessionID]
		if exists && sess.Status != session.StatusArchived {
			continue
		}
		log.Info("removing orphaned container", "container_id", c.ContainerID, "session_id", c.SessionID)
		if err := r.containers.Remove(ctx, c.ContainerID); err != nil {
			log.Error("removing orphaned container", "container_id", c.ContainerID, "error", err)
		}
	}

	return nil
}

// reconcileSession applies the correction matrix for one session against
// what was discovered for it. It returns the new status when one was
// applied.
func (r *Reconciler) reconcileSession(ctx context.Context, sess *session.Session, found container.Managed, ok bool) (*session.Status, bool, error) {
	switch sess.Status {
	case session.StatusCreating:
		// Under construction: never touched.
		return nil, false, nil
	case session.StatusArchived:
		return nil, false, nil
	case session.StatusError:
		// No correction is defined for failed sessions; their containers
		// are preserved for diagnosis.
		if ok {
			log.Debug("container present for error session, leaving it", "session_id", sess.ID, "container_id", found.ContainerID)
		}
		return nil, false, nil
	}

	if !ok {
		// Container gone. Running and stopped both settle on stopped.
		if sess.Status == session.StatusStopped {
			return nil, false, nil
		}
		if err := r.setStatus(ctx, sess, session.StatusStopped, "container no longer exists"); err != nil {
			return nil, false, err
		}
		newStatus := session.StatusStopped
		return &newStatus, true, nil
	}

	changed := false

	// Container was recreated outside our bookkeeping: adopt its id.
	if found.ContainerID != sess.ContainerID {
		if err := r.store.SetContainerID(ctx, sess.ID, found.ContainerID); err != nil {
			return nil, false, err
		}
		sess.ContainerID = found.ContainerID
		changed = true
	}

	var want session.Status
	switch {
	case found.Running && sess.Status == session.StatusStopped:
		want = session.StatusRunning
	case !found.Running && sess.Status == session.StatusRunning:
		want = session.StatusStopped
	default:
		return nil, changed, nil
	}

	if err := r.setStatus(ctx, sess, want, ""); err != nil {
		return nil, changed, err
	}
	return &want, true, nil
}

func (r *Reconciler) setStatus(ctx context.Context, sess *session.Session, to session.Status, statusMessage string) error {
	from := sess.Status
	if err := r.store.SetStatus(ctx, sess.ID, to, statusMessage); err != nil {
		return err
	}
	sess.Status = to
	r.bus.Publish(bus.StatusChanged{SessionID: sess.ID, From: from, To: to, At: time.Now()})
	return nil
}

// SyncSessionStatus runs the per-session correction for one session,
// typically right before a command is issued against it. It returns the
// new status when a correction was applied and nil when the session
// already matched reality.
func (r *Reconciler) SyncSessionStatus(ctx context.Context, sessionID string) (*session.Status, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, session.NotFoundf("session %s not found", sessionID)
	}

	discovered, err := r.containers.ListManaged(ctx)
	if err != nil {
		return nil, err
	}
	var found container.Managed
	ok := false
	for _, c := range discovered {
		if c.SessionID == sessionID {
			found, ok = c, true
			break
		}
	}

	newStatus, changed, err := r.reconcileSession(ctx, sess, found, ok)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, nil
	}
	return newStatus, nil
}
