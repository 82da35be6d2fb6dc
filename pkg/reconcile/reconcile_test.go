package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brendanlong/clawed-burrow-sub001/pkg/bus"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/container"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/session"
)

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

func newFakeStore(sessions ...*session.Session) *fakeStore {
	s := &fakeStore{sessions: make(map[string]*session.Session)}
	for _, sess := range sessions {
		s.sessions[sess.ID] = sess
	}
	return s
}

func (s *fakeStore) ListSessions(context.Context) ([]*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		copied := *sess
		out = append(out, &copied)
	}
	return out, nil
}

func (s *fakeStore) GetSession(_ context.Context, id string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	copied := *sess
	return &copied, nil
}

func (s *fakeStore) SetStatus(_ context.Context, id string, status session.Status, statusMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return errors.New("no such session")
	}
	sess.Status = status
	sess.StatusMessage = statusMessage
	return nil
}

func (s *fakeStore) SetContainerID(_ context.Context, id, containerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return errors.New("no such session")
	}
	sess.ContainerID = containerID
	return nil
}

func (s *fakeStore) get(t *testing.T, id string) session.Session {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		t.Fatalf("session %s missing from store", id)
	}
	return *sess
}

type fakeContainers struct {
	mu      sync.Mutex
	managed []container.Managed
	removed []string
	listErr error
	failRm  map[string]error
}

func (c *fakeContainers) ListManaged(context.Context) ([]container.Managed, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listErr != nil {
		return nil, c.listErr
	}
	return append([]container.Managed(nil), c.managed...), nil
}

func (c *fakeContainers) Remove(_ context.Context, containerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failRm[containerID]; err != nil {
		return err
	}
	c.removed = append(c.removed, containerID)
	return nil
}

func sess(id string, status session.Status, containerID string) *session.Session {
	return &session.Session{ID: id, Status: status, ContainerID: containerID, Workspace: "/tmp/" + id}
}

func TestReconcileCorrectsStatusDrift(t *testing.T) {
	store := newFakeStore(
		sess("gone", session.StatusRunning, "c-gone"),       // container vanished
		sess("died", session.StatusRunning, "c-died"),       // container present but exited
		sess("revived", session.StatusStopped, "c-revived"), // container running again
		sess("match", session.StatusRunning, "c-match"),     // in agreement
	)
	containers := &fakeContainers{managed: []container.Managed{
		{ContainerID: "c-died", SessionID: "died", Running: false},
		{ContainerID: "c-revived", SessionID: "revived", Running: true},
		{ContainerID: "c-match", SessionID: "match", Running: true},
	}}
	b := bus.New()
	defer b.Close()
	r := New(store, containers, b, 0)

	if err := r.ReconcileAll(context.Background()); err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}

	if got := store.get(t, "gone").Status; got != session.StatusStopped {
		t.Errorf("gone: status = %s, want stopped", got)
	}
	if got := store.get(t, "died").Status; got != session.StatusStopped {
		t.Errorf("died: status = %s, want stopped", got)
	}
	if got := store.get(t, "revived").Status; got != session.StatusRunning {
		t.Errorf("revived: status = %s, want running", got)
	}
	if got := store.get(t, "match").Status; got != session.StatusRunning {
		t.Errorf("match: status = %s, want running (no-op)", got)
	}
	if len(containers.removed) != 0 {
		t.Errorf("removed containers %v, want none", containers.removed)
	}
}

func TestReconcileAdoptsRunningContainerKeepingID(t *testing.T) {
	// Session S stopped with containerId c1; a container named for S is
	// discovered actually running under the same id.
	store := newFakeStore(sess("S", session.StatusStopped, "c1"))
	containers := &fakeContainers{managed: []container.Managed{
		{ContainerID: "c1", SessionID: "S", Running: true},
	}}
	b := bus.New()
	defer b.Close()

	sub := b.Subscribe(context.Background(), bus.Filter{Kinds: []bus.EventKind{bus.KindStatusChanged}})
	defer sub.Close()

	r := New(store, containers, b, 0)
	if err := r.ReconcileAll(context.Background()); err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}

	got := store.get(t, "S")
	if got.Status != session.StatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
	if got.ContainerID != "c1" {
		t.Errorf("containerId = %s, want c1 unchanged", got.ContainerID)
	}

	select {
	case e := <-sub.C:
		sc := e.(bus.StatusChanged)
		if sc.SessionID != "S" || sc.From != session.StatusStopped || sc.To != session.StatusRunning {
			t.Errorf("published %+v, want S stopped->running", sc)
		}
	case <-time.After(time.Second):
		t.Error("no StatusChanged event published")
	}
}

func TestReconcileAdoptsRecreatedContainerID(t *testing.T) {
	store := newFakeStore(sess("S", session.StatusRunning, "c-old"))
	containers := &fakeContainers{managed: []container.Managed{
		{ContainerID: "c-new", SessionID: "S", Running: true},
	}}
	b := bus.New()
	defer b.Close()
	r := New(store, containers, b, 0)

	if err := r.ReconcileAll(context.Background()); err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}

	got := store.get(t, "S")
	if got.ContainerID != "c-new" {
		t.Errorf("containerId = %s, want c-new", got.ContainerID)
	}
	if got.Status != session.StatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
}

func TestReconcileLeavesCreatingAndErrorAlone(t *testing.T) {
	store := newFakeStore(
		sess("building", session.StatusCreating, ""),
		sess("broken", session.StatusError, ""),
	)
	containers := &fakeContainers{managed: []container.Managed{
		{ContainerID: "c-building", SessionID: "building", Running: true},
		{ContainerID: "c-broken", SessionID: "broken", Running: false},
	}}
	b := bus.New()
	defer b.Close()
	r := New(store, containers, b, 0)

	if err := r.ReconcileAll(context.Background()); err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}

	if got := store.get(t, "building").Status; got != session.StatusCreating {
		t.Errorf("creating session status = %s, want creating", got)
	}
	if got := store.get(t, "broken").Status; got != session.StatusError {
		t.Errorf("error session status = %s, want error", got)
	}
	if len(containers.removed) != 0 {
		t.Errorf("removed %v; creating/error containers must be preserved", containers.removed)
	}
}

func TestReconcileRemovesOrphans(t *testing.T) {
	store := newFakeStore(
		sess("archived", session.StatusArchived, ""),
		sess("building", session.StatusCreating, ""),
	)
	containers := &fakeContainers{managed: []container.Managed{
		{ContainerID: "c-noone", SessionID: "never-existed", Running: true},
		{ContainerID: "c-archived", SessionID: "archived", Running: false},
		{ContainerID: "c-building", SessionID: "building", Running: true},
	}}
	b := bus.New()
	defer b.Close()
	r := New(store, containers, b, 0)

	if err := r.ReconcileAll(context.Background()); err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}

	want := map[string]bool{"c-noone": true, "c-archived": true}
	if len(containers.removed) != len(want) {
		t.Fatalf("removed %v, want exactly %v", containers.removed, want)
	}
	for _, id := range containers.removed {
		if !want[id] {
			t.Errorf("removed %s unexpectedly", id)
		}
	}
}

func TestReconcileSurvivesPerItemFailures(t *testing.T) {
	store := newFakeStore(sess("ok", session.StatusRunning, "c-ok"))
	containers := &fakeContainers{
		managed: []container.Managed{
			{ContainerID: "c-bad", SessionID: "long-gone", Running: true},
			{ContainerID: "c-orphan", SessionID: "also-gone", Running: false},
		},
		failRm: map[string]error{"c-bad": errors.New("engine hiccup")},
	}
	b := bus.New()
	defer b.Close()
	r := New(store, containers, b, 0)

	if err := r.ReconcileAll(context.Background()); err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}

	// The failed removal must not stop the other orphan from going, nor
	// the status correction for the session with no container.
	if len(containers.removed) != 1 || containers.removed[0] != "c-orphan" {
		t.Errorf("removed = %v, want [c-orphan]", containers.removed)
	}
	if got := store.get(t, "ok").Status; got != session.StatusStopped {
		t.Errorf("session status = %s, want stopped despite earlier failure", got)
	}
}

func TestSyncSessionStatus(t *testing.T) {
	store := newFakeStore(
		sess("drifted", session.StatusRunning, "c-drifted"),
		sess("fine", session.StatusRunning, "c-fine"),
	)
	containers := &fakeContainers{managed: []container.Managed{
		{ContainerID: "c-fine", SessionID: "fine", Running: true},
	}}
	b := bus.New()
	defer b.Close()
	r := New(store, containers, b, 0)

	got, err := r.SyncSessionStatus(context.Background(), "drifted")
	if err != nil {
		t.Fatalf("SyncSessionStatus: %v", err)
	}
	if got == nil || *got != session.StatusStopped {
		t.Errorf("new status = %v, want stopped", got)
	}

	got, err = r.SyncSessionStatus(context.Background(), "fine")
	if err != nil {
		t.Fatalf("SyncSessionStatus: %v", err)
	}
	if got != nil {
		t.Errorf("new status = %v, want nil for matching session", *got)
	}

	if _, err := r.SyncSessionStatus(context.Background(), "nope"); !session.IsNotFound(err) {
		t.Errorf("unknown session error = %v, want NotFound", err)
	}
}

func TestSweepGuardSuppressesOverlap(t *testing.T) {
	store := newFakeStore()
	containers := &fakeContainers{}
	b := bus.New()
	defer b.Close()
	r := New(store, containers, b, time.Hour)

	// Hold the guard as a sweep in progress would; the tick must come
	// back immediately instead of queueing behind it.
	r.sweepMu.Lock()
	done := make(chan struct{})
	go func() {
		r.sweepGuarded(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("overlapping sweep blocked instead of skipping")
	}
	r.sweepMu.Unlock()
}
