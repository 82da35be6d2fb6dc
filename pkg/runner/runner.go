// Package runner supervises assistant turns: at most one per session,
// spawned inside the session's container through a streaming exec,
// consumed line by line through the protocol classifier, persisted, and
// fanned out on the event bus.
//
// The turn registry is in-memory only. It is empty after a restart and
// is never reconstructed: an in-flight turn does not survive a process
// restart, callers must send again. The reconciler repopulates session
// status, not turns.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brendanlong/clawed-burrow-sub001/pkg/bus"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/container"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/log"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/protocol"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/session"
)

// Store is the slice of the persistence layer the runner needs.
type Store interface {
	AppendMessage(ctx context.Context, sessionID string, typ session.MessageType, content json.RawMessage) (*session.Message, error)
	MarkLastMessageInterrupted(ctx context.Context, sessionID string) (bool, error)
	SetStatusMessage(ctx context.Context, sessionID, statusMessage string) error
	CountMessages(ctx context.Context, sessionID string) (int64, error)
}

// Execer runs commands inside session containers. *container.Manager
// satisfies it; tests substitute fakes.
type Execer interface {
	Exec(ctx context.Context, containerID string, argv []string) (container.ExecResult, error)
	StreamExec(ctx context.Context, containerID string, argv []string) (container.ExecStream, error)
}

// TurnState tracks where a turn is in its lifecycle.
type TurnState string

const (
	TurnSent        TurnState = "sent"
	TurnStreaming   TurnState = "streaming"
	TurnCompleted   TurnState = "completed"
	TurnInterrupted TurnState = "interrupted"
	TurnErrored     TurnState = "errored"
)

// DefaultBinary is the assistant CLI launched inside the container.
const DefaultBinary = "claude"

// Config tunes the runner.
type Config struct {
	Binary string // assistant CLI name, DefaultBinary when empty
}

// Runner owns the turn registry and the streaming consumption loop.
type Runner struct {
	store  Store
	execer Execer
	bus    *bus.Bus
	binary string

	mu    sync.Mutex
	turns map[string]*turn
}

// turn is the runtime-only handle for one in-flight assistant turn.
type turn struct {
	sessionID   string
	containerID string
	startedAt   time.Time
	interrupted atomic.Bool
	completed   atomic.Bool

	mu    sync.Mutex
	state TurnState

	done chan struct{}
}

func (t *turn) setState(s TurnState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// New builds a runner around the store, the exec surface, and the bus.
func New(store Store, execer Execer, b *bus.Bus, cfg Config) *Runner {
	binary := cfg.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	return &Runner{
		store:  store,
		execer: execer,
		bus:    b,
		binary: binary,
		turns:  make(map[string]*turn),
	}
}

// register is the atomic check-and-set guarding one turn per session.
// Exactly one of two concurrent callers wins.
func (r *Runner) register(t *turn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.turns[t.sessionID]; exists {
		return false
	}
	r.turns[t.sessionID] = t
	return true
}

// deregister removes t, but only while it is still the registered turn
// for its session; a replacement registered later is left alone.
func (r *Runner) deregister(t *turn) {
	r.mu.Lock()
	if r.turns[t.sessionID] == t {
		delete(r.turns, t.sessionID)
	}
	r.mu.Unlock()
}

func (r *Runner) lookup(sessionID string) (*turn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.turns[sessionID]
	return t, ok
}

// IsRunning reports whether a turn is in flight for the session. Pure
// registry lookup; it never contacts the container runtime.
func (r *Runner) IsRunning(sessionID string) bool {
	_, ok := r.lookup(sessionID)
	return ok
}

// syntheticUser is the persisted shape of the prompt the caller sent,
// mirroring the protocol's own user entries.
type syntheticUser struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

// syntheticError is the persisted shape of a turn that died without a
// result entry.
type syntheticError struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	Error    string `json:"error"`
	ExitCode int    `json:"exit_code"`
}

// Send starts a new turn for the session: registers it, persists the
// prompt as a user message, launches the assistant inside the container,
// and consumes its stream in the background. Returns Conflict when a
// turn is already in flight and PreconditionFailed when the session is
// not running.
func (r *Runner) Send(ctx context.Context, sess *session.Session, prompt string) error {
	if sess.Status != session.StatusRunning {
		return session.PreconditionFailedf("session %s is %s, not running", sess.ID, sess.Status)
	}
	if sess.ContainerID == "" {
		return session.PreconditionFailedf("session %s has no container", sess.ID)
	}

	t := &turn{
		sessionID:   sess.ID,
		containerID: sess.ContainerID,
		startedAt:   time.Now(),
		state:       TurnSent,
		done:        make(chan struct{}),
	}
	if !r.register(t) {
		return session.Conflictf("a turn is already in flight for session %s", sess.ID)
	}

	// History before this prompt decides whether the assistant resumes
	// its prior conversation.
	resume, err := r.hasHistory(ctx, sess.ID)
	if err != nil {
		r.deregister(t)
		return session.Internalf(err, "checking session history")
	}

	userMsg := syntheticUser{Type: "user"}
	userMsg.Message.Role = "user"
	userMsg.Message.Content = prompt
	payload, err := json.Marshal(userMsg)
	if err != nil {
		r.deregister(t)
		return session.Internalf(err, "encoding prompt")
	}
	msg, err := r.store.AppendMessage(ctx, sess.ID, session.TypeUser, payload)
	if err != nil {
		r.deregister(t)
		return session.Internalf(err, "persisting prompt")
	}
	r.bus.Publish(bus.MessageAppended{SessionID: sess.ID, Message: *msg})

	stream, err := r.execer.StreamExec(ctx, sess.ContainerID, r.argv(sess.ID, prompt, resume))
	if err != nil {
		r.deregister(t)
		return session.Internalf(err, "starting assistant process")
	}

	t.setState(TurnStreaming)
	r.bus.Publish(bus.RunningChanged{SessionID: sess.ID, Running: true, At: time.Now()})
	log.Info("turn started", "session_id", sess.ID, "container_id", sess.ContainerID, "resume", resume)

	// The turn outlives the Send call; its lifetime is the exec's, not
	// the caller's request context.
	go r.consume(context.WithoutCancel(ctx), t, stream)
	return nil
}

func (r *Runner) hasHistory(ctx context.Context, sessionID string) (bool, error) {
	n, err := r.store.CountMessages(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// pidFile is where the launch script records the assistant's pid so
// Interrupt can signal it from a second exec.
func pidFile(sessionID string) string {
	return "/tmp/burrow-turn-" + sessionID + ".pid"
}

// argv builds the in-container launch command. The shell records its
// pid, then execs the assistant so the pid stays valid for Interrupt.
func (r *Runner) argv(sessionID, prompt string, resume bool) []string {
	var b strings.Builder
	b.WriteString("echo $$ >")
	b.WriteString(pidFile(sessionID))
	b.WriteString("; exec ")
	b.WriteString(r.binary)
	b.WriteString(" -p ")
	b.WriteString(shellQuote(prompt))
	b.WriteString(" --output-format stream-json --verbose --dangerously-skip-permissions")
	if resume {
		b.WriteString(" --continue")
	}
	return []string{"sh", "-c", b.String()}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// consume reads the assistant's stream line by line until a result entry
// or EOF, persisting and publishing every classified line. It always
// deregisters the turn and publishes the final running-state change.
func (r *Runner) consume(ctx context.Context, t *turn, stream container.ExecStream) {
	defer close(t.done)
	defer func() { _ = stream.Close() }()

	sawResult := false

	scanner := bufio.NewScanner(stream.Out())
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		v := protocol.Classify(line)
		if raw, ok := v.(protocol.Raw); ok {
			log.Debug("unclassified protocol line", "session_id", t.sessionID, "reason", raw.Reason)
		}

		content := json.RawMessage(append([]byte(nil), line...))
		msg, err := r.store.AppendMessage(ctx, t.sessionID, session.MessageType(protocol.CoarseType(v)), content)
		if err != nil {
			log.Error("persisting streamed message", "session_id", t.sessionID, "error", err)
			continue
		}
		r.bus.Publish(bus.MessageAppended{SessionID: t.sessionID, Message: *msg})

		if v.Kind() == protocol.KindResult {
			sawResult = true
			break
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("reading assistant stream", "session_id", t.sessionID, "error", err)
	}

	switch {
	case sawResult:
		t.completed.Store(true)
		t.setState(TurnCompleted)
		log.Info("turn completed", "session_id", t.sessionID, "duration", time.Since(t.startedAt))
	case t.interrupted.Load():
		t.setState(TurnInterrupted)
		if _, err := r.store.MarkLastMessageInterrupted(ctx, t.sessionID); err != nil {
			log.Error("marking interrupted turn", "session_id", t.sessionID, "error", err)
		}
		log.Info("turn interrupted", "session_id", t.sessionID, "duration", time.Since(t.startedAt))
	default:
		t.setState(TurnErrored)
		r.recordFailure(ctx, t, stream)
	}

	r.deregister(t)
	r.bus.Publish(bus.RunningChanged{SessionID: t.sessionID, Running: false, At: time.Now()})
}

// recordFailure persists a synthetic error entry and sets the session's
// diagnostic message when the assistant died before producing a result.
func (r *Runner) recordFailure(ctx context.Context, t *turn, stream container.ExecStream) {
	exitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exitCode, err := stream.ExitCode(exitCtx)
	if err != nil {
		log.Warn("reading assistant exit code", "session_id", t.sessionID, "error", err)
		exitCode = -1
	}

	reason := fmt.Sprintf("assistant process exited with code %d before a result", exitCode)
	if stderr := strings.TrimSpace(stream.Stderr()); stderr != "" {
		reason = fmt.Sprintf("%s: %s", reason, tail(stderr, 1024))
	}
	log.Error("turn failed", "session_id", t.sessionID, "exit_code", exitCode)

	payload, err := json.Marshal(syntheticError{
		Type:     "system",
		Subtype:  "error",
		Error:    reason,
		ExitCode: exitCode,
	})
	if err != nil {
		log.Error("encoding failure message", "session_id", t.sessionID, "error", err)
		return
	}
	msg, err := r.store.AppendMessage(ctx, t.sessionID, session.TypeSystem, payload)
	if err != nil {
		log.Error("persisting failure message", "session_id", t.sessionID, "error", err)
	} else {
		r.bus.Publish(bus.MessageAppended{SessionID: t.sessionID, Message: *msg})
	}
	if err := r.store.SetStatusMessage(ctx, t.sessionID, reason); err != nil {
		log.Error("recording status message", "session_id", t.sessionID, "error", err)
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Interrupt best-effort signals the session's in-flight turn. A session
// with no registered turn returns false with no side effects; that is an
// expected outcome, the turn may simply have finished. When the signal
// races with natural completion the result is false as well.
func (r *Runner) Interrupt(ctx context.Context, sessionID string) (bool, error) {
	t, ok := r.lookup(sessionID)
	if !ok {
		return false, nil
	}

	t.interrupted.Store(true)

	res, err := r.execer.Exec(ctx, t.containerID,
		[]string{"sh", "-c", fmt.Sprintf("kill -INT $(cat %s) 2>/dev/null", pidFile(sessionID))})
	if err != nil {
		log.Warn("interrupt signal failed", "session_id", sessionID, "error", err)
	} else if res.ExitCode != 0 {
		log.Debug("interrupt signal found no process", "session_id", sessionID, "exit_code", res.ExitCode)
	}

	if t.completed.Load() {
		// The turn finished on its own before the signal landed.
		return false, nil
	}
	log.Info("turn interrupt requested", "session_id", sessionID)
	return true, nil
}
