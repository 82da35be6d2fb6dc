package container

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// ExecResult is the captured outcome of a blocking exec. A non-zero exit
// is reported here with the process stderr, not as a bare error, so
// callers can surface what actually went wrong.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Exec runs argv inside the container and waits for it to finish.
func (m *Manager) Exec(ctx context.Context, containerID string, argv []string) (ExecResult, error) {
	execID, reader, closeAttach, err := m.startExec(ctx, containerID, argv)
	if err != nil {
		return ExecResult{}, err
	}
	defer closeAttach()

	var stdout, stderr strings.Builder
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return ExecResult{}, fmt.Errorf("read exec output: %w", err)
	}

	code, err := m.waitExec(ctx, execID)
	if err != nil {
		return ExecResult{}, err
	}
	return ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: code,
	}, nil
}

// ExecStream is a long-running exec whose stdout arrives incrementally.
// Out yields demuxed stdout until the process ends; Stderr returns what
// has been captured on the error channel so far; ExitCode inspects the
// exec after Out reaches EOF.
type ExecStream interface {
	Out() io.Reader
	Stderr() string
	ExitCode(ctx context.Context) (int, error)
	Close() error
}

// StreamExec starts argv inside the container and returns the stream
// handle without waiting for completion.
func (m *Manager) StreamExec(ctx context.Context, containerID string, argv []string) (ExecStream, error) {
	execID, reader, closeAttach, err := m.startExec(ctx, containerID, argv)
	if err != nil {
		return nil, err
	}

	s := &execStream{
		manager:     m,
		execID:      execID,
		closeAttach: closeAttach,
	}

	pr, pw := io.Pipe()
	s.out = pr
	go func() {
		// Demux into the pipe; stderr accumulates separately for the
		// error report when a turn dies without a result.
		_, err := stdcopy.StdCopy(pw, &s.errBuf, reader)
		_ = pw.CloseWithError(err)
	}()

	return s, nil
}

type execStream struct {
	manager     *Manager
	execID      string
	out         *io.PipeReader
	closeAttach func()

	errBuf lockedBuffer
}

func (s *execStream) Out() io.Reader { return s.out }

func (s *execStream) Stderr() string { return s.errBuf.String() }

func (s *execStream) ExitCode(ctx context.Context) (int, error) {
	return s.manager.waitExec(ctx, s.execID)
}

func (s *execStream) Close() error {
	_ = s.out.Close()
	s.closeAttach()
	return nil
}

// lockedBuffer accumulates stderr from the demux goroutine while Stderr
// may be read concurrently.
type lockedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (m *Manager) startExec(ctx context.Context, containerID string, argv []string) (string, *bufio.Reader, func(), error) {
	created, err := m.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", nil, nil, fmt.Errorf("create exec: %w", err)
	}

	attach, err := m.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", nil, nil, fmt.Errorf("attach exec: %w", err)
	}
	return created.ID, attach.Reader, attach.Close, nil
}

// waitExec polls the exec until the process has exited. Output EOF
// usually means the process is already gone; the loop covers the brief
// window where the engine has not recorded the exit yet.
func (m *Manager) waitExec(ctx context.Context, execID string) (int, error) {
	for {
		info, err := m.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, fmt.Errorf("inspect exec: %w", err)
		}
		if !info.Running {
			return info.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
