// Package execd implements the fire-and-forget command executor: a
// synchronous exec() that waits for completion, and a streaming
// execStream() that relays stdout/stderr/exit over SSE from a process
// that is never retained once it exits.
package execd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/logbuf"
	"github.com/nextlevelbuilder/goclaw/internal/process"
)

// Resolver resolves merged env/cwd for a session, same contract as
// process.EnvCwdResolver.
type Resolver interface {
	ResolveEnv(sessionID string) map[string]string
	ResolveCwd(sessionID string) string
}

// Executor runs one-shot commands against a sandbox's resolved
// environment.
type Executor struct {
	resolver Resolver
}

// New creates an Executor bound to resolver.
func New(resolver Resolver) *Executor {
	return &Executor{resolver: resolver}
}

// Options configures a single exec/execStream call.
type Options struct {
	SessionID string
	Env       map[string]string
	Cwd       string
	Timeout   time.Duration // 0 = no timeout
}

// Result is the synchronous exec() response shape.
type Result struct {
	Success   bool      `json:"success"`
	ExitCode  int       `json:"exitCode"`
	Stdout    string    `json:"stdout"`
	Stderr    string    `json:"stderr"`
	Command   string    `json:"command"`
	Duration  float64   `json:"duration"` // seconds
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"sessionId,omitempty"`
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func (e *Executor) resolve(opts Options) ([]string, string) {
	env := e.resolver.ResolveEnv(opts.SessionID)
	for k, v := range opts.Env {
		env[k] = v
	}
	cwd := opts.Cwd
	if cwd == "" {
		cwd = e.resolver.ResolveCwd(opts.SessionID)
	}
	return envSlice(env), cwd
}

// Exec runs command to completion and returns its full result. ctx
// cancellation aborts the child the same way a timeout does.
func (e *Executor) Exec(ctx context.Context, command string, opts Options) (Result, error) {
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if command == "" {
		return Result{}, errors.New("execd: command is required")
	}

	env, cwd := e.resolve(opts)

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = cwd
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("execd: start: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var err error
	select {
	case err = <-waitErr:
	case <-runCtx.Done():
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case err = <-waitErr:
		case <-time.After(process.KillGrace):
			_ = cmd.Process.Kill()
			err = <-waitErr
		}
	}
	duration := time.Since(start)

	res := Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Command:   command,
		Duration:  duration.Seconds(),
		Timestamp: start.UTC(),
		SessionID: opts.SessionID,
	}

	switch {
	case err == nil:
		res.Success = true
		res.ExitCode = 0
	case ctx.Err() == context.Canceled:
		res.Success = false
		res.ExitCode = -1
		res.Stderr += "\naborted: context canceled"
	case opts.Timeout > 0 && runCtx.Err() == context.DeadlineExceeded:
		res.Success = false
		res.ExitCode = -1
		res.Stderr += fmt.Sprintf("\ntimeout: command exceeded %s", opts.Timeout)
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		res.Success = false
	}

	return res, nil
}

// StreamEvent mirrors process.LogEvent's shape for execStream consumers.
type StreamEvent = process.LogEvent

// ExecStream runs command and relays stdout/stderr/exit events via send,
// never retaining the process after the exit event is sent. The final
// event always has Type == "exit".
func (e *Executor) ExecStream(ctx context.Context, command string, opts Options, send func(StreamEvent) error) error {
	if ctx.Err() != nil {
		code := -1
		return send(StreamEvent{Type: "exit", Code: &code, Status: process.StatusKilled})
	}
	if command == "" {
		return send(StreamEvent{Type: "exit", Status: process.StatusError})
	}

	env, cwd := e.resolve(opts)

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = cwd
	cmd.Env = env

	stdout := logbuf.New(logbuf.DefaultCapacity)
	stderr := logbuf.New(logbuf.DefaultCapacity)
	cmd.Stdout = writerFunc(stdout.Write)
	cmd.Stderr = writerFunc(stderr.Write)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("execd: start: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var offOut, offErr int64
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var runErr error
	done := false
	for !done {
		select {
		case runErr = <-waitErr:
			done = true
		case <-runCtx.Done():
			_ = cmd.Process.Signal(syscall.SIGTERM)
			select {
			case runErr = <-waitErr:
			case <-time.After(process.KillGrace):
				_ = cmd.Process.Kill()
				runErr = <-waitErr
			}
			done = true
		case <-ticker.C:
		}

		if data, off, _ := stdout.ReadSince(offOut); len(data) > 0 {
			offOut = off
			if err := send(StreamEvent{Type: "stdout", Data: string(data), Offset: off}); err != nil {
				return err
			}
		}
		if data, off, _ := stderr.ReadSince(offErr); len(data) > 0 {
			offErr = off
			if err := send(StreamEvent{Type: "stderr", Data: string(data), Offset: off}); err != nil {
				return err
			}
		}
	}

	status := process.StatusCompleted
	code := 0
	switch {
	case runErr == nil:
	case ctx.Err() == context.Canceled:
		status = process.StatusKilled
		code = -1
	case opts.Timeout > 0 && runCtx.Err() == context.DeadlineExceeded:
		status = process.StatusKilled
		code = -1
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
		status = process.StatusFailed
	}

	return send(StreamEvent{Type: "exit", Code: &code, Status: status})
}

type writerFunc func([]byte) (int, error)

func (w writerFunc) Write(p []byte) (int, error) { return w(p) }
