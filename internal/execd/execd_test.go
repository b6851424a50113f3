package execd

import (
	"context"
	"strings"
	"testing"
	"time"
)

type fakeResolver struct{}

func (fakeResolver) ResolveEnv(sessionID string) map[string]string { return map[string]string{} }
func (fakeResolver) ResolveCwd(sessionID string) string            { return "/tmp" }

func TestExecSuccess(t *testing.T) {
	e := New(fakeResolver{})
	res, err := e.Exec(context.Background(), "echo hi", Options{})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !res.Success || res.ExitCode != 0 {
		t.Fatalf("expected success, got %+v", res)
	}
	if strings.TrimSpace(res.Stdout) != "hi" {
		t.Fatalf("unexpected stdout: %q", res.Stdout)
	}
}

func TestExecNonZeroExit(t *testing.T) {
	e := New(fakeResolver{})
	res, err := e.Exec(context.Background(), "exit 3", Options{})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Success || res.ExitCode != 3 {
		t.Fatalf("expected exitCode 3 failure, got %+v", res)
	}
}

func TestExecTimeout(t *testing.T) {
	e := New(fakeResolver{})
	res, err := e.Exec(context.Background(), "sleep 5", Options{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Success || res.ExitCode != -1 {
		t.Fatalf("expected timeout failure, got %+v", res)
	}
	if !strings.Contains(res.Stderr, "timeout") {
		t.Fatalf("expected timeout marker in stderr, got %q", res.Stderr)
	}
}

func TestExecCancellationBeforeStart(t *testing.T) {
	e := New(fakeResolver{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Exec(ctx, "echo hi", Options{})
	if err == nil {
		t.Fatalf("expected error for pre-cancelled context")
	}
}

func TestExecRejectsEmptyCommand(t *testing.T) {
	e := New(fakeResolver{})
	if _, err := e.Exec(context.Background(), "", Options{}); err == nil {
		t.Fatalf("expected error for empty command")
	}
}

func TestExecStreamEmitsExitOnce(t *testing.T) {
	e := New(fakeResolver{})
	var events []StreamEvent
	err := e.ExecStream(context.Background(), "echo a; echo b 1>&2", Options{}, func(ev StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("ExecStream: %v", err)
	}
	exitCount := 0
	var sawStdout, sawStderr bool
	for _, ev := range events {
		switch ev.Type {
		case "exit":
			exitCount++
		case "stdout":
			sawStdout = sawStdout || strings.Contains(ev.Data, "a")
		case "stderr":
			sawStderr = sawStderr || strings.Contains(ev.Data, "b")
		}
	}
	if exitCount != 1 {
		t.Fatalf("expected exactly one exit event, got %d", exitCount)
	}
	if !sawStdout || !sawStderr {
		t.Fatalf("expected both stdout and stderr captured, got %+v", events)
	}
}

func TestExecStreamCancellationBeforeStart(t *testing.T) {
	e := New(fakeResolver{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var events []StreamEvent
	err := e.ExecStream(ctx, "echo hi", Options{}, func(ev StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("ExecStream: %v", err)
	}
	if len(events) != 1 || events[0].Type != "exit" {
		t.Fatalf("expected a single exit event, got %+v", events)
	}
}

func TestExecStreamTimeoutKillsProcess(t *testing.T) {
	e := New(fakeResolver{})
	var last StreamEvent
	err := e.ExecStream(context.Background(), "sleep 5", Options{Timeout: 50 * time.Millisecond}, func(ev StreamEvent) error {
		last = ev
		return nil
	})
	if err != nil {
		t.Fatalf("ExecStream: %v", err)
	}
	if last.Type != "exit" {
		t.Fatalf("expected last event to be exit, got %+v", last)
	}
}
