package process

import (
	"context"
	"strings"
	"testing"
	"time"
)

type fakeResolver struct {
	env map[string]string
	cwd string
}

func (f fakeResolver) ResolveEnv(sessionID string) map[string]string {
	out := make(map[string]string, len(f.env))
	for k, v := range f.env {
		out[k] = v
	}
	return out
}

func (f fakeResolver) ResolveCwd(sessionID string) string { return f.cwd }

func newTestSupervisor() *Supervisor {
	return NewSupervisor(fakeResolver{env: map[string]string{}, cwd: "/tmp"}, 0, 0)
}

func waitTerminal(t *testing.T, s *Supervisor, id string, timeout time.Duration) Info {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		info, ok := s.Get(id)
		if !ok {
			t.Fatalf("process %s vanished", id)
		}
		if info.Status.IsTerminal() {
			return info
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("process %s did not reach terminal state in time", id)
	return Info{}
}

func TestStartAndCompleteCapturesLogs(t *testing.T) {
	s := newTestSupervisor()
	info, err := s.Start(context.Background(), StartOptions{
		Command: "for i in 1 2 3; do echo $i; sleep 0.02; done",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if info.Status != StatusRunning {
		t.Fatalf("expected running, got %s", info.Status)
	}

	final := waitTerminal(t, s, info.ID, 2*time.Second)
	if final.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", final.ExitCode)
	}

	stdout, _, err := s.Logs(info.ID)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if stdout != "1\n2\n3\n" {
		t.Fatalf("unexpected stdout: %q", stdout)
	}
}

func TestKillTerminatesRunningProcess(t *testing.T) {
	s := newTestSupervisor()
	info, err := s.Start(context.Background(), StartOptions{Command: "sleep 30"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := s.Kill(info.ID); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	final, ok := s.Get(info.ID)
	if !ok {
		t.Fatalf("process missing after kill")
	}
	if final.Status != StatusKilled {
		t.Fatalf("expected killed, got %s", final.Status)
	}
}

func TestKillIsIdempotent(t *testing.T) {
	s := newTestSupervisor()
	info, err := s.Start(context.Background(), StartOptions{Command: "true"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitTerminal(t, s, info.ID, time.Second)

	if err := s.Kill(info.ID); err != nil {
		t.Fatalf("Kill on terminal process should be a no-op success, got %v", err)
	}
}

func TestKillUnknownProcessReturnsNotFound(t *testing.T) {
	s := newTestSupervisor()
	if err := s.Kill("does-not-exist"); err == nil {
		t.Fatalf("expected NotFound error")
	}
}

func TestKillAllKillsEveryRunningProcess(t *testing.T) {
	s := newTestSupervisor()
	var ids []string
	for i := 0; i < 3; i++ {
		info, err := s.Start(context.Background(), StartOptions{Command: "sleep 30"})
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		ids = append(ids, info.ID)
	}

	killed := s.KillAll()
	if killed != 3 {
		t.Fatalf("expected 3 killed, got %d", killed)
	}
	for _, id := range ids {
		info, _ := s.Get(id)
		if info.Status != StatusKilled {
			t.Fatalf("process %s expected killed, got %s", id, info.Status)
		}
	}
}

func TestStreamLogsEmitsExitEventOnce(t *testing.T) {
	s := newTestSupervisor()
	info, err := s.Start(context.Background(), StartOptions{Command: "echo hello"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var events []LogEvent
	err = s.StreamLogs(context.Background(), info.ID, -1, -1, func(ev LogEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamLogs: %v", err)
	}

	exitCount := 0
	var sawStdout bool
	for _, ev := range events {
		if ev.Type == "exit" {
			exitCount++
			if ev.Status != StatusCompleted {
				t.Fatalf("expected completed in exit event, got %s", ev.Status)
			}
		}
		if ev.Type == "stdout" && strings.Contains(ev.Data, "hello") {
			sawStdout = true
		}
	}
	if exitCount != 1 {
		t.Fatalf("expected exactly one exit event, got %d", exitCount)
	}
	if !sawStdout {
		t.Fatalf("expected to observe stdout containing 'hello', got %+v", events)
	}
}

func TestStartRejectsEmptyCommand(t *testing.T) {
	s := newTestSupervisor()
	if _, err := s.Start(context.Background(), StartOptions{}); err == nil {
		t.Fatalf("expected validation error for empty command")
	}
}

func TestRemoveRejectsRunningProcess(t *testing.T) {
	s := newTestSupervisor()
	info, err := s.Start(context.Background(), StartOptions{Command: "sleep 30"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Kill(info.ID)

	if err := s.Remove(info.ID); err == nil {
		t.Fatalf("expected error removing a running process")
	}
}

func TestFailedCommandSetsFailedStatus(t *testing.T) {
	s := newTestSupervisor()
	info, err := s.Start(context.Background(), StartOptions{Command: "exit 7"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	final := waitTerminal(t, s, info.ID, time.Second)
	if final.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.ExitCode == nil || *final.ExitCode != 7 {
		t.Fatalf("expected exit code 7, got %v", final.ExitCode)
	}
}
