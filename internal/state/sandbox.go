// Package state owns the sandbox's mutable, process-wide state: its name,
// its environment variables, and the per-call session overrides. It is
// the single writer/reader of this state so every other subsystem
// (executor, supervisor, files, git) asks it for a resolved env/cwd
// instead of tracking its own copy.
package state

import (
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// Record is the persisted, once-per-sandbox record.
type Record struct {
	Name      string            `json:"name"`
	EnvVars   map[string]string `json:"envVars"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Session is an ephemeral, per-call override bundle.
type Session struct {
	SessionID string
	Cwd       string
	Env       map[string]string
	Isolation bool
	expiresAt time.Time
}

// Sandbox owns the SandboxRecord and the client session table. It
// persists the record (name + env) through a store.KV so it survives
// container restarts for the lifetime of the container.
type Sandbox struct {
	mu       sync.RWMutex
	kv       store.KV
	record   Record
	sessions map[string]*Session
	sessTTL  time.Duration
	workspace string
}

const recordKey = "sandbox-record"

// DefaultSessionTTL bounds how long an unused session override is retained.
const DefaultSessionTTL = 30 * time.Minute

// New loads (or initializes) the sandbox record from kv. workspace is
// the default cwd for spawned processes absent a session override.
func New(kv store.KV, workspace string) *Sandbox {
	s := &Sandbox{
		kv:        kv,
		sessions:  make(map[string]*Session),
		sessTTL:   DefaultSessionTTL,
		workspace: workspace,
	}
	var rec Record
	if ok, err := kv.Get(recordKey, &rec); err == nil && ok {
		s.record = rec
	} else {
		s.record = Record{EnvVars: map[string]string{}, CreatedAt: time.Now().UTC()}
	}
	if s.record.EnvVars == nil {
		s.record.EnvVars = map[string]string{}
	}
	return s
}

// Name returns the sandbox's name, or "" if never set.
func (s *Sandbox) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record.Name
}

// SetName sets the sandbox name once; subsequent calls are no-ops once
// a non-empty name is already stored.
func (s *Sandbox) SetName(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record.Name != "" {
		return nil
	}
	s.record.Name = name
	return s.persistLocked()
}

// EnvVars returns a copy of the sandbox-wide environment.
func (s *Sandbox) EnvVars() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.record.EnvVars))
	for k, v := range s.record.EnvVars {
		out[k] = v
	}
	return out
}

// SetEnvVars merges vars into the sandbox-wide environment and persists it.
func (s *Sandbox) SetEnvVars(vars map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range vars {
		s.record.EnvVars[k] = v
	}
	return s.persistLocked()
}

func (s *Sandbox) persistLocked() error {
	return s.kv.Put(recordKey, s.record)
}

// Workspace returns the sandbox's default working directory.
func (s *Sandbox) Workspace() string { return s.workspace }

// GetOrCreateSession returns the override bundle for sessionID, creating an
// empty one if absent. An empty sessionID resolves to the zero Session
// (sandbox defaults only, no overrides).
func (s *Sandbox) GetOrCreateSession(sessionID string) *Session {
	if sessionID == "" {
		return &Session{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &Session{SessionID: sessionID, Env: map[string]string{}}
		s.sessions[sessionID] = sess
	}
	sess.expiresAt = time.Now().Add(s.sessTTL)
	return sess
}

// UpdateSession applies cwd/env/isolation overrides for sessionID.
func (s *Sandbox) UpdateSession(sessionID, cwd string, env map[string]string, isolation bool) *Session {
	sess := s.GetOrCreateSession(sessionID)
	if sessionID == "" {
		return sess
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cwd != "" {
		sess.Cwd = cwd
	}
	for k, v := range env {
		sess.Env[k] = v
	}
	sess.Isolation = isolation || sess.Isolation
	return sess
}

// ResolveEnv merges the sandbox-wide env with a session's overrides, the
// session value winning on key conflicts.
func (s *Sandbox) ResolveEnv(sessionID string) map[string]string {
	s.mu.RLock()
	base := make(map[string]string, len(s.record.EnvVars))
	for k, v := range s.record.EnvVars {
		base[k] = v
	}
	sess := s.sessions[sessionID]
	s.mu.RUnlock()

	if sess != nil {
		for k, v := range sess.Env {
			base[k] = v
		}
	}
	return base
}

// ResolveCwd returns the session's cwd override if set, else the sandbox
// default workspace.
func (s *Sandbox) ResolveCwd(sessionID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[sessionID]; ok && sess.Cwd != "" {
		return sess.Cwd
	}
	return s.workspace
}

// PruneExpiredSessions removes session overrides past their TTL. Intended
// to be called periodically by the hosting server.
func (s *Sandbox) PruneExpiredSessions(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, sess := range s.sessions {
		if now.After(sess.expiresAt) {
			delete(s.sessions, k)
			removed++
		}
	}
	return removed
}
