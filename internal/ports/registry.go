// Package ports implements the sandbox port registry:
// expose/unexpose/list/watch over a store.KV, loading all records on
// start and persisting on every write.
package ports

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/goclaw/internal/apperr"
	"github.com/nextlevelbuilder/goclaw/internal/security"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// Record is one exposed port.
type Record struct {
	Port       int       `json:"port"`
	Name       string    `json:"name,omitempty"`
	Token      string    `json:"token"`
	SessionID  string    `json:"sessionId,omitempty"`
	ExposedAt  time.Time `json:"exposedAt"`
}

const registryKey = "port-registry"

// Registry tracks exposed ports for one sandbox, persisted via store.KV.
type Registry struct {
	mu      sync.RWMutex
	kv      store.KV
	records map[int]Record
}

// New loads (or initializes) the port registry from kv.
func New(kv store.KV) (*Registry, error) {
	r := &Registry{kv: kv, records: make(map[int]Record)}
	var stored map[string]Record
	found, err := kv.Get(registryKey, &stored)
	if err != nil {
		return nil, fmt.Errorf("ports: load registry: %w", err)
	}
	if found {
		for _, rec := range stored {
			r.records[rec.Port] = rec
		}
	}
	return r, nil
}

func (r *Registry) persistLocked() error {
	byKey := make(map[string]Record, len(r.records))
	for port, rec := range r.records {
		byKey[fmt.Sprintf("%d", port)] = rec
	}
	return r.kv.Put(registryKey, byKey)
}

// Expose validates and inserts a new record. If token is empty one is
// generated; a caller-supplied token must match security.TokenPattern.
func (r *Registry) Expose(port int, sessionID, name, token string) (Record, error) {
	if !security.ValidatePort(port) {
		return Record{}, apperr.SecurityViolation(400, apperr.ViolationReservedPort, fmt.Sprintf("%d", port), "port is reserved or out of range")
	}
	if token != "" && !security.TokenPattern.MatchString(token) {
		return Record{}, apperr.WithCode(apperr.CodeInvalidToken, 400, "token does not match required shape")
	}
	if token == "" {
		token = security.GenerateToken()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[port]; exists {
		return Record{}, apperr.WithCode(apperr.CodePortAlreadyExposed, 409, fmt.Sprintf("port %d is already exposed", port))
	}

	rec := Record{Port: port, Name: name, Token: token, SessionID: sessionID, ExposedAt: time.Now().UTC()}
	r.records[port] = rec
	if err := r.persistLocked(); err != nil {
		delete(r.records, port)
		return Record{}, err
	}
	return rec, nil
}

// Unexpose removes a record by port.
func (r *Registry) Unexpose(port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[port]; !exists {
		return apperr.WithCode(apperr.CodePortNotExposed, 404, fmt.Sprintf("port %d is not exposed", port))
	}
	delete(r.records, port)
	return r.persistLocked()
}

// List returns every registered record.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out
}

// Lookup resolves (port, token) to a valid record. Port 3000 (the control
// plane) is never registered here and must be handled by the caller
// before reaching Lookup.
func (r *Registry) Lookup(port int, token string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[port]
	if !ok || rec.Token != token {
		return Record{}, false
	}
	return rec, true
}

// ValidatePortToken implements edge.TokenValidator for a single-sandbox
// registry: the sandboxID is already implied by which Registry the edge
// router was constructed with, so it's accepted but unused here.
func (r *Registry) ValidatePortToken(sandboxID string, port int, token string) bool {
	_, ok := r.Lookup(port, token)
	return ok
}

// WatchEvent is one frame of the watch SSE stream.
type WatchEvent struct {
	Type string `json:"type"` // ready | pending | timeout
	Port int    `json:"port"`
}

// Watch polls TCP connectability to localhost:port until it becomes
// ready, ctx is canceled, or deadline elapses, sending one event per
// poll via send. It returns after the first "ready" or "timeout" event.
func Watch(ctx context.Context, port int, deadline time.Duration, send func(WatchEvent) error) error {
	const pollEvery = 500 * time.Millisecond
	limiter := rate.NewLimiter(rate.Every(pollEvery), 1)
	timeout := time.After(deadline)

	for {
		if connectable(port) {
			return send(WatchEvent{Type: "ready", Port: port})
		}
		if err := send(WatchEvent{Type: "pending", Port: port}); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-timeout:
			return send(WatchEvent{Type: "timeout", Port: port})
		default:
		}
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
	}
}

func connectable(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", port), time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
