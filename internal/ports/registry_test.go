package ports

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/store/memkv"
)

func TestExposeValidatesPort(t *testing.T) {
	r, err := New(memkv.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.Expose(80, "s1", "", ""); err == nil {
		t.Fatalf("expected reserved port rejection")
	}
	if _, err := r.Expose(3000, "s1", "", ""); err == nil {
		t.Fatalf("expected control-plane port rejection")
	}
}

func TestExposeGeneratesTokenAndRejectsDuplicatePort(t *testing.T) {
	r, _ := New(memkv.New())
	rec, err := r.Expose(8080, "s1", "web", "")
	if err != nil {
		t.Fatalf("Expose: %v", err)
	}
	if len(rec.Token) != 16 {
		t.Fatalf("expected generated 16-char token, got %q", rec.Token)
	}

	if _, err := r.Expose(8080, "s1", "web2", ""); err == nil {
		t.Fatalf("expected PortAlreadyExposed")
	}
}

func TestExposeRejectsMalformedToken(t *testing.T) {
	r, _ := New(memkv.New())
	if _, err := r.Expose(8080, "s1", "", "short"); err == nil {
		t.Fatalf("expected malformed token rejection")
	}
}

func TestUnexposeUnknownPort(t *testing.T) {
	r, _ := New(memkv.New())
	if err := r.Unexpose(9999); err == nil {
		t.Fatalf("expected PortNotExposed")
	}
}

func TestLookupMatchesPortAndToken(t *testing.T) {
	r, _ := New(memkv.New())
	rec, _ := r.Expose(8080, "s1", "web", "")

	if _, ok := r.Lookup(8080, "wrong-token-xxxxx"); ok {
		t.Fatalf("expected lookup to fail on wrong token")
	}
	if _, ok := r.Lookup(8080, rec.Token); !ok {
		t.Fatalf("expected lookup to succeed with correct token")
	}
}

func TestRegistryPersistsAcrossReload(t *testing.T) {
	kv := memkv.New()
	r1, _ := New(kv)
	r1.Expose(8080, "s1", "web", "")

	r2, err := New(kv)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	if len(r2.List()) != 1 {
		t.Fatalf("expected 1 record after reload, got %d", len(r2.List()))
	}
}

func TestWatchEmitsReadyWhenPortOpens(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	var events []WatchEvent
	err = Watch(context.Background(), port, 2*time.Second, func(ev WatchEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if len(events) == 0 || events[len(events)-1].Type != "ready" {
		t.Fatalf("expected final event ready, got %+v", events)
	}
}

func TestWatchEmitsTimeoutWhenPortNeverOpens(t *testing.T) {
	var events []WatchEvent
	err := Watch(context.Background(), 65100, 200*time.Millisecond, func(ev WatchEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if len(events) == 0 || events[len(events)-1].Type != "timeout" {
		t.Fatalf("expected final event timeout, got %+v", events)
	}
}
