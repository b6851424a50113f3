package file

import (
	"path/filepath"
	"testing"
)

type record struct {
	Name string `json:"name"`
	N    int    `json:"n"`
}

func TestPutGetDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.Put("exposed-port:8080", record{Name: "web", N: 8080}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var got record
	found, err := s.Get("exposed-port:8080", &got)
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if got.Name != "web" || got.N != 8080 {
		t.Fatalf("unexpected value: %+v", got)
	}

	if err := s.Delete("exposed-port:8080"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if found, _ := s.Get("exposed-port:8080", &got); found {
		t.Fatalf("expected key gone after delete")
	}
}

func TestListPrefix(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir)
	s.Put("exposed-port:8080", record{Name: "a"})
	s.Put("exposed-port:9090", record{Name: "b"})
	s.Put("sandbox-record", record{Name: "c"})

	keys, err := s.List("exposed-port:")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
}

func TestReloadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	s1, _ := New(dir)
	s1.Put("k", record{Name: "persisted"})

	s2, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var got record
	found, _ := s2.Get("k", &got)
	if !found || got.Name != "persisted" {
		t.Fatalf("expected reload to find persisted value, got found=%v val=%+v", found, got)
	}
}

func TestKeyEncodingIsPathSafe(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir)
	key := "exposed-port:8080/weird"
	if err := s.Put(key, record{Name: "x"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// the file should live directly in dir, never escape it.
	matches, _ := filepath.Glob(filepath.Join(dir, "*.json"))
	if len(matches) != 1 {
		t.Fatalf("expected exactly one file in store dir, got %v", matches)
	}
}
