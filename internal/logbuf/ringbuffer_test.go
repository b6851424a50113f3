package logbuf

import (
	"bytes"
	"compress/flate"
	"io"
	"testing"
)

func TestReadSinceBasic(t *testing.T) {
	b := New(1024)
	b.Write([]byte("hello "))
	b.Write([]byte("world"))

	data, offset, dropped := b.ReadSince(0)
	if string(data) != "hello world" {
		t.Fatalf("got %q", data)
	}
	if dropped != 0 {
		t.Fatalf("expected no drops, got %d", dropped)
	}
	if offset != int64(len("hello world")) {
		t.Fatalf("unexpected offset %d", offset)
	}

	b.Write([]byte("!"))
	more, offset2, _ := b.ReadSince(offset)
	if string(more) != "!" {
		t.Fatalf("got %q", more)
	}
	if offset2 != offset+1 {
		t.Fatalf("unexpected offset %d", offset2)
	}
}

func TestReadSinceHeadDrop(t *testing.T) {
	b := New(8)
	b.Write([]byte("0123456789")) // 10 bytes into an 8-byte ring: drops "01"

	data, offset, dropped := b.ReadSince(0)
	if string(data) != "23456789" {
		t.Fatalf("got %q", data)
	}
	if dropped != 2 {
		t.Fatalf("expected 2 dropped bytes, got %d", dropped)
	}
	if offset != 10 {
		t.Fatalf("unexpected offset %d", offset)
	}
}

func TestConcurrentReadersDontBlockWriter(t *testing.T) {
	b := New(4096)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Write([]byte("x"))
		}
		close(done)
	}()

	for i := 0; i < 50; i++ {
		b.ReadSince(0)
	}
	<-done

	if b.Offset() != 1000 {
		t.Fatalf("expected offset 1000, got %d", b.Offset())
	}
}

func TestSpillCapturesEvictedBytes(t *testing.T) {
	var spill bytes.Buffer
	b := NewWithSpill(8, &spill)
	b.Write([]byte("0123456789")) // evicts "01" into the spill
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	r := flate.NewReader(&spill)
	defer r.Close()
	decoded, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read spill: %v", err)
	}
	if string(decoded) != "01" {
		t.Fatalf("expected spilled %q, got %q", "01", decoded)
	}
}
