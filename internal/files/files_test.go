package files

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestOps(t *testing.T) (*Ops, string) {
	t.Helper()
	root := t.TempDir()
	return New(NewResolver(root, DefaultDenyList)), root
}

func TestWriteAndReadFileUTF8(t *testing.T) {
	ops, _ := newTestOps(t)
	if err := ops.WriteFile("hello.txt", "hello world", EncodingUTF8, true); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	content, err := ops.ReadFile("hello.txt", EncodingUTF8, true)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if content != "hello world" {
		t.Fatalf("unexpected content: %q", content)
	}
}

func TestWriteAndReadFileBase64(t *testing.T) {
	ops, _ := newTestOps(t)
	encoded := "aGVsbG8=" // "hello"
	if err := ops.WriteFile("bin.dat", encoded, EncodingBase64, true); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := ops.ReadFile("bin.dat", EncodingBase64, true)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got != encoded {
		t.Fatalf("expected roundtrip base64, got %q", got)
	}
}

func TestPathTraversalRejected(t *testing.T) {
	ops, _ := newTestOps(t)
	if err := ops.WriteFile("../outside.txt", "x", EncodingUTF8, true); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
}

func TestDenyListRejected(t *testing.T) {
	ops, _ := newTestOps(t)
	if _, err := ops.ReadFile("/etc/passwd", EncodingUTF8, true); err == nil {
		t.Fatalf("expected deny-listed path to be rejected")
	}
}

func TestInternalCallerBypassesPolicy(t *testing.T) {
	ops, root := newTestOps(t)
	outside := filepath.Join(filepath.Dir(root), "internal-bypass.txt")
	defer os.Remove(outside)
	if err := ops.WriteFile(outside, "internal", EncodingUTF8, false); err != nil {
		t.Fatalf("expected internal caller to bypass policy: %v", err)
	}
}

func TestMkdirRecursive(t *testing.T) {
	ops, root := newTestOps(t)
	if err := ops.Mkdir("a/b/c", true, true); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "a", "b", "c")); err != nil {
		t.Fatalf("expected directory to exist: %v", err)
	}
}

func TestListFiles(t *testing.T) {
	ops, _ := newTestOps(t)
	ops.WriteFile("one.txt", "1", EncodingUTF8, true)
	ops.Mkdir("sub", true, true)

	entries, err := ops.ListFiles(".", true)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(entries), entries)
	}
	var sawFile, sawDir bool
	for _, e := range entries {
		if e.Name == "one.txt" && e.Type == "file" {
			sawFile = true
		}
		if e.Name == "sub" && e.Type == "directory" {
			sawDir = true
		}
	}
	if !sawFile || !sawDir {
		t.Fatalf("expected one.txt file and sub directory, got %+v", entries)
	}
}

func TestMoveFile(t *testing.T) {
	ops, root := newTestOps(t)
	ops.WriteFile("src.txt", "data", EncodingUTF8, true)
	if err := ops.MoveFile("src.txt", "dst.txt", true); err != nil {
		t.Fatalf("MoveFile: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "src.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected src.txt to be gone")
	}
	content, err := ops.ReadFile("dst.txt", EncodingUTF8, true)
	if err != nil || content != "data" {
		t.Fatalf("expected dst.txt to contain data, got %q err=%v", content, err)
	}
}

func TestDeleteFile(t *testing.T) {
	ops, root := newTestOps(t)
	ops.WriteFile("gone.txt", "x", EncodingUTF8, true)
	if err := ops.DeleteFile("gone.txt", true); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "gone.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected file removed")
	}
}

func TestReadFileStreamEmitsMetadataChunksAndComplete(t *testing.T) {
	ops, _ := newTestOps(t)
	ops.WriteFile("stream.txt", "abcdef", EncodingUTF8, true)

	var types []string
	var data string
	err := ops.ReadFileStream("stream.txt", true, func(ev StreamEvent) error {
		types = append(types, ev.Type)
		if ev.Type == "chunk" {
			data += ev.Data
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ReadFileStream: %v", err)
	}
	if types[0] != "metadata" || types[len(types)-1] != "complete" {
		t.Fatalf("unexpected event sequence: %v", types)
	}
	if data != "abcdef" {
		t.Fatalf("expected reconstructed data abcdef, got %q", data)
	}
}

func TestReadFileStreamMissingFileEmitsError(t *testing.T) {
	ops, _ := newTestOps(t)
	var gotError bool
	err := ops.ReadFileStream("missing.txt", true, func(ev StreamEvent) error {
		if ev.Type == "error" {
			gotError = true
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ReadFileStream send error: %v", err)
	}
	if !gotError {
		t.Fatalf("expected an error event for missing file")
	}
}
