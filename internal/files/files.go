package files

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/nextlevelbuilder/goclaw/internal/apperr"
)

// Encoding selects the text/binary transfer mode for writeFile/readFile.
type Encoding string

const (
	EncodingUTF8   Encoding = "utf-8"
	EncodingBase64 Encoding = "base64"
)

// Ops implements the file operation surface bound to one Resolver.
type Ops struct {
	resolver *Resolver
}

// New creates an Ops rooted at the Resolver's sandbox root.
func New(resolver *Resolver) *Ops {
	return &Ops{resolver: resolver}
}

// Entry is one listFiles result row.
type Entry struct {
	Name string `json:"name"`
	Type string `json:"type"` // file | directory | symlink
	Size *int64 `json:"size,omitempty"`
}

// Mkdir creates path, optionally with parents.
func (o *Ops) Mkdir(path string, recursive bool, enforce bool) error {
	resolved, err := o.resolver.Resolve(path, enforce)
	if err != nil {
		return err
	}
	if recursive {
		err = os.MkdirAll(resolved, 0o755)
	} else {
		err = os.Mkdir(resolved, 0o755)
	}
	if err != nil {
		return wrapFSError(err, resolved)
	}
	return nil
}

// WriteFile writes content (decoded per encoding) to path.
func (o *Ops) WriteFile(path string, content string, encoding Encoding, enforce bool) error {
	resolved, err := o.resolver.Resolve(path, enforce)
	if err != nil {
		return err
	}
	if err := checkHardlink(resolved); err != nil {
		return err
	}

	data, err := decodeContent(content, encoding)
	if err != nil {
		return apperr.Validation(err.Error())
	}

	if err := os.WriteFile(resolved, data, 0o644); err != nil {
		return wrapFSError(err, resolved)
	}
	return nil
}

func decodeContent(content string, encoding Encoding) ([]byte, error) {
	switch encoding {
	case "", EncodingUTF8:
		return []byte(content), nil
	case EncodingBase64:
		data, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 content: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}

// ReadFile reads path and returns content encoded per encoding ("" = utf-8).
func (o *Ops) ReadFile(path string, encoding Encoding, enforce bool) (string, error) {
	resolved, err := o.resolver.Resolve(path, enforce)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", wrapFSError(err, resolved)
	}
	if encoding == EncodingBase64 {
		return base64.StdEncoding.EncodeToString(data), nil
	}
	return string(data), nil
}

// DeleteFile removes path (file or empty directory semantics follow os.Remove).
func (o *Ops) DeleteFile(path string, enforce bool) error {
	resolved, err := o.resolver.Resolve(path, enforce)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(resolved); err != nil {
		return wrapFSError(err, resolved)
	}
	return nil
}

// RenameFile renames oldPath to newPath within the same directory semantics as os.Rename.
func (o *Ops) RenameFile(oldPath, newPath string, enforce bool) error {
	return o.MoveFile(oldPath, newPath, enforce)
}

// MoveFile moves src to dst, validating both paths under the policy.
func (o *Ops) MoveFile(src, dst string, enforce bool) error {
	resolvedSrc, err := o.resolver.Resolve(src, enforce)
	if err != nil {
		return err
	}
	resolvedDst, err := o.resolver.Resolve(dst, enforce)
	if err != nil {
		return err
	}
	if _, err := os.Stat(resolvedSrc); err != nil {
		return wrapFSError(err, resolvedSrc)
	}
	if err := os.Rename(resolvedSrc, resolvedDst); err != nil {
		return wrapFSError(err, resolvedDst)
	}
	return nil
}

// ListFiles lists the immediate children of path.
func (o *Ops) ListFiles(path string, enforce bool) ([]Entry, error) {
	resolved, err := o.resolver.Resolve(path, enforce)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, wrapFSError(err, resolved)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			continue
		}
		entryType := "file"
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			entryType = "symlink"
		case de.IsDir():
			entryType = "directory"
		}
		entry := Entry{Name: de.Name(), Type: entryType}
		if entryType == "file" {
			size := info.Size()
			entry.Size = &size
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// StreamEvent is one frame of readFileStream's SSE shape.
type StreamEvent struct {
	Type     string `json:"type"` // metadata | chunk | complete | error
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
	IsBinary bool   `json:"isBinary,omitempty"`
	Encoding string `json:"encoding,omitempty"`
	Data     string `json:"data,omitempty"`
	Message  string `json:"message,omitempty"`
}

const streamChunkSize = 64 * 1024

// ReadFileStream emits metadata, then chunk events, then complete (or a
// single error event on failure), via send.
func (o *Ops) ReadFileStream(path string, enforce bool, send func(StreamEvent) error) error {
	resolved, err := o.resolver.Resolve(path, enforce)
	if err != nil {
		return send(StreamEvent{Type: "error", Message: err.Error()})
	}

	f, err := os.Open(resolved)
	if err != nil {
		return send(StreamEvent{Type: "error", Message: wrapFSError(err, resolved).Error()})
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return send(StreamEvent{Type: "error", Message: err.Error()})
	}

	buf := make([]byte, streamChunkSize)
	head, _ := f.Read(buf)
	sniffed := buf[:head]
	mimeType := http.DetectContentType(sniffed)
	isBinary := !isTextMime(mimeType)
	encoding := "utf-8"
	if isBinary {
		encoding = "base64"
	}

	if err := send(StreamEvent{Type: "metadata", MimeType: mimeType, Size: info.Size(), IsBinary: isBinary, Encoding: encoding}); err != nil {
		return err
	}

	if head > 0 {
		if err := send(chunkEvent(sniffed[:head], isBinary)); err != nil {
			return err
		}
	}

	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			if err := send(chunkEvent(buf[:n], isBinary)); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return send(StreamEvent{Type: "error", Message: readErr.Error()})
		}
	}

	return send(StreamEvent{Type: "complete"})
}

func chunkEvent(data []byte, isBinary bool) StreamEvent {
	if isBinary {
		return StreamEvent{Type: "chunk", Data: base64.StdEncoding.EncodeToString(data)}
	}
	return StreamEvent{Type: "chunk", Data: string(data)}
}

func isTextMime(mimeType string) bool {
	switch {
	case len(mimeType) >= 5 && mimeType[:5] == "text/":
		return true
	case mimeType == "application/json", mimeType == "application/xml", mimeType == "application/javascript":
		return true
	default:
		return false
	}
}

func wrapFSError(err error, path string) error {
	if os.IsNotExist(err) {
		return apperr.NotFound("file", path)
	}
	if os.IsPermission(err) {
		return apperr.WithCode(apperr.CodePermissionDenied, 403, fmt.Sprintf("permission denied: %s", filepath.Base(path)))
	}
	if os.IsExist(err) {
		return apperr.WithCode(apperr.CodeFileExists, 409, fmt.Sprintf("already exists: %s", filepath.Base(path)))
	}
	return apperr.WithCode(apperr.CodeFilesystemError, 500, err.Error())
}
