// Package snapshot implements the directory snapshot engine: tar|zstd
// pipelines shelled out as subprocesses, streamed through presigned
// S3-compatible URLs obtained via aws-sdk-go-v2/service/s3. Git, tar,
// and zstd stay subprocess-only per the control plane's external
// process contract; only the object-storage leg uses a Go library.
package snapshot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// ObjectStore describes the S3-compatible bucket snapshots are shipped
// to/from.
type ObjectStore struct {
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

func (o ObjectStore) presignClient(ctx context.Context) (*s3.PresignClient, error) {
	region := o.Region
	if region == "" {
		region = "auto"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(o.AccessKeyID, o.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("snapshot: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o2 *s3.Options) {
		if o.Endpoint != "" {
			o2.BaseEndpoint = aws.String(o.Endpoint)
		}
		o2.UsePathStyle = true
	})
	return s3.NewPresignClient(client), nil
}

// Progress is one SSE frame shared by create/apply.
type Progress struct {
	Type      string    `json:"type"` // start | progress | complete | error
	ID        string    `json:"id,omitempty"`
	BytesSent int64     `json:"bytesSent,omitempty"`
	BytesRecv int64     `json:"bytesRecv,omitempty"`
	SizeBytes int64     `json:"sizeBytes,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	Bucket    string    `json:"bucket,omitempty"`
	Key       string    `json:"key,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Engine drives create/apply snapshot pipelines.
type Engine struct {
	store ObjectStore
}

// New creates an Engine bound to a single object store target.
func New(store ObjectStore) *Engine {
	return &Engine{store: store}
}

func objectKey(id string) string { return fmt.Sprintf("snapshots/%s.tar.zst", id) }

// Create tars and zstd-compresses directory, streaming the result to a
// presigned PUT, emitting progress via send.
func (e *Engine) Create(ctx context.Context, directory string, compressionLevel int, send func(Progress) error) error {
	info, err := os.Stat(directory)
	if err != nil || !info.IsDir() {
		return send(Progress{Type: "error", Message: fmt.Sprintf("directory not found: %s", directory)})
	}
	if compressionLevel <= 0 {
		compressionLevel = 3
	}

	id := uuid.NewString()
	key := objectKey(id)

	presignClient, err := e.store.presignClient(ctx)
	if err != nil {
		return send(Progress{Type: "error", Message: err.Error()})
	}

	var putURL string
	op := func() (string, error) {
		req, err := presignClient.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(e.store.Bucket),
			Key:    aws.String(key),
		}, s3.WithPresignExpires(15*time.Minute))
		if err != nil {
			return "", err
		}
		return req.URL, nil
	}
	putURL, err = backoff.Retry(ctx, op, backoff.WithMaxTries(3))
	if err != nil {
		return send(Progress{Type: "error", Message: fmt.Sprintf("failed to presign upload: %v", err)})
	}

	if err := send(Progress{Type: "start", ID: id}); err != nil {
		return err
	}

	tarCmd := exec.CommandContext(ctx, "tar", "-cf", "-", "-C", directory, ".")
	zstdCmd := exec.CommandContext(ctx, "zstd", fmt.Sprintf("-%d", compressionLevel), "-T0")

	tarOut, err := tarCmd.StdoutPipe()
	if err != nil {
		return send(Progress{Type: "error", Message: err.Error()})
	}
	zstdCmd.Stdin = tarOut
	zstdOut, err := zstdCmd.StdoutPipe()
	if err != nil {
		return send(Progress{Type: "error", Message: err.Error()})
	}

	if err := tarCmd.Start(); err != nil {
		return send(Progress{Type: "error", Message: err.Error()})
	}
	if err := zstdCmd.Start(); err != nil {
		return send(Progress{Type: "error", Message: err.Error()})
	}

	counter := &countingReader{r: zstdOut}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, putURL, counter)
	if err != nil {
		return send(Progress{Type: "error", Message: err.Error()})
	}
	req.ContentLength = -1

	done := make(chan error, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			done <- err
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			done <- fmt.Errorf("upload failed with status %d", resp.StatusCode)
			return
		}
		done <- nil
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	var uploadErr error
loop:
	for {
		select {
		case uploadErr = <-done:
			break loop
		case <-ticker.C:
			if err := send(Progress{Type: "progress", BytesSent: counter.n.Load()}); err != nil {
				return err
			}
		}
	}

	tarErr := tarCmd.Wait()
	zstdErr := zstdCmd.Wait()
	switch {
	case uploadErr != nil:
		return send(Progress{Type: "error", Message: uploadErr.Error()})
	case tarErr != nil:
		return send(Progress{Type: "error", Message: fmt.Sprintf("tar failed: %v", tarErr)})
	case zstdErr != nil:
		return send(Progress{Type: "error", Message: fmt.Sprintf("zstd failed: %v", zstdErr)})
	}

	return send(Progress{
		Type:      "complete",
		ID:        id,
		SizeBytes: counter.n.Load(),
		CreatedAt: time.Now().UTC(),
		Bucket:    e.store.Bucket,
		Key:       key,
	})
}

// Apply downloads snapshot id and extracts it atomically into
// targetDirectory.
func (e *Engine) Apply(ctx context.Context, id, targetDirectory string, send func(Progress) error) error {
	key := objectKey(id)
	presignClient, err := e.store.presignClient(ctx)
	if err != nil {
		return send(Progress{Type: "error", Message: err.Error()})
	}

	req, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(e.store.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(15*time.Minute))
	if err != nil {
		return send(Progress{Type: "error", Message: fmt.Sprintf("failed to presign download: %v", err)})
	}

	token := uuid.NewString()
	tmpDir := targetDirectory + ".tmp-" + token
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return send(Progress{Type: "error", Message: err.Error()})
	}

	if err := send(Progress{Type: "start", ID: id}); err != nil {
		os.RemoveAll(tmpDir)
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		os.RemoveAll(tmpDir)
		return send(Progress{Type: "error", Message: err.Error()})
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		os.RemoveAll(tmpDir)
		return send(Progress{Type: "error", Message: err.Error()})
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		os.RemoveAll(tmpDir)
		return send(Progress{Type: "error", Message: fmt.Sprintf("download failed with status %d", resp.StatusCode)})
	}

	zstdCmd := exec.CommandContext(ctx, "zstd", "-d", "-T0")
	tarCmd := exec.CommandContext(ctx, "tar", "-xf", "-", "-C", tmpDir, "--no-same-owner", "--no-same-permissions")

	counter := &countingReader{r: resp.Body}
	zstdCmd.Stdin = counter

	zstdOut, err := zstdCmd.StdoutPipe()
	if err != nil {
		os.RemoveAll(tmpDir)
		return send(Progress{Type: "error", Message: err.Error()})
	}
	tarCmd.Stdin = zstdOut

	if err := zstdCmd.Start(); err != nil {
		os.RemoveAll(tmpDir)
		return send(Progress{Type: "error", Message: err.Error()})
	}
	if err := tarCmd.Start(); err != nil {
		os.RemoveAll(tmpDir)
		return send(Progress{Type: "error", Message: err.Error()})
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	tarDone := make(chan error, 1)
	go func() { tarDone <- tarCmd.Wait() }()

	var tarErr error
loop:
	for {
		select {
		case tarErr = <-tarDone:
			break loop
		case <-ticker.C:
			if err := send(Progress{Type: "progress", BytesRecv: counter.n.Load()}); err != nil {
				os.RemoveAll(tmpDir)
				return err
			}
		}
	}

	zstdErr := zstdCmd.Wait()
	if tarErr != nil || zstdErr != nil {
		os.RemoveAll(tmpDir)
		return send(Progress{Type: "error", Message: fmt.Sprintf("extraction failed: tar=%v zstd=%v", tarErr, zstdErr)})
	}

	if err := atomicReplace(targetDirectory, tmpDir, token); err != nil {
		os.RemoveAll(tmpDir)
		return send(Progress{Type: "error", Message: err.Error()})
	}

	return send(Progress{Type: "complete", ID: id})
}

// atomicReplace swaps tmpDir into place as targetDirectory. If
// targetDirectory already exists it is renamed aside and removed in the
// background, so readers of targetDirectory never observe a partial
// tree.
func atomicReplace(targetDirectory, tmpDir, token string) error {
	if _, err := os.Stat(targetDirectory); err == nil {
		oldDir := targetDirectory + ".old-" + token
		if err := os.Rename(targetDirectory, oldDir); err != nil {
			return fmt.Errorf("snapshot: rename existing target aside: %w", err)
		}
		if err := os.Rename(tmpDir, targetDirectory); err != nil {
			_ = os.Rename(oldDir, targetDirectory)
			return fmt.Errorf("snapshot: rename new tree into place: %w", err)
		}
		go os.RemoveAll(oldDir)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(targetDirectory), 0o755); err != nil {
		return err
	}
	return os.Rename(tmpDir, targetDirectory)
}

// CleanOrphans removes leaked .tmp-*/.old-* sibling directories from a
// prior crash, for a given target directory's parent.
func CleanOrphans(parent string) ([]string, error) {
	entries, err := os.ReadDir(parent)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var removed []string
	for _, e := range entries {
		name := e.Name()
		if containsOrphanMarker(name) {
			full := filepath.Join(parent, name)
			if err := os.RemoveAll(full); err == nil {
				removed = append(removed, full)
			}
		}
	}
	return removed, nil
}

func containsOrphanMarker(name string) bool {
	return strings.Contains(name, ".tmp-") || strings.Contains(name, ".old-")
}

// countingReader wraps an io.Reader, tracking bytes read so far for
// progress events without buffering the stream.
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}
