// Package sandboxserver implements the sandbox HTTP server: the `/api/*`
// route table wired to the process supervisor, command executor, file
// operations, git client, port registry, reverse proxy, and snapshot
// engine. Server is a struct holding every subsystem plus a
// *http.ServeMux built once in the constructor.
package sandboxserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/apperr"
	"github.com/nextlevelbuilder/goclaw/internal/execd"
	"github.com/nextlevelbuilder/goclaw/internal/files"
	"github.com/nextlevelbuilder/goclaw/internal/gitclient"
	"github.com/nextlevelbuilder/goclaw/internal/logbuf"
	"github.com/nextlevelbuilder/goclaw/internal/ports"
	"github.com/nextlevelbuilder/goclaw/internal/process"
	"github.com/nextlevelbuilder/goclaw/internal/proxy"
	"github.com/nextlevelbuilder/goclaw/internal/security"
	"github.com/nextlevelbuilder/goclaw/internal/snapshot"
	"github.com/nextlevelbuilder/goclaw/internal/state"
	"github.com/nextlevelbuilder/goclaw/internal/wire"
)

// maxRequestBody bounds the size of a decoded JSON request body.
const maxRequestBody = 32 << 20

// candidateCommands are probed against PATH at startup to answer
// GET /api/commands, reporting what the sandbox image actually makes
// available rather than a hardcoded guess.
var candidateCommands = []string{
	"bash", "sh", "git", "tar", "zstd", "curl", "wget", "node", "npm",
	"python3", "pip3", "go", "make", "grep", "find", "sed", "awk",
}

// Server owns the sandbox's HTTP surface and every subsystem it fronts.
type Server struct {
	sandbox    *state.Sandbox
	supervisor *process.Supervisor
	executor   *execd.Executor
	files      *files.Ops
	git        *gitclient.Client
	portReg    *ports.Registry
	proxy      *proxy.Proxy
	snapshots  *snapshot.Engine

	securityLog *logbuf.Buffer
	commands    []string

	healthy atomic.Bool
	mux     *http.ServeMux

	mu        sync.Mutex
	startedAt time.Time
}

// New builds the sandbox HTTP server and registers every route. The
// supplied subsystems must already be constructed against the same
// sandbox state and workspace.
func New(sb *state.Sandbox, sup *process.Supervisor, exec *execd.Executor, fileOps *files.Ops, git *gitclient.Client, portReg *ports.Registry, px *proxy.Proxy, snap *snapshot.Engine) *Server {
	s := &Server{
		sandbox:     sb,
		supervisor:  sup,
		executor:    exec,
		files:       fileOps,
		git:         git,
		portReg:     portReg,
		proxy:       px,
		snapshots:   snap,
		securityLog: logbuf.New(256 * 1024),
		commands:    detectCommands(),
	}
	s.healthy.Store(true)
	security.SetEventSink(s.recordSecurityEvent)
	s.mux = http.NewServeMux()
	s.routes()
	s.mux.HandleFunc("/", s.handleEdgeForwardedProxy)
	return s
}

// handleEdgeForwardedProxy is the fallback for any request that didn't
// match an /api/* route: the edge router forwards sandbox preview
// traffic here tagged with X-Sandbox-Port/X-Sandbox-Token, and this
// dispatches it into the reverse proxy.
func (s *Server) handleEdgeForwardedProxy(w http.ResponseWriter, r *http.Request) {
	portHeader := r.Header.Get("X-Sandbox-Port")
	if portHeader == "" {
		http.NotFound(w, r)
		return
	}
	port, err := strconv.Atoi(portHeader)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	token := r.Header.Get("X-Sandbox-Token")
	s.proxy.Route(w, r, port, token)
}

func detectCommands() []string {
	var found []string
	for _, c := range candidateCommands {
		if _, err := exec.LookPath(c); err == nil {
			found = append(found, c)
		}
	}
	sort.Strings(found)
	return found
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if wire.HandlePreflight(w, r) {
		return
	}
	wire.SetCORSHeaders(w)
	if !s.healthy.Load() {
		wire.WriteError(w, apperr.WithCode(apperr.CodeInternal, http.StatusServiceUnavailable, "sandbox is unhealthy"))
		return
	}
	if name := r.Header.Get("X-Sandbox-Name"); name != "" {
		_ = s.sandbox.SetName(name)
	}
	s.mux.ServeHTTP(w, r)
}

// OnStart logs readiness.
func (s *Server) OnStart() {
	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()
	slog.Info("sandbox server ready", "sandboxName", s.sandbox.Name(), "commands", len(s.commands))
}

// OnStop drains the sandbox: kills every non-terminal process best-effort
// and marks the server unhealthy so ServeHTTP starts returning 503.
func (s *Server) OnStop(ctx context.Context) {
	killed := s.supervisor.KillAll()
	slog.Info("sandbox server stopping", "processesKilled", killed)
	s.healthy.Store(false)
}

// OnError logs an unexpected failure and marks the sandbox unhealthy until
// the next start.
func (s *Server) OnError(err error) {
	slog.Error("sandbox server error", "error", err)
	s.healthy.Store(false)
}

func (s *Server) routes() {
	s.handle("/api/ping", http.MethodGet, s.handlePing)
	s.handle("/api/commands", http.MethodGet, s.handleCommands)
	s.handle("/api/execute", http.MethodPost, s.handleExecute)
	s.handle("/api/execute/stream", http.MethodPost, s.handleExecuteStream)

	s.handle("/api/process/start", http.MethodPost, s.handleProcessStart)
	s.handle("/api/process/list", http.MethodGet, s.handleProcessList)
	s.handle("/api/process/", "", s.handleProcessByID) // id, id/logs, id/logs/stream

	s.handle("/api/file/write", http.MethodPost, s.handleFileWrite)
	s.handle("/api/file/read", http.MethodPost, s.handleFileRead)
	s.handle("/api/file/read/stream", http.MethodPost, s.handleFileReadStream)
	s.handle("/api/file/delete", http.MethodPost, s.handleFileDelete)
	s.handle("/api/file/rename", http.MethodPost, s.handleFileRename)
	s.handle("/api/file/move", http.MethodPost, s.handleFileMove)
	s.handle("/api/file/mkdir", http.MethodPost, s.handleFileMkdir)
	s.handle("/api/file/list", http.MethodGet, s.handleFileList)

	s.handle("/api/git/checkout", http.MethodPost, s.handleGitCheckout)

	s.handle("/api/expose-port", http.MethodPost, s.handleExposePort)
	s.handle("/api/exposed-ports", http.MethodGet, s.handleExposedPorts)
	s.handle("/api/exposed-ports/", http.MethodDelete, s.handleUnexposePort)
	s.handle("/api/port-watch", http.MethodPost, s.handlePortWatch)

	s.handle("/api/snapshot/create", http.MethodPost, s.handleSnapshotCreate)
	s.handle("/api/snapshot/apply", http.MethodPost, s.handleSnapshotApply)

	s.handle("/api/debug/security-events", http.MethodGet, s.handleSecurityEvents)
}

func (s *Server) handle(pattern, method string, fn http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if method != "" && r.Method != method {
			wire.WriteError(w, apperr.WithCode(apperr.CodeNotFound, http.StatusMethodNotAllowed, "method not allowed"))
			return
		}
		fn(w, r)
	})
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && err != io.EOF {
		wire.WriteError(w, apperr.Validation("malformed JSON body: "+err.Error()))
		return false
	}
	return true
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	wire.WriteJSON(w, http.StatusOK, map[string]any{"message": "pong"})
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	wire.WriteJSON(w, http.StatusOK, map[string]any{
		"availableCommands": s.commands,
		"count":             len(s.commands),
	})
}

func (s *Server) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	raw := s.securityLog.Snapshot()
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	events := make([]json.RawMessage, 0, len(lines))
	for _, l := range lines {
		if l == "" {
			continue
		}
		events = append(events, json.RawMessage(l))
	}
	wire.WriteJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// recordSecurityEvent appends ev to the in-memory ring in addition to the
// structured slog record security.LogEvent already wrote.
func (s *Server) recordSecurityEvent(ev security.Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = s.securityLog.Write(append(raw, '\n'))
}

type executeRequest struct {
	Command   string            `json:"command"`
	SessionID string            `json:"sessionId"`
	Cwd       string            `json:"cwd"`
	Env       map[string]string `json:"env"`
	TimeoutMs int               `json:"timeout"`
}

func (req executeRequest) options() execd.Options {
	opts := execd.Options{SessionID: req.SessionID, Env: req.Env, Cwd: req.Cwd}
	if req.TimeoutMs > 0 {
		opts.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	return opts
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	result, err := s.executor.Exec(r.Context(), req.Command, req.options())
	if err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, map[string]any{
		"success":  result.Success,
		"exitCode": result.ExitCode,
		"stdout":   result.Stdout,
		"stderr":   result.Stderr,
		"command":  result.Command,
		"duration": result.Duration,
	})
}

func (s *Server) handleExecuteStream(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	sse, err := wire.NewSSEWriter(w)
	if err != nil {
		return
	}
	_ = s.executor.ExecStream(r.Context(), req.Command, req.options(), func(ev execd.StreamEvent) error {
		return sse.Send(ev)
	})
}

type processStartRequest struct {
	Command     string            `json:"command"`
	ProcessID   string            `json:"processId"`
	SessionID   string            `json:"sessionId"`
	Env         map[string]string `json:"env"`
	Cwd         string            `json:"cwd"`
	AutoCleanup bool              `json:"autoCleanup"`
	TimeoutMs   int               `json:"timeout"`
}

func (s *Server) handleProcessStart(w http.ResponseWriter, r *http.Request) {
	var req processStartRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	opts := process.StartOptions{
		Command:     req.Command,
		ProcessID:   req.ProcessID,
		SessionID:   req.SessionID,
		Env:         req.Env,
		Cwd:         req.Cwd,
		AutoCleanup: req.AutoCleanup,
	}
	if req.TimeoutMs > 0 {
		opts.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	info, err := s.supervisor.Start(r.Context(), opts)
	if err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, map[string]any{"process": processView(info)})
}

func processView(info process.Info) map[string]any {
	return map[string]any{
		"id":        info.ID,
		"pid":       info.PID,
		"command":   info.Command,
		"status":    info.Status,
		"startTime": info.StartTime,
		"sessionId": info.SessionID,
	}
}

func (s *Server) handleProcessList(w http.ResponseWriter, r *http.Request) {
	list := s.supervisor.List()
	views := make([]map[string]any, 0, len(list))
	for _, p := range list {
		views = append(views, processView(p))
	}
	wire.WriteJSON(w, http.StatusOK, map[string]any{"processes": views, "count": len(views)})
}

// handleProcessByID dispatches /api/process/{id}, /api/process/{id}/logs,
// and /api/process/{id}/logs/stream by splitting the trailing path.
func (s *Server) handleProcessByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/process/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		wire.WriteError(w, apperr.NotFound("process", ""))
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.getProcess(w, id)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.deleteProcess(w, id)
	case len(parts) == 2 && parts[1] == "logs" && r.Method == http.MethodGet:
		s.getProcessLogs(w, r, id)
	case len(parts) == 3 && parts[1] == "logs" && parts[2] == "stream" && r.Method == http.MethodGet:
		s.streamProcessLogs(w, r, id)
	default:
		wire.WriteError(w, apperr.WithCode(apperr.CodeNotFound, http.StatusMethodNotAllowed, "unsupported process route"))
	}
}

func (s *Server) getProcess(w http.ResponseWriter, id string) {
	info, ok := s.supervisor.Get(id)
	if !ok {
		wire.WriteJSON(w, http.StatusOK, map[string]any{"process": nil})
		return
	}
	wire.WriteJSON(w, http.StatusOK, map[string]any{"process": processView(info)})
}

func (s *Server) deleteProcess(w http.ResponseWriter, id string) {
	if err := s.supervisor.Kill(id); err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, map[string]any{"message": "process killed"})
}

func (s *Server) getProcessLogs(w http.ResponseWriter, r *http.Request, id string) {
	stdout, stderr, err := s.supervisor.Logs(id)
	if err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, map[string]any{"stdout": stdout, "stderr": stderr, "offset": len(stdout)})
}

func (s *Server) streamProcessLogs(w http.ResponseWriter, r *http.Request, id string) {
	since := int64(-1)
	if raw := r.URL.Query().Get("since"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			since = v
		}
	}
	sse, err := wire.NewSSEWriter(w)
	if err != nil {
		return
	}
	_ = s.supervisor.StreamLogs(r.Context(), id, since, since, func(ev process.LogEvent) error {
		return sse.Send(ev)
	})
}

type fileWriteRequest struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

func (s *Server) handleFileWrite(w http.ResponseWriter, r *http.Request) {
	var req fileWriteRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	enc := files.Encoding(req.Encoding)
	if enc == "" {
		enc = files.EncodingUTF8
	}
	if err := s.files.WriteFile(req.Path, req.Content, enc, true); err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, map[string]any{"path": req.Path, "bytesWritten": len(req.Content)})
}

type fileReadRequest struct {
	Path     string `json:"path"`
	Encoding string `json:"encoding"`
}

func (s *Server) handleFileRead(w http.ResponseWriter, r *http.Request) {
	var req fileReadRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	enc := files.Encoding(req.Encoding)
	if enc == "" {
		enc = files.EncodingUTF8
	}
	content, err := s.files.ReadFile(req.Path, enc, true)
	if err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, map[string]any{"path": req.Path, "content": content, "size": len(content)})
}

func (s *Server) handleFileReadStream(w http.ResponseWriter, r *http.Request) {
	var req fileReadRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	sse, err := wire.NewSSEWriter(w)
	if err != nil {
		return
	}
	_ = s.files.ReadFileStream(req.Path, true, func(ev files.StreamEvent) error {
		return sse.Send(ev)
	})
}

type filePathRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleFileDelete(w http.ResponseWriter, r *http.Request) {
	var req filePathRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.files.DeleteFile(req.Path, true); err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, map[string]any{"path": req.Path})
}

type fileRenameRequest struct {
	OldPath string `json:"oldPath"`
	NewPath string `json:"newPath"`
}

func (s *Server) handleFileRename(w http.ResponseWriter, r *http.Request) {
	var req fileRenameRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.files.RenameFile(req.OldPath, req.NewPath, true); err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, map[string]any{"path": req.OldPath, "newPath": req.NewPath})
}

type fileMoveRequest struct {
	SourcePath      string `json:"sourcePath"`
	DestinationPath string `json:"destinationPath"`
}

func (s *Server) handleFileMove(w http.ResponseWriter, r *http.Request) {
	var req fileMoveRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.files.MoveFile(req.SourcePath, req.DestinationPath, true); err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, map[string]any{"path": req.SourcePath, "newPath": req.DestinationPath})
}

type fileMkdirRequest struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

func (s *Server) handleFileMkdir(w http.ResponseWriter, r *http.Request) {
	var req fileMkdirRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.files.Mkdir(req.Path, req.Recursive, true); err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, map[string]any{"path": req.Path, "recursive": req.Recursive})
}

func (s *Server) handleFileList(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	entries, err := s.files.ListFiles(path, true)
	if err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, map[string]any{"path": path, "files": entries})
}

type gitCheckoutRequest struct {
	RepoURL   string `json:"repoUrl"`
	SessionID string `json:"sessionId"`
	Branch    string `json:"branch"`
	TargetDir string `json:"targetDir"`
	Depth     int    `json:"depth"`
}

func (s *Server) handleGitCheckout(w http.ResponseWriter, r *http.Request) {
	var req gitCheckoutRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	result, err := s.git.Checkout(r.Context(), req.RepoURL, gitclient.Options{
		Branch:        req.Branch,
		TargetDir:     req.TargetDir,
		Depth:         req.Depth,
		SessionID:     req.SessionID,
		EnforcePolicy: true,
	})
	if err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, map[string]any{
		"repoUrl":   req.RepoURL,
		"branch":    result.Branch,
		"targetDir": result.TargetDir,
		"stdout":    "",
		"stderr":    "",
		"exitCode":  0,
	})
}

type exposePortRequest struct {
	Port      int    `json:"port"`
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
	Token     string `json:"token"`
}

func (s *Server) handleExposePort(w http.ResponseWriter, r *http.Request) {
	var req exposePortRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	rec, err := s.portReg.Expose(req.Port, req.SessionID, req.Name, req.Token)
	if err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, map[string]any{
		"port":  rec.Port,
		"name":  rec.Name,
		"token": rec.Token,
		"url":   "https://" + strconv.Itoa(rec.Port) + "-" + s.sandbox.Name() + "-" + rec.Token,
	})
}

func (s *Server) handleExposedPorts(w http.ResponseWriter, r *http.Request) {
	records := s.portReg.List()
	wire.WriteJSON(w, http.StatusOK, map[string]any{"ports": records, "count": len(records)})
}

func (s *Server) handleUnexposePort(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/exposed-ports/")
	port, err := strconv.Atoi(strings.Trim(rest, "/"))
	if err != nil {
		wire.WriteError(w, apperr.Validation("port must be an integer"))
		return
	}
	if err := s.portReg.Unexpose(port); err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, map[string]any{"port": port})
}

type portWatchRequest struct {
	Port      int `json:"port"`
	TimeoutMs int `json:"timeoutMs"`
}

func (s *Server) handlePortWatch(w http.ResponseWriter, r *http.Request) {
	var req portWatchRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	timeout := 30 * time.Second
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	sse, err := wire.NewSSEWriter(w)
	if err != nil {
		return
	}
	_ = ports.Watch(r.Context(), req.Port, timeout, func(ev ports.WatchEvent) error {
		return sse.Send(ev)
	})
}

type r2Config struct {
	Bucket          string `json:"bucket"`
	Endpoint        string `json:"endpoint"`
	Region          string `json:"region"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
}

func (c r2Config) toStore() snapshot.ObjectStore {
	return snapshot.ObjectStore{
		Bucket:          c.Bucket,
		Endpoint:        c.Endpoint,
		Region:          c.Region,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
	}
}

type snapshotCreateRequest struct {
	Directory        string   `json:"directory"`
	CompressionLevel int      `json:"compressionLevel"`
	R2               r2Config `json:"r2"`
}

func (s *Server) handleSnapshotCreate(w http.ResponseWriter, r *http.Request) {
	var req snapshotCreateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	sse, err := wire.NewSSEWriter(w)
	if err != nil {
		return
	}
	engine := snapshot.New(req.R2.toStore())
	level := req.CompressionLevel
	if level <= 0 {
		level = 3
	}
	_ = engine.Create(r.Context(), req.Directory, level, func(ev snapshot.Progress) error {
		return sse.Send(ev)
	})
}

type snapshotApplyRequest struct {
	ID              string   `json:"id"`
	TargetDirectory string   `json:"targetDirectory"`
	R2              r2Config `json:"r2"`
}

func (s *Server) handleSnapshotApply(w http.ResponseWriter, r *http.Request) {
	var req snapshotApplyRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	sse, err := wire.NewSSEWriter(w)
	if err != nil {
		return
	}
	engine := snapshot.New(req.R2.toStore())
	_ = engine.Apply(r.Context(), req.ID, req.TargetDirectory, func(ev snapshot.Progress) error {
		return sse.Send(ev)
	})
}
