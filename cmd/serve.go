package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw/internal/execd"
	"github.com/nextlevelbuilder/goclaw/internal/files"
	"github.com/nextlevelbuilder/goclaw/internal/gitclient"
	"github.com/nextlevelbuilder/goclaw/internal/ports"
	"github.com/nextlevelbuilder/goclaw/internal/process"
	"github.com/nextlevelbuilder/goclaw/internal/proxy"
	"github.com/nextlevelbuilder/goclaw/internal/sandboxserver"
	"github.com/nextlevelbuilder/goclaw/internal/sbconfig"
	"github.com/nextlevelbuilder/goclaw/internal/snapshot"
	"github.com/nextlevelbuilder/goclaw/internal/state"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/store/file"
	"github.com/nextlevelbuilder/goclaw/internal/store/pg"
	"github.com/nextlevelbuilder/goclaw/internal/store/sqlite"
)

// openStore selects the store.KV backend named by cfg.StorageBackend.
func openStore(cfg *sbconfig.Config) (store.KV, error) {
	switch cfg.StorageBackend {
	case "", "file":
		return file.New(filepath.Join(cfg.Workspace, ".sandboxd", "kv"))
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.Workspace, ".sandboxd", "sandbox.db")
		}
		return sqlite.Open(path)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("storageBackend=postgres requires SANDBOXD_POSTGRES_DSN")
		}
		return pg.Open(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storageBackend %q", cfg.StorageBackend)
	}
}

const shutdownGrace = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the sandbox HTTP control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(resolveConfigPath())
		},
	}
}

func runServe(configPath string) error {
	cfg, err := sbconfig.Load(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		return fmt.Errorf("serve: create workspace: %w", err)
	}

	kv, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("serve: open kv store: %w", err)
	}

	if removed, err := snapshot.CleanOrphans(filepath.Dir(cfg.Workspace)); err == nil && len(removed) > 0 {
		slog.Info("removed orphaned snapshot directories", "count", len(removed))
	}
	if stopWatch, err := files.WatchOrphans(filepath.Dir(cfg.Workspace), func(path string) {
		slog.Warn("orphaned snapshot directory appeared during runtime", "path", path)
	}); err != nil {
		slog.Warn("orphan directory watch disabled", "error", err)
	} else {
		defer stopWatch()
	}

	sandbox := state.New(kv, cfg.Workspace)
	if cfg.SandboxName != "" {
		if err := sandbox.SetName(cfg.SandboxName); err != nil {
			return fmt.Errorf("serve: set sandbox name: %w", err)
		}
	}

	portReg, err := ports.New(kv)
	if err != nil {
		return fmt.Errorf("serve: open port registry: %w", err)
	}

	fileOps := files.New(files.NewResolver(cfg.Workspace, files.DefaultDenyList))
	gitClient := gitclient.New(cfg.Workspace)
	executor := execd.New(sandbox)
	supervisor := process.NewSupervisor(sandbox, cfg.LogCapacity, cfg.MaxProcesses)
	px := proxy.New(portReg, sandbox.Name())
	snapEngine := snapshot.New(cfg.ObjectStore)

	srv := sandboxserver.New(sandbox, supervisor, executor, fileOps, gitClient, portReg, px, snapEngine)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv,
	}

	srv.OnStart()
	slog.Info("sandbox control plane listening", "addr", cfg.ListenAddr, "workspace", cfg.Workspace)

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			srv.OnError(err)
			return err
		}
	case <-ctx.Done():
		slog.Info("shutting down sandbox control plane")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		srv.OnStop(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	}
	return nil
}
