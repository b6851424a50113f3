package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw/internal/sbconfig"
	"github.com/nextlevelbuilder/goclaw/internal/snapshot"
)

// requiredBinaries are the external processes the control plane shells
// out to: command execution, the tar/zstd snapshot pipeline, and git
// operations.
var requiredBinaries = []string{"git", "tar", "zstd"}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "run startup preflight checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(resolveConfigPath())
		},
	}
}

func runDoctor(configPath string) error {
	cfg, err := sbconfig.Load(configPath)
	if err != nil {
		return err
	}

	ok := true
	check := func(name string, err error) {
		if err != nil {
			fmt.Printf("[FAIL] %-28s %v\n", name, err)
			ok = false
			return
		}
		fmt.Printf("[ OK ] %s\n", name)
	}

	for _, bin := range requiredBinaries {
		_, err := exec.LookPath(bin)
		check(fmt.Sprintf("binary on PATH: %s", bin), err)
	}

	check("workspace writable: "+cfg.Workspace, checkWritable(cfg.Workspace))

	if cfg.ObjectStore.Bucket != "" {
		check("object store configured: "+cfg.ObjectStore.Bucket, nil)
	} else {
		fmt.Println("[SKIP] object store not configured (snapshot create/apply will fail)")
	}

	removed, err := snapshot.CleanOrphans(filepath.Dir(cfg.Workspace))
	if err != nil {
		check("orphaned snapshot cleanup", err)
	} else if len(removed) > 0 {
		fmt.Printf("[ OK ] removed %d orphaned snapshot director(ies)\n", len(removed))
	} else {
		fmt.Println("[ OK ] no orphaned snapshot directories")
	}

	if !ok {
		return fmt.Errorf("doctor: one or more checks failed")
	}
	fmt.Println("all checks passed")
	return nil
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".sandboxd-doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}
