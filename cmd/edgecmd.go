package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw/internal/edge"
	"github.com/nextlevelbuilder/goclaw/internal/sbconfig"
)

func edgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edge",
		Short: "run the preview edge router",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdge(resolveConfigPath())
		},
	}
}

func runEdge(configPath string) error {
	cfg, err := sbconfig.Load(configPath)
	if err != nil {
		return err
	}
	resolver, err := loadStaticResolver(cfg.EdgeResolverFile)
	if err != nil {
		return fmt.Errorf("edge: %w", err)
	}

	rt := edge.New(resolver, remoteTokenValidator{resolver: resolver})
	slog.Info("edge router listening", "addr", cfg.EdgeListenAddr, "sandboxes", len(resolver))
	return http.ListenAndServe(cfg.EdgeListenAddr, rt)
}

// remoteTokenValidator checks a (sandboxId, port, token) triple by asking
// that sandbox's own control plane for its current exposed-port list — a
// standalone edge process has no in-process access to any sandbox's port
// registry, so it delegates the check rather than re-implementing one.
type remoteTokenValidator struct {
	resolver edge.SandboxResolver
}

func (v remoteTokenValidator) ValidatePortToken(sandboxID string, port int, token string) bool {
	endpoint, err := v.resolver.Resolve(sandboxID)
	if err != nil {
		return false
	}
	resp, err := http.Get(endpoint + "/api/exposed-ports")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var body struct {
		Ports []struct {
			Port  int    `json:"port"`
			Token string `json:"token"`
		} `json:"ports"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	for _, rec := range body.Ports {
		if rec.Port == port && rec.Token == token {
			return true
		}
	}
	return false
}
