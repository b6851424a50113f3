package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw/internal/bridge"
	"github.com/nextlevelbuilder/goclaw/internal/sbconfig"
)

func bridgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bridge",
		Short: "run the bearer-authenticated bridge in front of many sandboxes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(resolveConfigPath())
		},
	}
}

func runBridge(configPath string) error {
	cfg, err := sbconfig.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.BridgeAPIKey == "" {
		return fmt.Errorf("bridge: SANDBOXD_BRIDGE_API_KEY (or bridgeApiKey in config) must be set")
	}
	resolver, err := loadStaticResolver(cfg.BridgeResolverFile)
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}

	b := bridge.New(cfg.BridgeAPIKey, resolver)
	slog.Info("bridge listening", "addr", cfg.BridgeListenAddr, "sandboxes", len(resolver))
	return http.ListenAndServe(cfg.BridgeListenAddr, b)
}

// loadStaticResolver reads a JSON {sandboxId: endpoint} object from path.
// A missing path yields an empty, updatable-only-by-restart resolver.
func loadStaticResolver(path string) (bridge.StaticResolver, error) {
	resolver := bridge.StaticResolver{}
	if path == "" {
		return resolver, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return resolver, nil
		}
		return nil, fmt.Errorf("read resolver file %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &resolver); err != nil {
		return nil, fmt.Errorf("parse resolver file %s: %w", path, err)
	}
	return resolver, nil
}
