package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/goclaw/cmd.Version=v1.0.0"
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "sandboxd — sandbox control plane, bridge, and preview edge router",
	Long: "sandboxd runs the per-sandbox HTTP/SSE control plane (process\n" +
		"execution, files, git, port exposure, snapshots), the bearer-\n" +
		"authenticated bridge that fronts many sandboxes behind one API key,\n" +
		"and the preview edge router that resolves {port}-{sandboxId}-{token}\n" +
		"hostnames to a sandbox's in-container endpoint.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: sandboxd.json or $SANDBOXD_CONFIG)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(bridgeCmd())
	rootCmd.AddCommand(edgeCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sandboxd %s\n", Version)
		},
	}
}

// resolveConfigPath returns the --config flag, $SANDBOXD_CONFIG, or the
// default sandboxd.json, in that precedence order.
func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("SANDBOXD_CONFIG"); v != "" {
		return v
	}
	return "sandboxd.json"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
