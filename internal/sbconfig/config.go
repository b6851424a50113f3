// Package sbconfig loads the sandboxd process configuration: defaults,
// then an optional JSON file, then environment overrides.
package sbconfig

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/nextlevelbuilder/goclaw/internal/snapshot"
)

// Config is the full sandboxd configuration.
type Config struct {
	// ListenAddr is where the sandbox HTTP control plane listens.
	ListenAddr string `json:"listenAddr"`
	// Workspace is the sandbox's default cwd and the root files/git
	// operations are confined to.
	Workspace string `json:"workspace"`
	// SandboxName seeds internal/state.Sandbox if no record exists yet.
	SandboxName string `json:"sandboxName"`

	LogCapacity  int `json:"logCapacity"`
	MaxProcesses int `json:"maxProcesses"`

	// BridgeListenAddr and BridgeAPIKey configure the bearer-authenticated
	// front door.
	BridgeListenAddr string `json:"bridgeListenAddr"`
	BridgeAPIKey      string `json:"bridgeApiKey"`
	// BridgeResolverFile is a JSON {sandboxId: endpoint} map loaded into a
	// bridge.StaticResolver.
	BridgeResolverFile string `json:"bridgeResolverFile"`

	// EdgeListenAddr configures the outer preview router.
	EdgeListenAddr string `json:"edgeListenAddr"`
	// EdgeResolverFile is a JSON {sandboxId: endpoint} map loaded into an
	// edge.SandboxResolver (the static in-tree implementation).
	EdgeResolverFile string `json:"edgeResolverFile"`

	ObjectStore snapshot.ObjectStore `json:"objectStore"`

	// StorageBackend selects the store.KV implementation backing the
	// sandbox record and port registry: "file" (default), "sqlite", or
	// "postgres".
	StorageBackend string `json:"storageBackend"`
	// SQLitePath is the database file used when StorageBackend is
	// "sqlite".
	SQLitePath string `json:"sqlitePath"`
	// PostgresDSN is the connection string used when StorageBackend is
	// "postgres". Supplied via env only in production; never written to
	// a checked-in config file.
	PostgresDSN string `json:"-"`
}

// Default returns the baseline configuration for running a single sandbox
// locally: loopback listeners, a workspace under the current directory,
// and generous but bounded process/log limits.
func Default() *Config {
	return &Config{
		ListenAddr:        ":8080",
		Workspace:         "/workspace",
		SandboxName:       "",
		LogCapacity:       1 << 20,
		MaxProcesses:      256,
		BridgeListenAddr:  ":8081",
		BridgeAPIKey:      "",
		BridgeResolverFile: "",
		EdgeListenAddr:    ":8082",
		EdgeResolverFile:  "",
		StorageBackend:    "file",
		SQLitePath:        "",
		PostgresDSN:       "",
	}
}

// Load reads cfg from path (if it exists), falling back to Default, then
// applies environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("sbconfig: read %s: %w", path, err)
			}
		} else if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("sbconfig: parse %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes cfg to path as indented JSON.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("sbconfig: marshal: %w", err)
	}
	return os.WriteFile(path, raw, 0o644)
}

// Hash returns a short content hash of cfg, for detecting config drift
// between a running process and its file on disk.
func (c *Config) Hash() string {
	raw, _ := json.Marshal(c)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}

// applyEnvOverrides overlays SANDBOXD_* environment variables onto cfg,
// the same override-after-file precedence used for secrets that
// shouldn't live in a committed file.
func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	intVal := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("SANDBOXD_LISTEN_ADDR", &cfg.ListenAddr)
	str("SANDBOXD_WORKSPACE", &cfg.Workspace)
	str("SANDBOXD_SANDBOX_NAME", &cfg.SandboxName)
	intVal("SANDBOXD_LOG_CAPACITY", &cfg.LogCapacity)
	intVal("SANDBOXD_MAX_PROCESSES", &cfg.MaxProcesses)

	str("SANDBOXD_BRIDGE_LISTEN_ADDR", &cfg.BridgeListenAddr)
	str("SANDBOXD_BRIDGE_API_KEY", &cfg.BridgeAPIKey)
	str("SANDBOXD_BRIDGE_RESOLVER_FILE", &cfg.BridgeResolverFile)

	str("SANDBOXD_EDGE_LISTEN_ADDR", &cfg.EdgeListenAddr)
	str("SANDBOXD_EDGE_RESOLVER_FILE", &cfg.EdgeResolverFile)

	str("SANDBOXD_R2_BUCKET", &cfg.ObjectStore.Bucket)
	str("SANDBOXD_R2_ENDPOINT", &cfg.ObjectStore.Endpoint)
	str("SANDBOXD_R2_REGION", &cfg.ObjectStore.Region)
	str("SANDBOXD_R2_ACCESS_KEY_ID", &cfg.ObjectStore.AccessKeyID)
	str("SANDBOXD_R2_SECRET_ACCESS_KEY", &cfg.ObjectStore.SecretAccessKey)

	str("SANDBOXD_STORAGE_BACKEND", &cfg.StorageBackend)
	str("SANDBOXD_SQLITE_PATH", &cfg.SQLitePath)
	str("SANDBOXD_POSTGRES_DSN", &cfg.PostgresDSN)
}
