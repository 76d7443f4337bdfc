// ============================================================================
// SitePresence CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the presence agent
//
// Command Structure:
//   sitepresence                   # Root command
//   ├── run                        # Start detection, delivery and background sync
//   ├── sync                       # Drain the offline queue once and exit
//   ├── status                     # Presence, queue and storage status from disk
//   ├── cleanup                    # Delete synced events past retention
//   ├── sites validate [file]      # Check a sites file against the schema
//   ├── replay -f track.jsonl      # Dry-run a recorded track through the tracker
//   └── --config, -c               # Config file (default: configs/default.yaml)
//
// Configuration:
//   YAML by default, TOML when the file ends in .toml. Defaults are applied
//   after decoding; run, sync, status and cleanup require a valid config.
//
// Signal Handling:
//   run stops on SIGINT / SIGTERM:
//   1. Stop sources, API and site watching
//   2. Stop the controller (final snapshot)
//   3. Flush notifications, disconnect MQTT, close storage
//
// Storage Access:
//   sync / status / cleanup open the same store as run. SQLite tolerates a
//   running agent; the journal backend must not be opened twice.
//
// ============================================================================

package cli

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/sitepresence/internal/config"
	"github.com/ChuLiYu/sitepresence/internal/logging"
	"github.com/spf13/cobra"
)

var configFile string

// BuildCLI builds the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sitepresence",
		Short: "SitePresence: geofence check-in agent with an offline event queue",
		Long: `SitePresence turns position fixes into confirmed site check-ins and
check-outs and delivers them to the backend:
- hysteresis and dwell filtering per site
- durable offline queue (SQLite or checksummed journal)
- HTTP, gRPC or MQTT delivery
- Prometheus metrics and a local control API`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSyncCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCleanupCommand())
	rootCmd.AddCommand(buildSitesCommand())
	rootCmd.AddCommand(buildReplayCommand())

	return rootCmd
}

// loadConfig reads the config file and installs the configured logger.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if _, err := logging.Setup(os.Stderr, cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	return cfg, nil
}

// loadValidConfig is loadConfig plus Validate.
func loadValidConfig(path string) (*config.Config, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
