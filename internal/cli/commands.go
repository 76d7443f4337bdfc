package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ChuLiYu/sitepresence/internal/config"
	"github.com/ChuLiYu/sitepresence/internal/identity"
	"github.com/ChuLiYu/sitepresence/internal/mqttconn"
	"github.com/ChuLiYu/sitepresence/internal/queue"
	"github.com/ChuLiYu/sitepresence/internal/sites"
	"github.com/ChuLiYu/sitepresence/internal/snapshot"
	"github.com/ChuLiYu/sitepresence/pkg/types"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"
)

const commandTimeout = 5 * time.Minute

// ============================================================================
// sync
// ============================================================================

func buildSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Deliver queued events once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig(configFile)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			return syncOnce(ctx, cmd.OutOrStdout(), cfg)
		},
	}
}

func syncOnce(ctx context.Context, out io.Writer, cfg *config.Config) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Storage.Backend, err)
	}
	defer store.Close()

	var client mqtt.Client
	if cfg.Transport.Kind == "mqtt" {
		client, err = mqttconn.Connect(mqttconn.Options{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID + "-sync",
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		})
		if err != nil {
			return err
		}
		defer client.Disconnect(250)
	}

	sender, closeSender, err := buildSender(cfg, client)
	if err != nil {
		return fmt.Errorf("failed to create %s transport: %w", cfg.Transport.Kind, err)
	}
	defer closeSender()

	q := queue.NewService(store, sender, identity.Static(cfg.User.ID), queue.WithRetention(cfg.Queue.Retention))
	res, err := q.Sync(ctx)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	pending, err := q.GetPendingCount(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "synced: %d  rejected: %d  still pending: %d\n", res.Synced, res.Failed, pending)
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show presence and queue status",
		Long:  "Display the last saved presence state and offline queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig(configFile)
			if err != nil {
				return err
			}
			return showStatus(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
}

func showStatus(ctx context.Context, out io.Writer, cfg *config.Config) error {
	data, err := snapshot.NewManager(cfg.Snapshot.Path).Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Storage.Backend, err)
	}
	defer store.Close()

	pending, err := store.CountPending(ctx)
	if err != nil {
		return err
	}
	rejected, err := store.Rejected(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           SitePresence Status                             ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📍 Presence:")
	fmt.Fprintf(out, "  ├─ User:            %s\n", cfg.User.ID)
	fmt.Fprintf(out, "  ├─ Status:          %s\n", data.Presence.Status)
	if data.Presence.CurrentSiteID != nil {
		fmt.Fprintf(out, "  ├─ Site:            %s\n", *data.Presence.CurrentSiteID)
	}
	if data.Presence.CheckInTime != nil {
		fmt.Fprintf(out, "  ├─ Checked in at:   %s\n", data.Presence.CheckInTime.Format(time.RFC3339))
	}
	if data.Presence.ConsecutiveOutOfRange > 0 {
		fmt.Fprintf(out, "  ├─ Out of range:    %d samples\n", data.Presence.ConsecutiveOutOfRange)
	}
	saved := "never"
	if !data.SavedAt.IsZero() {
		saved = data.SavedAt.Format(time.RFC3339)
	}
	fmt.Fprintf(out, "  └─ Saved:           %s\n", saved)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📦 Queue:")
	fmt.Fprintf(out, "  ├─ Backend:         %s (%s)\n", cfg.Storage.Backend, cfg.Storage.Path)
	fmt.Fprintf(out, "  ├─ Pending:         %d\n", pending)
	fmt.Fprintf(out, "  └─ Rejected:        %d\n", len(rejected))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📡 Endpoints:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  ├─ Metrics:         http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  ├─ Metrics:         disabled")
	}
	if cfg.API.Enabled {
		fmt.Fprintf(out, "  └─ API:             http://%s/v1/status\n", cfg.API.Addr)
	} else {
		fmt.Fprintln(out, "  └─ API:             disabled")
	}
	return nil
}

// ============================================================================
// cleanup
// ============================================================================

func buildCleanupCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete synced events older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig(configFile)
			if err != nil {
				return err
			}
			if olderThan > 0 {
				cfg.Queue.Retention = olderThan
			}
			return cleanup(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "override queue.retention")
	return cmd
}

func cleanup(ctx context.Context, out io.Writer, cfg *config.Config) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Storage.Backend, err)
	}
	defer store.Close()

	// cleanup never sends, so no transport is built
	q := queue.NewService(store, nil, identity.Static(cfg.User.ID), queue.WithRetention(cfg.Queue.Retention))
	n, err := q.CleanupOldEvents(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "deleted %d synced events older than %s\n", n, cfg.Queue.Retention)
	return nil
}

// ============================================================================
// sites validate
// ============================================================================

func buildSitesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sites",
		Short: "Inspect monitored sites",
	}

	validate := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a sites file (default: sites.file from the config)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := loadConfig(configFile)
				if err != nil {
					return err
				}
				path = cfg.Sites.File
			}
			return validateSites(cmd.OutOrStdout(), path)
		},
	}
	cmd.AddCommand(validate)
	return cmd
}

func validateSites(out io.Writer, path string) error {
	list, err := sites.LoadFile(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s: %d sites OK\n", path, len(list))
	for _, s := range list {
		fmt.Fprintf(out, "  %-12s %-24s %9.5f,%10.5f  r=%gm\n",
			s.ID, displayName(s), s.Latitude, s.Longitude, s.AutoTriggerRadius)
	}
	return nil
}

func displayName(s types.MonitoredSite) string {
	if s.Name == "" {
		return "-"
	}
	return s.Name
}
