package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ChuLiYu/sitepresence/internal/config"
	"github.com/ChuLiYu/sitepresence/internal/controller"
	"github.com/ChuLiYu/sitepresence/internal/identity"
	"github.com/ChuLiYu/sitepresence/internal/metrics"
	"github.com/ChuLiYu/sitepresence/internal/mqttconn"
	"github.com/ChuLiYu/sitepresence/internal/notify"
	"github.com/ChuLiYu/sitepresence/internal/server"
	"github.com/ChuLiYu/sitepresence/internal/sites"
	"github.com/ChuLiYu/sitepresence/internal/source"
	"github.com/ChuLiYu/sitepresence/internal/tracking"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// regionBuffer bounds region callbacks waiting for the push adapter.
const regionBuffer = 64

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the presence agent",
		Long:  "Start tracking, immediate delivery, background sync and the optional API and metrics servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig(configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, cfg)
		},
	}
}

// runAgent wires every component and blocks until ctx is done.
func runAgent(ctx context.Context, cfg *config.Config) error {
	slog.Info("Starting SitePresence",
		"config", configFile,
		"user", cfg.User.ID,
		"storage", cfg.Storage.Backend,
		"transport", cfg.Transport.Kind)

	// 1. 儲存
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Storage.Backend, err)
	}
	defer store.Close()

	// 2. 工地
	directory, err := sites.OpenFile(cfg.Sites.File)
	if err != nil {
		return fmt.Errorf("failed to load sites: %w", err)
	}

	// 3. MQTT（來源與/或傳輸）
	positions := source.NewLastKnown(cfg.Tracking.MaxFixAge)
	regions := make(chan tracking.RegionEvent, regionBuffer)
	var mqttClient mqtt.Client
	var src *source.MQTTSource
	if cfg.MQTT.Broker != "" {
		src = source.NewMQTTSource(positions, func(ev tracking.RegionEvent) {
			select {
			case regions <- ev:
			default:
				slog.Warn("Region event dropped, push adapter is behind", "site_id", ev.SiteID)
			}
		}, cfg.Source.PositionTopic, cfg.Source.RegionTopic)

		mqttClient, err = mqttconn.Connect(mqttconn.Options{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			OnConnect: func(c mqtt.Client) {
				if err := src.Subscribe(c); err != nil {
					slog.Error("Failed to subscribe source topics", "error", err)
				}
			},
		})
		if err != nil {
			return err
		}
		defer mqttClient.Disconnect(250)
	}

	// 4. 傳輸
	sender, closeSender, err := buildSender(cfg, mqttClient)
	if err != nil {
		return fmt.Errorf("failed to create %s transport: %w", cfg.Transport.Kind, err)
	}
	defer closeSender()

	// 5. 通知與指標
	async := buildNotifier(cfg)
	var notifier notify.Notifier
	if async != nil {
		notifier = async
		defer async.Wait()
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		go func() {
			slog.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				slog.Error("Metrics server error", "error", err)
			}
		}()
	}

	// 6. 控制器
	ctrl, err := controller.NewController(controller.Config{
		Tracking:         trackingConfig(cfg),
		SyncInterval:     cfg.Queue.SyncInterval,
		CleanupInterval:  cfg.Queue.CleanupInterval,
		Retention:        cfg.Queue.Retention,
		SnapshotInterval: cfg.Snapshot.Interval,
		SnapshotPath:     cfg.Snapshot.Path,
	}, controller.Deps{
		Store:    store,
		Sender:   sender,
		Identity: identity.Static(cfg.User.ID),
		Sites:    directory,
		Notifier: notifier,
		Metrics:  collector,
	})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer ctrl.Stop()

	// 7. 背景工作
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(tracking.NewPushAdapter(ctrl.Tracker()).Run(gctx, regions))
	})
	if src != nil && cfg.Source.PositionTopic != "" {
		poll := tracking.NewPollAdapter(positions, ctrl.Tracker(), cfg.Tracking.PollInterval)
		g.Go(func() error { return ignoreCanceled(poll.Run(gctx)) })
	}
	if cfg.Sites.Watch {
		if err := directory.Watch(gctx, ctrl.UpdateSites); err != nil {
			slog.Warn("Sites file will not be reloaded", "path", cfg.Sites.File, "error", err)
		}
	}
	if cfg.API.Enabled {
		g.Go(func() error { return server.NewServer(ctrl).ListenAndServe(gctx, cfg.API.Addr) })
	}

	slog.Info("System started successfully")
	<-gctx.Done()
	if ctx.Err() != nil {
		slog.Info("Received shutdown signal, stopping gracefully...")
	}

	err = g.Wait()
	slog.Info("System stopped")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
