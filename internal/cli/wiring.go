package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/sitepresence/internal/config"
	"github.com/ChuLiYu/sitepresence/internal/notify"
	"github.com/ChuLiYu/sitepresence/internal/queue"
	"github.com/ChuLiYu/sitepresence/internal/storage/journal"
	"github.com/ChuLiYu/sitepresence/internal/storage/sqlite"
	"github.com/ChuLiYu/sitepresence/internal/tracking"
	"github.com/ChuLiYu/sitepresence/internal/transport"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const notifyTimeout = 5 * time.Second

// openStore opens the configured queue backend.
func openStore(ctx context.Context, cfg *config.Config) (queue.Store, error) {
	switch cfg.Storage.Backend {
	case "journal":
		return journal.OpenStore(cfg.Storage.Path)
	default:
		return sqlite.Open(ctx, cfg.Storage.Path)
	}
}

// buildSender creates the configured transport wrapped in the inner retry.
// The returned close function releases transport resources.
func buildSender(cfg *config.Config, client mqtt.Client) (queue.Sender, func(), error) {
	var (
		next    transport.Sender
		closeFn = func() {}
	)

	switch cfg.Transport.Kind {
	case "http":
		next = transport.NewHTTPSender(cfg.Transport.BaseURL, cfg.Transport.Token, cfg.Transport.Timeout)
	case "grpc":
		conn, err := transport.DialGRPC(cfg.Transport.GRPCAddr)
		if err != nil {
			return nil, nil, err
		}
		next = transport.NewGRPCSender(conn)
		closeFn = func() { conn.Close() }
	case "mqtt":
		if client == nil {
			return nil, nil, fmt.Errorf("mqtt transport needs a broker connection")
		}
		next = transport.NewMQTTSender(client, cfg.Transport.MQTTTopic)
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
	}

	sender := transport.WithRetry(next, transport.RetryPolicy{
		Timeout:  cfg.Transport.Timeout,
		Attempts: cfg.Transport.Attempts,
		Delay:    cfg.Transport.RetryDelay,
	})
	return sender, closeFn, nil
}

// buildNotifier returns nil for "none". A D-Bus session that is not
// available falls back to the log notifier.
func buildNotifier(cfg *config.Config) *notify.Async {
	var n notify.Notifier
	switch cfg.Notify.Kind {
	case "none":
		return nil
	case "dbus":
		d, err := notify.NewDBusNotifier(cfg.Notify.AppName)
		if err != nil {
			slog.Warn("D-Bus notifications unavailable, logging instead", "error", err)
			n = notify.LogNotifier{}
		} else {
			n = d
		}
	default:
		n = notify.LogNotifier{}
	}
	return notify.NewAsync(n, notifyTimeout)
}

func trackingConfig(cfg *config.Config) tracking.Config {
	return tracking.Config{
		MinUpdateInterval: cfg.Tracking.MinUpdateInterval,
		MaxAccuracy:       cfg.Tracking.MaxAccuracy,
		HysteresisBuffer:  cfg.Tracking.HysteresisBuffer,
		DwellTime:         cfg.Tracking.DwellTime,
		ObservationWindow: cfg.Tracking.ObservationWindow,
	}
}
