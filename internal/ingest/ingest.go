// Package ingest reads frame packets from REST, TCP, replay files and Kafka
// and feeds them, normalized, into one bounded channel.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"proctorguard/internal/config"
	"proctorguard/internal/normalize"
)

func SendNonBlocking(ctx context.Context, out chan<- normalize.Packet, pkt normalize.Packet, logger *slog.Logger) bool {
	select {
	case out <- pkt:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("packet channel full, dropping packet", "session_id", pkt.SessionID, "timestamp", pkt.Timestamp, "source", pkt.Source)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// emit normalizes one parsed packet and forwards it. Normalization failures
// are logged and dropped.
func emit(ctx context.Context, fields *normalize.PacketFields, cfg *config.Config, source string, out chan<- normalize.Packet, logger *slog.Logger) error {
	pkt, err := normalize.Normalize(*fields, cfg)
	if err != nil {
		if logger != nil {
			logger.Warn(source+" normalize error", "err", err)
		}
		return err
	}
	pkt.Source = source
	SendNonBlocking(ctx, out, pkt, logger)
	return nil
}
