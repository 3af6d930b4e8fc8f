package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"proctorguard/internal/config"
	"proctorguard/internal/normalize"
)

// sessionHeader names the record header consulted when neither the payload
// nor the record key carries a session id.
const sessionHeader = "session_id"

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// StartKafka consumes frame packets from a topic. Offsets are committed once
// a record has been handed to the pipeline or judged unusable.
func StartKafka(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- normalize.Packet, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	start := kafka.FirstOffset
	if current.StartAtLatest {
		start = kafka.LastOffset
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     current.Brokers,
		Topic:       current.Topic,
		GroupID:     current.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6 + 2*cfg.Get().Ingest.Packet.MaxImageBytes,
		MaxWait:     current.MaxWait,
		StartOffset: start,
	})
	src := lineSource{name: "kafka", cfg: cfg, parser: parser, out: out, logger: logger}
	go func() {
		defer reader.Close()
		src.consume(ctx, reader)
	}()
}

func (s lineSource) consume(ctx context.Context, r messageReader) {
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.warn("kafka fetch error", "err", err)
			if !BackoffSleep(ctx, 500*time.Millisecond) {
				return
			}
			continue
		}
		pkt, err := s.packet(string(m.Value), recordSession(m))
		switch {
		case err != nil:
			s.warn("kafka record rejected", "partition", m.Partition, "offset", m.Offset, "err", err)
		case pkt != nil:
			SendNonBlocking(ctx, s.out, *pkt, s.logger)
		}
		if err := r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			s.warn("kafka commit error", "partition", m.Partition, "offset", m.Offset, "err", err)
		}
	}
}

func recordSession(m kafka.Message) string {
	if len(m.Key) > 0 {
		return string(m.Key)
	}
	for _, h := range m.Headers {
		if h.Key == sessionHeader && len(h.Value) > 0 {
			return string(h.Value)
		}
	}
	return ""
}
