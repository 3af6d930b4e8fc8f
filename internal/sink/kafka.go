package sink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"proctorguard/internal/config"
	"proctorguard/internal/model"
)

type Publisher interface {
	Publish(ctx context.Context, flags ...model.FlagEvent) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes flag events as JSON keyed by session, so one
// session's flags stay ordered on a partition.
type KafkaPublisher struct {
	w messageWriter
}

func NewKafkaPublisher(cfg config.KafkaPublishConfig) *KafkaPublisher {
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, flags ...model.FlagEvent) error {
	if len(flags) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(flags))
	for _, f := range flags {
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(f.SessionID),
			Value: data,
			Time:  f.Timestamp,
		})
	}
	return p.w.WriteMessages(ctx, msgs...)
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
