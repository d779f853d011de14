package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

// Producer publishes settlement events for downstream consumers (emails,
// notifications). Publishing is best-effort; the settlement transaction has
// already committed by the time an event goes out.
type Producer struct {
	producer sarama.SyncProducer
	log      *slog.Logger
}

func NewProducer(broker string, log *slog.Logger) (*Producer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 500 * time.Millisecond

	p, err := sarama.NewSyncProducer([]string{broker}, cfg)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Producer{producer: p, log: log}, nil
}

func (p *Producer) Publish(event string, payload any) {
	raw, err := json.Marshal(map[string]any{
		"event_type": event,
		"data":       payload,
	})
	if err != nil {
		p.log.Error("failed to marshal event", "event", event, "err", err)
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: event,
		Value: sarama.ByteEncoder(raw),
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		p.log.Error("failed to send event", "event", event, "err", err)
	}
}

func (p *Producer) Close() error {
	return p.producer.Close()
}
