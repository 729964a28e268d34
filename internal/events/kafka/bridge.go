// Package kafka bridges the in-process event channel onto a Kafka topic so
// the surrounding application (dashboards, alerting, the attendance backend)
// can consume engine events out of process.
package kafka

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"punchsync/internal/events"
)

// envelope is the wire shape of one event on the topic. The payload is the
// JSON encoding of the concrete variant.
type envelope struct {
	ID      string          `json:"id"`
	Kind    events.Kind     `json:"kind"`
	At      string          `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// Bridge consumes a bus subscription and produces each event to Kafka.
type Bridge struct {
	client *kgo.Client
	topic  string
	inbox  <-chan events.Event
	logger *slog.Logger
}

func NewBridge(brokers []string, topic string, inbox <-chan events.Event, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, err
	}
	return &Bridge{client: client, topic: topic, inbox: inbox, logger: logger}, nil
}

// Run forwards events until the context is cancelled or the inbox closes.
// Produce failures are logged, not retried here; the engine's next cycle will
// re-observe any still-open gap and emit again.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.client.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-b.inbox:
			if !ok {
				return nil
			}
			b.produce(ctx, ev)
		}
	}
}

func (b *Bridge) produce(ctx context.Context, ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.ErrorContext(ctx, "encode event payload", "kind", ev.Kind(), "error", err)
		return
	}
	value, err := json.Marshal(envelope{
		ID:      ev.EventID(),
		Kind:    ev.Kind(),
		At:      ev.OccurredAt().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Payload: payload,
	})
	if err != nil {
		b.logger.ErrorContext(ctx, "encode event envelope", "kind", ev.Kind(), "error", err)
		return
	}

	record := &kgo.Record{
		Key:   []byte(ev.Kind()),
		Value: value,
	}
	b.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			b.logger.ErrorContext(ctx, "produce event to kafka",
				"kind", ev.Kind(), "event_id", ev.EventID(), "error", err)
		}
	})
}
