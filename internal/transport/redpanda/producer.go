// Package redpanda publishes simulation events to a Kafka-compatible topic.
package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"simcal.ai/internal/sim/runner"
)

const DefaultTopic = "simcal.events"

// Producer implements runner.Broadcaster. Records are keyed by instance id so one
// instance's events stay ordered within a partition.
type Producer struct {
	client   *kgo.Client
	topic    string
	instance string
	log      *log.Logger

	produced atomic.Uint64
	failed   atomic.Uint64
}

// record is the Kafka value; Payload stays the event's own JSON shape.
type record struct {
	Instance string `json:"instance"`
	runner.Event
}

func NewProducer(brokers []string, topic, instance string, logger *log.Logger) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("no redpanda brokers")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
		kgo.ProducerLinger(50*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("create redpanda client: %w", err)
	}
	return &Producer{
		client:   client,
		topic:    topic,
		instance: instance,
		log:      logger,
	}, nil
}

// Publish hands ev to the client's async produce path. Delivery failures are counted and logged
// from the produce callback.
func (p *Producer) Publish(ev runner.Event) error {
	r, err := newRecord(p.topic, p.instance, ev)
	if err != nil {
		return err
	}
	p.client.Produce(context.Background(), r, func(_ *kgo.Record, err error) {
		if err != nil {
			if p.failed.Add(1) == 1 && p.log != nil {
				p.log.Printf("redpanda produce to %s: %v", p.topic, err)
			}
			return
		}
		p.produced.Add(1)
	})
	return nil
}

func (p *Producer) Stats() (produced, failed uint64) {
	return p.produced.Load(), p.failed.Load()
}

// Close flushes buffered records, waiting at most timeout.
func (p *Producer) Close(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := p.client.Flush(ctx)
	p.client.Close()
	return err
}

func newRecord(topic, instance string, ev runner.Event) (*kgo.Record, error) {
	value, err := json.Marshal(record{Instance: instance, Event: ev})
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(instance),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event", Value: []byte(ev.Name)},
		},
		Timestamp: ev.At,
	}, nil
}
