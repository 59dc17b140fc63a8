// Package buildevents publishes terminal build events to Kafka.
package buildevents

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/mocgen/internal/core/observability"
)

type Event struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id,omitempty"`
	State     string    `json:"state"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	Cells     int       `json:"cells"`
	Order     int       `json:"order"`
	Planes    int       `json:"planes"`
	TS        time.Time `json:"ts"`
}

// Sink receives build events. A nil Sink is valid and drops everything.
type Sink interface {
	Publish(ev Event)
}

type Publisher struct {
	topic   string
	events  chan Event
	prod    sarama.AsyncProducer
	log     *slog.Logger
	stopped chan struct{}
	errDone chan struct{}
	once    sync.Once
}

func NewPublisher(brokers []string, topic string, queueSize int, log *slog.Logger) (*Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false
	cfg.Producer.RequiredAcks = sarama.WaitForLocal

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("buildevents: create async producer: %w", err)
	}
	return NewWithProducer(prod, topic, queueSize, log), nil
}

// NewWithProducer wraps an existing producer, which the Publisher then owns.
func NewWithProducer(prod sarama.AsyncProducer, topic string, queueSize int, log *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	p := &Publisher{
		topic:   topic,
		events:  make(chan Event, queueSize),
		prod:    prod,
		log:     log,
		stopped: make(chan struct{}),
		errDone: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.log.Warn("buildevents: marshal error", "err", err, "id", ev.ID)
				observability.IncKafka("produced", "marshal_error")
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.ID),
				Value: sarama.ByteEncoder(b),
			}
			observability.IncKafka("produced", "ok")
		}
	}()

	go func() {
		defer close(p.errDone)
		for err := range p.prod.Errors() {
			if err != nil {
				p.log.Warn("buildevents: producer error", "err", err)
				observability.IncKafka("produced", "error")
			}
		}
	}()

	return p
}

// Publish enqueues ev without blocking; events are dropped when the queue is full.
func (p *Publisher) Publish(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	select {
	case p.events <- ev:
	default:
		observability.IncKafka("produced", "dropped")
	}
}

// Close drains queued events and closes the producer.
func (p *Publisher) Close() error {
	var err error
	p.once.Do(func() {
		close(p.events)
		<-p.stopped
		if cerr := p.prod.Close(); cerr != nil {
			err = fmt.Errorf("buildevents: close producer: %w", cerr)
		}
		<-p.errDone
	})
	return err
}
