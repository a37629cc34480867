package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	publishTimeout = 2 * time.Second
	queueSize      = 1024
	// one event per batch, so the writer must not wait for more
	batchTimeout = 5 * time.Millisecond
)

// KafkaPublisher streams booking events keyed by booking id, so every event
// of one booking lands on the same partition in order. Emit only enqueues;
// a single goroutine owns the writer.
type KafkaPublisher struct {
	writer  MessageWriter
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan models.Event
	done   chan struct{}
}

func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	return NewPublisher(newWriter(brokers, topic), logger)
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
	}
}

func NewPublisher(w MessageWriter, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	k := &KafkaPublisher{
		writer:  w,
		timeout: publishTimeout,
		logger:  logger,
		queue:   make(chan models.Event, queueSize),
		done:    make(chan struct{}),
	}
	go k.run()
	return k
}

func (k *KafkaPublisher) run() {
	defer close(k.done)
	for e := range k.queue {
		if err := k.Publish(context.Background(), e); err != nil {
			observability.EventsDropped.WithLabelValues("kafka").Inc()
			k.logger.Warn("kafka publish failed", "booking_id", e.BookingID, "event_type", string(e.Type), "error", err)
		}
	}
}

// Publish writes e synchronously.
func (k *KafkaPublisher) Publish(ctx context.Context, e models.Event) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(e.BookingID),
		Value:   b,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(e.Type)}},
	})
}

// Emit implements notify.Notifier. It never blocks: when the queue is full
// or the publisher is closed the event is dropped and counted.
func (k *KafkaPublisher) Emit(e models.Event) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		observability.EventsDropped.WithLabelValues("kafka").Inc()
		return
	}
	select {
	case k.queue <- e:
	default:
		observability.EventsDropped.WithLabelValues("kafka").Inc()
		k.logger.Warn("kafka queue full", "booking_id", e.BookingID, "event_type", string(e.Type))
	}
}

// Close flushes queued events and closes the writer. It is idempotent.
func (k *KafkaPublisher) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	close(k.queue)
	k.mu.Unlock()

	<-k.done
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Envelope is the decoded form of a published event; Payload is left raw
// because its shape depends on Type.
type Envelope struct {
	BookingID  string           `json:"booking_id"`
	Type       models.EventType `json:"event_type"`
	Payload    json.RawMessage  `json:"payload"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// DecodePosition extracts the position carried by position_updated and
// arrived events.
func DecodePosition(value []byte) (Envelope, models.PositionUpdate, bool, error) {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return env, models.PositionUpdate{}, false, err
	}
	if env.Type != models.EventPositionUpdated && env.Type != models.EventArrived {
		return env, models.PositionUpdate{}, false, nil
	}
	var p models.PositionUpdate
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return env, p, false, err
	}
	return env, p, true, nil
}

// DecodeStatus extracts the transition carried by status_changed events.
func DecodeStatus(value []byte) (Envelope, models.StatusChange, bool, error) {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return env, models.StatusChange{}, false, err
	}
	if env.Type != models.EventStatusChanged {
		return env, models.StatusChange{}, false, nil
	}
	var sc models.StatusChange
	if err := json.Unmarshal(env.Payload, &sc); err != nil {
		return env, sc, false, err
	}
	return env, sc, true, nil
}
