package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// ErrProducerClosed is returned when producing on a closed producer.
var ErrProducerClosed = fmt.Errorf("ingest: producer is closed")

// writeAPI is the slice of kafka.Writer the producer uses.
type writeAPI interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes lifecycle events to the lifecycle topic. Its HandleEvent
// method satisfies the bus handler signature, so downstream systems see the
// same events as in-process subscribers.
type Producer struct {
	writer  writeAPI
	config  *Config
	logger  *slog.Logger
	metrics producerMetrics
	closed  atomic.Bool
}

type producerMetrics struct {
	messagesProduced atomic.Int64
	bytesProduced    atomic.Int64
	errors           atomic.Int64
	retries          atomic.Int64
	lastError        atomic.Value
	lastErrorTime    atomic.Value
}

// NewProducer creates a lifecycle event producer.
func NewProducer(config *Config, logger *slog.Logger) (*Producer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	dialer, err := config.GetDialer()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.LifecycleTopic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    config.ProducerBatchSize,
		BatchTimeout: config.ProducerBatchTimeout,
		MaxAttempts:  config.ProducerMaxRetries,
		WriteTimeout: config.WriteTimeout,
		ReadTimeout:  config.ReadTimeout,
		RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
		Compression:  config.GetCompression(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	p := &Producer{
		writer: writer,
		config: config,
		logger: logger.With("component", "lifecycle_producer"),
	}

	p.logger.Info("lifecycle producer initialized",
		"brokers", config.Brokers,
		"topic", config.LifecycleTopic,
		"compression", config.CompressionType,
	)

	return p, nil
}

// HandleEvent publishes one lifecycle event. Subscribe it to the bus.
// Keyed by event type so consumers see per-type ordering.
func (p *Producer) HandleEvent(ctx context.Context, eventType string, payload map[string]any) {
	envelope := map[string]any{
		"event_type": eventType,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		"payload":    payload,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		p.logger.Error("failed to marshal lifecycle event", "event_type", eventType, "error", err)
		return
	}

	if err := p.Produce(ctx, []byte(eventType), data); err != nil {
		p.logger.Error("failed to publish lifecycle event", "event_type", eventType, "error", err)
	}
}

// Produce sends a single message with retry and exponential backoff.
func (p *Producer) Produce(ctx context.Context, key, value []byte) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	msg := kafka.Message{
		Key:   key,
		Value: value,
		Time:  time.Now(),
	}

	var lastErr error
	backoff := p.config.ProducerRetryBackoff

	for attempt := 0; attempt <= p.config.ProducerMaxRetries; attempt++ {
		if attempt > 0 {
			p.metrics.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := p.writer.WriteMessages(ctx, msg)
		if err == nil {
			p.metrics.messagesProduced.Add(1)
			p.metrics.bytesProduced.Add(int64(len(value) + len(key)))
			return nil
		}

		lastErr = err
		p.metrics.errors.Add(1)
		p.metrics.lastError.Store(err)
		p.metrics.lastErrorTime.Store(time.Now())

		p.logger.Warn("lifecycle produce failed",
			"error", err,
			"attempt", attempt+1,
			"max_attempts", p.config.ProducerMaxRetries+1,
		)

		if isNonRetryableError(err) {
			return fmt.Errorf("ingest: non-retryable error: %w", err)
		}
	}

	return fmt.Errorf("ingest: failed after %d attempts: %w", p.config.ProducerMaxRetries+1, lastErr)
}

// GetMetrics returns current producer counters.
func (p *Producer) GetMetrics() Metrics {
	m := Metrics{
		MessagesProduced: p.metrics.messagesProduced.Load(),
		BytesProduced:    p.metrics.bytesProduced.Load(),
		Errors:           p.metrics.errors.Load(),
		Retries:          p.metrics.retries.Load(),
	}
	if err := p.metrics.lastError.Load(); err != nil {
		m.LastError = err.(error)
	}
	if t := p.metrics.lastErrorTime.Load(); t != nil {
		m.LastErrorTime = t.(time.Time)
	}
	return m
}

// HealthCheck verifies the producer can reach a broker.
func (p *Producer) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{LastCheck: time.Now()}

	if p.closed.Load() {
		status.Error = "producer is closed"
		return status
	}

	start := time.Now()
	dialer, err := p.config.GetDialer()
	if err != nil {
		status.Error = fmt.Sprintf("failed to create dialer: %v", err)
		return status
	}

	conn, err := dialer.DialContext(ctx, "tcp", p.config.Brokers[0])
	if err != nil {
		status.Error = fmt.Sprintf("failed to connect: %v", err)
		return status
	}
	defer conn.Close()

	brokers, err := conn.Brokers()
	if err != nil {
		status.Error = fmt.Sprintf("failed to get brokers: %v", err)
		return status
	}

	status.Latency = time.Since(start)
	status.Connected = true
	status.Healthy = true
	status.BrokerCount = len(brokers)
	return status
}

// Close closes the producer and flushes any buffered messages.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.logger.Info("closing lifecycle producer",
		"messages_produced", p.metrics.messagesProduced.Load(),
	)

	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("ingest: failed to close producer: %w", err)
	}
	return nil
}

// isNonRetryableError checks if an error should not be retried.
func isNonRetryableError(err error) bool {
	switch err {
	case kafka.MessageSizeTooLarge:
		return true
	case kafka.InvalidTopic:
		return true
	case kafka.TopicAuthorizationFailed:
		return true
	case kafka.ClusterAuthorizationFailed:
		return true
	}
	return false
}
