package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"sentinel-soar/internal/fault"
	"sentinel-soar/internal/schema"
)

// EventSink receives decoded events. Satisfied by the router.
type EventSink interface {
	SubmitEvent(ctx context.Context, event *schema.Event) error
}

// fetcher is the slice of kafka.Reader the consumer uses.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafkaMessage, error)
	CommitMessages(ctx context.Context, msgs ...kafkaMessage) error
	Close() error
}

// kafkaMessage mirrors the fields of kafka.Message the consumer touches.
type kafkaMessage struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

// Consumer reads security events from the events topic and feeds them to the
// router. Malformed or rejected events are dropped and committed; a full
// execution queue holds the offset and retries with backoff.
type Consumer struct {
	reader  fetcher
	config  *Config
	sink    EventSink
	logger  *slog.Logger
	metrics consumerMetrics
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
	started atomic.Bool
}

type consumerMetrics struct {
	messagesConsumed atomic.Int64
	messagesDropped  atomic.Int64
	errors           atomic.Int64
	lastOffset       atomic.Int64
	lastError        atomic.Value
	lastErrorTime    atomic.Value
}

// backpressureBackoff is how long the consumer waits before retrying a
// message rejected by a full execution queue.
const backpressureBackoff = time.Second

// NewConsumer creates an event intake consumer reading the events topic.
func NewConsumer(config *Config, sink EventSink, logger *slog.Logger) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New("ingest: event sink is required")
	}

	reader, err := newReader(config, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		reader: reader,
		config: config,
		sink:   sink,
		logger: logger.With("component", "event_intake"),
		ctx:    ctx,
		cancel: cancel,
	}

	c.logger.Info("event intake initialized",
		"brokers", config.Brokers,
		"topic", config.EventsTopic,
		"group", config.ConsumerGroup,
	)

	return c, nil
}

// StartAsync begins consuming in a goroutine. Use Stop to shut down.
func (c *Consumer) StartAsync() error {
	if c.started.Swap(true) {
		return errors.New("ingest: consumer already started")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.consumeLoop(); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("consume loop exited with error", "error", err)
		}
	}()

	return nil
}

func (c *Consumer) consumeLoop() error {
	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		default:
		}

		msg, err := c.reader.FetchMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}

			c.recordError(err)
			c.logger.Error("failed to fetch message",
				"error", err,
				"topic", c.config.EventsTopic,
			)

			select {
			case <-c.ctx.Done():
				return c.ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		if err := c.deliver(msg); err != nil {
			return err
		}

		if err := c.reader.CommitMessages(c.ctx, msg); err != nil {
			c.logger.Error("failed to commit offset",
				"error", err,
				"offset", msg.Offset,
			)
		}
		c.metrics.lastOffset.Store(msg.Offset)
	}
}

// deliver decodes and submits one message, retrying on backpressure. It
// returns a non-nil error only when the consumer is shutting down.
func (c *Consumer) deliver(msg kafkaMessage) error {
	event, err := c.decode(msg.Value)
	if err != nil {
		c.metrics.messagesDropped.Add(1)
		c.logger.Warn("dropping malformed event",
			"error", err,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)
		return nil
	}

	for {
		ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
		err := c.sink.SubmitEvent(ctx, event)
		cancel()

		switch {
		case err == nil:
			c.metrics.messagesConsumed.Add(1)
			return nil
		case fault.IsValidation(err):
			c.metrics.messagesDropped.Add(1)
			c.logger.Warn("dropping rejected event",
				"error", err,
				"event_id", event.EventID,
			)
			return nil
		case errors.Is(err, fault.ErrBackpressure):
			c.logger.Warn("execution queue full, retrying event",
				"event_id", event.EventID,
			)
			select {
			case <-c.ctx.Done():
				return c.ctx.Err()
			case <-time.After(backpressureBackoff):
			}
		default:
			// Partial failures are logged downstream; the event itself
			// was accepted, so drop and move on.
			c.recordError(err)
			c.logger.Error("event submission failed",
				"error", err,
				"event_id", event.EventID,
			)
			c.metrics.messagesConsumed.Add(1)
			return nil
		}
	}
}

func (c *Consumer) decode(value []byte) (*schema.Event, error) {
	var event schema.Event
	if err := json.Unmarshal(value, &event); err != nil {
		return nil, fmt.Errorf("ingest: invalid event payload: %w", err)
	}
	return &event, nil
}

func (c *Consumer) recordError(err error) {
	c.metrics.errors.Add(1)
	c.metrics.lastError.Store(err)
	c.metrics.lastErrorTime.Store(time.Now())
}

// GetMetrics returns current intake counters.
func (c *Consumer) GetMetrics() Metrics {
	m := Metrics{
		MessagesConsumed: c.metrics.messagesConsumed.Load(),
		MessagesDropped:  c.metrics.messagesDropped.Load(),
		Errors:           c.metrics.errors.Load(),
	}
	if err := c.metrics.lastError.Load(); err != nil {
		m.LastError = err.(error)
	}
	if t := c.metrics.lastErrorTime.Load(); t != nil {
		m.LastErrorTime = t.(time.Time)
	}
	return m
}

// HealthCheck verifies the consumer can reach a broker.
func (c *Consumer) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{LastCheck: time.Now()}

	if c.closed.Load() {
		status.Error = "consumer is closed"
		return status
	}

	start := time.Now()
	dialer, err := c.config.GetDialer()
	if err != nil {
		status.Error = fmt.Sprintf("failed to create dialer: %v", err)
		return status
	}

	conn, err := dialer.DialContext(ctx, "tcp", c.config.Brokers[0])
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
	status.Healthy = c.started.Load() && !c.closed.Load()
	status.BrokerCount = len(brokers)
	return status
}

// Stop gracefully stops the consumer.
func (c *Consumer) Stop() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.logger.Info("stopping event intake",
		"messages_consumed", c.metrics.messagesConsumed.Load(),
		"messages_dropped", c.metrics.messagesDropped.Load(),
	)

	c.cancel()
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("ingest: failed to close consumer: %w", err)
	}
	return nil
}
