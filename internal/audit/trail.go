package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

// TrailConfig holds configuration for the batched audit writer.
type TrailConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultTrailConfig returns the default audit trail configuration.
func DefaultTrailConfig() TrailConfig {
	return TrailConfig{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// Record is one audit trail entry.
type Record struct {
	ID          string
	Timestamp   time.Time
	EventType   string
	ExecutionID string
	PlaybookID  string
	TriggeredBy string
	Payload     string
}

// Trail batches lifecycle events into ClickHouse. Its HandleEvent method
// satisfies the bus handler signature.
type Trail struct {
	conn     driver.Conn
	database string
	config   TrailConfig
	logger   *slog.Logger

	buffer []*Record
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	totalWritten uint64
	totalFailed  uint64
	batchCount   uint64
}

// NewTrail creates a batched audit writer on an open connection.
func NewTrail(conn driver.Conn, database string, cfg TrailConfig, logger *slog.Logger) *Trail {
	t := &Trail{
		conn:     conn,
		database: database,
		config:   cfg,
		logger:   logger.With("component", "audit_trail"),
		buffer:   make([]*Record, 0, cfg.BatchSize),
	}
	t.flushTimer = time.AfterFunc(cfg.FlushInterval, t.timerFlush)
	return t
}

// HandleEvent records one lifecycle event. Subscribe it to the bus.
func (t *Trail) HandleEvent(_ context.Context, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		t.logger.Error("failed to marshal audit payload", "event_type", eventType, "error", err)
		return
	}

	rec := &Record{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		EventType:   eventType,
		ExecutionID: stringField(payload, "execution_id"),
		PlaybookID:  stringField(payload, "playbook_id"),
		TriggeredBy: stringField(payload, "triggered_by"),
		Payload:     string(data),
	}

	if err := t.Write(rec); err != nil {
		t.logger.Error("failed to write audit record", "event_type", eventType, "error", err)
	}
}

func stringField(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

// Write adds a record to the batch.
func (t *Trail) Write(rec *Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("audit trail is closed")
	}

	t.buffer = append(t.buffer, rec)

	if len(t.buffer) >= t.config.BatchSize {
		return t.flushLocked()
	}
	return nil
}

func (t *Trail) timerFlush() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	if len(t.buffer) > 0 {
		if err := t.flushLocked(); err != nil {
			t.logger.Error("timer flush failed", "error", err)
		}
	}

	t.flushTimer.Reset(t.config.FlushInterval)
}

// flushLocked flushes the buffer. Caller must hold the lock.
func (t *Trail) flushLocked() error {
	if len(t.buffer) == 0 {
		return nil
	}

	records := t.buffer
	t.buffer = make([]*Record, 0, t.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= t.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(t.config.RetryDelay * time.Duration(attempt))
		}

		if err := t.insertBatch(records); err != nil {
			lastErr = err
			t.logger.Warn("audit batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", t.config.MaxRetries,
				"error", err,
			)
			continue
		}

		atomic.AddUint64(&t.totalWritten, uint64(len(records)))
		atomic.AddUint64(&t.batchCount, 1)
		return nil
	}

	atomic.AddUint64(&t.totalFailed, uint64(len(records)))
	return fmt.Errorf("audit batch insert failed after %d retries: %w", t.config.MaxRetries, lastErr)
}

func (t *Trail) insertBatch(records []*Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := t.conn.PrepareBatch(ctx, fmt.Sprintf(`
		INSERT INTO %s.audit_trail (
			record_id, timestamp, event_type,
			execution_id, playbook_id, triggered_by, payload
		)
	`, t.database))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, rec := range records {
		err := batch.Append(
			rec.ID,
			rec.Timestamp,
			rec.EventType,
			rec.ExecutionID,
			rec.PlaybookID,
			rec.TriggeredBy,
			rec.Payload,
		)
		if err != nil {
			return fmt.Errorf("failed to append record: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	t.logger.Debug("audit batch inserted", "count", len(records))
	return nil
}

// Flush forces a flush of the current buffer.
func (t *Trail) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushLocked()
}

// Close flushes remaining records and stops the writer.
func (t *Trail) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	err := t.flushLocked()
	t.mu.Unlock()

	t.flushTimer.Stop()
	return err
}

// TrailMetrics holds audit writer statistics.
type TrailMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}

// Metrics returns audit writer statistics.
func (t *Trail) Metrics() TrailMetrics {
	t.mu.Lock()
	pending := len(t.buffer)
	t.mu.Unlock()

	return TrailMetrics{
		Written: atomic.LoadUint64(&t.totalWritten),
		Failed:  atomic.LoadUint64(&t.totalFailed),
		Batches: atomic.LoadUint64(&t.batchCount),
		Pending: pending,
	}
}
