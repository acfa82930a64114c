package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// kafkaReader adapts kafka.Reader to the fetcher interface.
type kafkaReader struct {
	r *kafka.Reader
}

func newReader(config *Config, logger *slog.Logger) (fetcher, error) {
	dialer, err := config.GetDialer()
	if err != nil {
		return nil, err
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           config.Brokers,
		GroupID:           config.ConsumerGroup,
		Topic:             config.EventsTopic,
		Dialer:            dialer,
		MinBytes:          config.ConsumerMinBytes,
		MaxBytes:          config.ConsumerMaxBytes,
		MaxWait:           config.ConsumerMaxWait,
		CommitInterval:    config.CommitInterval,
		StartOffset:       config.StartOffset,
		HeartbeatInterval: config.HeartbeatInterval,
		SessionTimeout:    config.SessionTimeout,
		RebalanceTimeout:  config.RebalanceTimeout,
		ReadBackoffMin:    100 * time.Millisecond,
		ReadBackoffMax:    time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	return &kafkaReader{r: r}, nil
}

func (k *kafkaReader) FetchMessage(ctx context.Context) (kafkaMessage, error) {
	msg, err := k.r.FetchMessage(ctx)
	if err != nil {
		return kafkaMessage{}, err
	}
	return kafkaMessage{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Time:      msg.Time,
	}, nil
}

func (k *kafkaReader) CommitMessages(ctx context.Context, msgs ...kafkaMessage) error {
	out := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		out[i] = kafka.Message{
			Topic:     m.Topic,
			Partition: m.Partition,
			Offset:    m.Offset,
		}
	}
	return k.r.CommitMessages(ctx, out...)
}

func (k *kafkaReader) Close() error {
	return k.r.Close()
}
