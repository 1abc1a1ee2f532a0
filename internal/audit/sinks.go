package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"dineops/backend/internal/audit/domain"
	"dineops/backend/internal/audit/repository"
	"dineops/backend/internal/logger"
)

// RepositorySink writes events to durable storage.
type RepositorySink struct {
	repo repository.Repository
}

// NewRepositorySink returns a sink appending to repo.
func NewRepositorySink(repo repository.Repository) *RepositorySink {
	return &RepositorySink{repo: repo}
}

// Write appends e.
func (s *RepositorySink) Write(ctx context.Context, e *domain.AuthEvent) error {
	return s.repo.Append(ctx, e)
}

// LogSink writes each event as a structured log line.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink returns a sink using log, or the package logger when log is nil.
func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

// Write logs e. Detail is included; log output is internal.
func (s *LogSink) Write(_ context.Context, e *domain.AuthEvent) error {
	l := s.log
	if l == nil {
		l = logger.Log
	}
	l.Info("auth event",
		zap.String("event_id", e.ID),
		zap.Time("ts", e.Timestamp),
		zap.String("kind", string(e.Kind)),
		zap.String("outcome", string(e.Outcome)),
		zap.String("user_id", e.UserID),
		zap.String("tenant_id", e.TenantID),
		zap.String("session_id", e.SessionID),
		zap.String("source_addr", e.SourceAddr),
		zap.String("reason", e.Reason),
		zap.String("detail", e.Detail),
	)
	return nil
}

// MessageWriter is the subset of *kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON to a Kafka topic, keyed by tenant so a tenant's
// events stay ordered within a partition.
type KafkaSink struct {
	writer MessageWriter
}

// NewKafkaSink creates a sink writing to topic on brokers. Returns nil when brokers or
// topic are empty. Call Close when shutting down.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return NewKafkaSinkWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	})
}

// NewKafkaSinkWithWriter wraps an existing writer.
func NewKafkaSinkWithWriter(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

type kafkaEvent struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"ts"`
	UserID     string    `json:"user_id"`
	TenantID   string    `json:"tenant_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	Kind       string    `json:"kind"`
	Outcome    string    `json:"outcome"`
	SourceAddr string    `json:"source_addr,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// Write serializes e and writes it to the topic. Detail is not published.
func (s *KafkaSink) Write(ctx context.Context, e *domain.AuthEvent) error {
	if s == nil || s.writer == nil || e == nil {
		return nil
	}
	payload, err := json.Marshal(kafkaEvent{
		ID:         e.ID,
		Timestamp:  e.Timestamp,
		UserID:     e.UserID,
		TenantID:   e.TenantID,
		SessionID:  e.SessionID,
		Kind:       string(e.Kind),
		Outcome:    string(e.Outcome),
		SourceAddr: e.SourceAddr,
		Reason:     e.Reason,
	})
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.TenantID),
		Value: payload,
	})
}

// Close closes the writer. Safe to call on a nil sink.
func (s *KafkaSink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
