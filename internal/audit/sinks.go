package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"admission-service/internal/models"
)

// MultiSink emits to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, event models.SecurityEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(_ context.Context, event models.SecurityEvent) error {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("tenant_code", event.TenantCode),
		zap.String("event_type", event.EventType),
		zap.String("outcome", event.Outcome),
		zap.Time("event_time", event.EventTime),
	}
	if event.IPAddress != "" {
		fields = append(fields, zap.String("ip", event.IPAddress))
	}
	if event.Subject != "" {
		fields = append(fields, zap.String("subject", event.Subject))
	}
	if event.PhoneMasked != "" {
		fields = append(fields, zap.String("phone", event.PhoneMasked))
	}
	if event.Reason != "" {
		fields = append(fields, zap.String("reason", event.Reason))
	}
	if len(event.Details) > 0 {
		fields = append(fields, zap.Any("details", event.Details))
	}
	s.logger.Info("Security event", fields...)
	return nil
}

// KafkaPublisher is satisfied by *client.KafkaProducer.
type KafkaPublisher interface {
	ProduceMessage(ctx context.Context, key, value []byte, headers map[string]string) error
}

type KafkaSink struct {
	producer KafkaPublisher
}

func NewKafkaSink(producer KafkaPublisher) *KafkaSink {
	return &KafkaSink{producer: producer}
}

func (s *KafkaSink) Emit(ctx context.Context, event models.SecurityEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka sink: %w", err)
	}
	key := event.IPAddress
	if key == "" {
		key = event.Subject
	}
	headers := map[string]string{
		"event_type":  event.EventType,
		"tenant_code": event.TenantCode,
	}
	if err := s.producer.ProduceMessage(ctx, []byte(key), value, headers); err != nil {
		return fmt.Errorf("kafka sink: %w", err)
	}
	return nil
}

// DocumentIndexer is satisfied by *client.ESClient.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, id string, document interface{}) error
}

type ElasticsearchSink struct {
	indexer DocumentIndexer
}

func NewElasticsearchSink(indexer DocumentIndexer) *ElasticsearchSink {
	return &ElasticsearchSink{indexer: indexer}
}

func (s *ElasticsearchSink) Emit(ctx context.Context, event models.SecurityEvent) error {
	if err := s.indexer.IndexDocument(ctx, event.ID, event); err != nil {
		return fmt.Errorf("elasticsearch sink: %w", err)
	}
	return nil
}

// BatchInserter is satisfied by *client.ClickHouseClient.
type BatchInserter interface {
	SecurityEventsInsert() string
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

type ClickHouseSink struct {
	inserter BatchInserter
}

func NewClickHouseSink(inserter BatchInserter) *ClickHouseSink {
	return &ClickHouseSink{inserter: inserter}
}

func (s *ClickHouseSink) Emit(ctx context.Context, event models.SecurityEvent) error {
	if err := s.inserter.BatchInsert(ctx, s.inserter.SecurityEventsInsert(), [][]interface{}{clickHouseRow(event)}); err != nil {
		return fmt.Errorf("clickhouse sink: %w", err)
	}
	return nil
}

// clickHouseRow follows the column order of the security events table.
func clickHouseRow(event models.SecurityEvent) []interface{} {
	details := event.Details
	if details == nil {
		details = map[string]string{}
	}
	day, err := time.Parse("2006-01-02", event.EventDate)
	if err != nil {
		day = event.EventTime.UTC().Truncate(24 * time.Hour)
	}
	return []interface{}{
		event.ID,
		event.TenantCode,
		event.EventType,
		day,
		event.EventTime,
		event.IPAddress,
		event.Subject,
		event.SessionID,
		event.PhoneMasked,
		event.PhoneEncrypted,
		event.Outcome,
		event.Reason,
		details,
	}
}
