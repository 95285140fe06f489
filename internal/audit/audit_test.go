package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"admission-service/internal/clock"
	"admission-service/internal/models"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.SecurityEvent
	err    error
	block  chan struct{}
}

func (s *recordingSink) Emit(_ context.Context, e models.SecurityEvent) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *recordingSink) all() []models.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.SecurityEvent(nil), s.events...)
}

type fakeEncrypter struct{ fail bool }

func (f fakeEncrypter) EncryptToString(_ context.Context, plaintext, purpose string) (string, error) {
	if f.fail {
		return "", errors.New("kms down")
	}
	return "enc(" + purpose + ":" + strings.Repeat("x", len(plaintext)) + ")", nil
}

func TestDisabledDispatcherIsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, &recordingSink{}, nil)
	if d != nil {
		t.Fatal("disabled dispatcher should be nil")
	}
	d.Emit(context.Background(), NewEvent(EventIPBlocked, OutcomeSuccess))
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher should report no drops")
	}
}

func TestCloseDrainsBufferedEvents(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 16}, sink, nil)
	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), NewEvent(EventHTTPRequest, OutcomeSuccess))
	}
	d.Close()
	if got := len(sink.all()); got != 10 {
		t.Fatalf("expected 10 delivered events, got %d", got)
	}

	d.Emit(context.Background(), NewEvent(EventHTTPRequest, OutcomeSuccess))
	if got := len(sink.all()); got != 10 {
		t.Fatalf("emit after close should be ignored, got %d", got)
	}
}

func TestDropIfFullCountsDrops(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink, nil)

	for i := 0; i < 20; i++ {
		d.Emit(context.Background(), NewEvent(EventHTTPRequest, OutcomeSuccess))
	}
	if d.Dropped() == 0 {
		t.Fatal("expected drops while the sink is blocked")
	}
	close(sink.block)
	d.Close()
}

func TestPhoneIsMaskedAndEncrypted(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 4}, sink, fakeEncrypter{})
	rec := NewRecorder(d, "T1", clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)))

	ev := NewEvent(EventOTPIssued, "")
	ev.Phone = "01012345678"
	rec.Record(context.Background(), ev)
	d.Close()

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("expected one event, got %d", len(got))
	}
	e := got[0]
	if e.PhoneMasked != "010****5678" {
		t.Fatalf("unexpected mask %q", e.PhoneMasked)
	}
	if e.PhoneEncrypted != "enc(phone:xxxxxxxxxxx)" {
		t.Fatalf("unexpected ciphertext %q", e.PhoneEncrypted)
	}
	if e.TenantCode != "T1" || e.EventDate != "2025-03-01" || e.ID == "" || e.Outcome != OutcomeSuccess {
		t.Fatalf("event not stamped: %+v", e)
	}
	raw, _ := json.Marshal(e)
	if strings.Contains(string(raw), "01012345678") {
		t.Fatal("raw phone leaked into sealed event")
	}
}

func TestEncryptionFailureKeepsMask(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 4}, sink, fakeEncrypter{fail: true})
	ev := NewEvent(EventOTPIssued, OutcomeSuccess)
	ev.Phone = "01099998888"
	d.Emit(context.Background(), ev)
	d.Close()

	e := sink.all()[0]
	if e.PhoneEncrypted != "" || e.PhoneMasked != "010****8888" {
		t.Fatalf("unexpected phone fields %+v", e)
	}
}

func TestSinkFailuresAreCounted(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 4}, sink, nil)
	d.Emit(context.Background(), NewEvent(EventIPBlocked, OutcomeSuccess))
	d.Close()
	if d.Failed() != 1 {
		t.Fatalf("expected 1 failure, got %d", d.Failed())
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.Record(context.Background(), NewEvent(EventIPBlocked, OutcomeSuccess))
}

type fakeProducer struct {
	key, value []byte
	headers    map[string]string
}

func (f *fakeProducer) ProduceMessage(_ context.Context, key, value []byte, headers map[string]string) error {
	f.key, f.value, f.headers = key, value, headers
	return nil
}

type fakeIndexer struct{ id string }

func (f *fakeIndexer) IndexDocument(_ context.Context, id string, _ interface{}) error {
	f.id = id
	return nil
}

type fakeInserter struct {
	query string
	rows  [][]interface{}
}

func (f *fakeInserter) SecurityEventsInsert() string { return "INSERT INTO security_events" }

func (f *fakeInserter) BatchInsert(_ context.Context, query string, rows [][]interface{}) error {
	f.query, f.rows = query, rows
	return nil
}

func TestMultiSinkFansOut(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	producer := &fakeProducer{}
	indexer := &fakeIndexer{}
	inserter := &fakeInserter{}
	failing := &recordingSink{err: errors.New("boom")}

	sink := MultiSink{
		NewLogSink(zap.New(core)),
		NewKafkaSink(producer),
		NewElasticsearchSink(indexer),
		NewClickHouseSink(inserter),
		failing,
	}

	event := models.SecurityEvent{
		ID:         "evt-1",
		TenantCode: "T1",
		EventType:  EventIPBlocked,
		EventDate:  "2025-03-01",
		EventTime:  time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
		IPAddress:  "203.0.113.7",
		Outcome:    OutcomeSuccess,
	}
	if err := sink.Emit(context.Background(), event); err == nil {
		t.Fatal("expected joined error from failing sink")
	}

	if logs.FilterMessage("Security event").Len() != 1 {
		t.Fatal("expected one log entry")
	}
	if string(producer.key) != "203.0.113.7" || producer.headers["event_type"] != EventIPBlocked {
		t.Fatalf("unexpected kafka message key=%s headers=%v", producer.key, producer.headers)
	}
	var decoded models.SecurityEvent
	if err := json.Unmarshal(producer.value, &decoded); err != nil || decoded.ID != "evt-1" {
		t.Fatalf("kafka payload not an event: %v", err)
	}
	if indexer.id != "evt-1" {
		t.Fatalf("unexpected document id %q", indexer.id)
	}
	if inserter.query != "INSERT INTO security_events" || len(inserter.rows) != 1 || len(inserter.rows[0]) != 13 {
		t.Fatalf("unexpected clickhouse batch %q %v", inserter.query, inserter.rows)
	}
	if _, ok := inserter.rows[0][12].(map[string]string); !ok {
		t.Fatal("details column should be a non-nil map")
	}
}
