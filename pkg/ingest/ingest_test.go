package ingest_test

import (
	"context"
	"sync"
	"testing"
	"time"

	cachememory "github.com/nova-corefabric/corefabric/pkg/cache/adapters/memory"
	"github.com/nova-corefabric/corefabric/pkg/ingest"
	"github.com/nova-corefabric/corefabric/pkg/messaging"
)

func TestValidateRequiresImages(t *testing.T) {
	now := time.Now().UnixMilli()

	cases := []struct {
		name    string
		record  ingest.CDCRecord
		wantErr bool
	}{
		{"create without after", ingest.CDCRecord{Operation: ingest.OperationCreate, TsMs: now}, true},
		{"create with after", ingest.CDCRecord{Operation: ingest.OperationCreate, After: []byte(`{}`), TsMs: now}, false},
		{"update without after", ingest.CDCRecord{Operation: ingest.OperationUpdate, Before: []byte(`{}`), TsMs: now}, true},
		{"delete without before", ingest.CDCRecord{Operation: ingest.OperationDelete, TsMs: now}, true},
		{"delete with before", ingest.CDCRecord{Operation: ingest.OperationDelete, Before: []byte(`{}`), TsMs: now}, false},
		{"unknown operation", ingest.CDCRecord{Operation: "truncate", After: []byte(`{}`), TsMs: now}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ingest.Validate(tc.record, 0)
			if tc.wantErr && err == nil {
				t.Fatalf("expected validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}

func TestValidateRejectsTimestampOutsideSkew(t *testing.T) {
	stale := ingest.CDCRecord{
		Operation: ingest.OperationCreate,
		After:     []byte(`{}`),
		TsMs:      time.Now().Add(-2 * 8760 * time.Hour).UnixMilli(),
	}
	if err := ingest.Validate(stale, 8760*time.Hour); err == nil {
		t.Fatalf("expected a record two years old to fail the default 1-year skew tolerance")
	}

	future := ingest.CDCRecord{
		Operation: ingest.OperationCreate,
		After:     []byte(`{}`),
		TsMs:      time.Now().Add(2 * 8760 * time.Hour).UnixMilli(),
	}
	if err := ingest.Validate(future, 8760*time.Hour); err == nil {
		t.Fatalf("expected a record two years in the future to fail the skew tolerance")
	}

	fresh := ingest.CDCRecord{
		Operation: ingest.OperationCreate,
		After:     []byte(`{}`),
		TsMs:      time.Now().UnixMilli(),
	}
	if err := ingest.Validate(fresh, 8760*time.Hour); err != nil {
		t.Fatalf("expected a fresh record to pass, got %v", err)
	}
}

// TestDedupDropsExactDuplicate implements scenario S2: the same CDC record
// fed twice is processed once, the second delivery recognized as a
// duplicate via the stable dedup key rather than row content.
func TestDedupDropsExactDuplicate(t *testing.T) {
	ctx := context.Background()
	c := cachememory.New()
	defer c.Close()

	deduper := ingest.NewDeduper(c, ingest.Config{DedupTTL: time.Minute})

	record := ingest.CDCRecord{
		Operation:  ingest.OperationUpdate,
		Before:     []byte(`{"balance":10}`),
		After:      []byte(`{"balance":20}`),
		Source:     ingest.SourceDescriptor{DB: "accounts", Schema: "public", Table: "balances"},
		TsMs:       time.Now().UnixMilli(),
		PrimaryKey: "acct-1",
	}
	key := ingest.CDCKey(record)

	dup, err := deduper.SeenOrMark(ctx, key)
	if err != nil {
		t.Fatalf("first SeenOrMark: %v", err)
	}
	if dup {
		t.Fatalf("first delivery must not be reported as a duplicate")
	}

	dup, err = deduper.SeenOrMark(ctx, key)
	if err != nil {
		t.Fatalf("second SeenOrMark: %v", err)
	}
	if !dup {
		t.Fatalf("redelivery of the same record must be recognized as a duplicate")
	}
}

func TestDedupDistinguishesDomainEvents(t *testing.T) {
	ctx := context.Background()
	c := cachememory.New()
	defer c.Close()
	deduper := ingest.NewDeduper(c, ingest.Config{DedupTTL: time.Minute})

	k1 := ingest.DomainKey(ingest.DomainEvent{EventID: "evt-1"})
	k2 := ingest.DomainKey(ingest.DomainEvent{EventID: "evt-2"})

	if dup, err := deduper.SeenOrMark(ctx, k1); err != nil || dup {
		t.Fatalf("evt-1 first delivery: dup=%v err=%v", dup, err)
	}
	if dup, err := deduper.SeenOrMark(ctx, k2); err != nil || dup {
		t.Fatalf("evt-2 first delivery must not collide with evt-1: dup=%v err=%v", dup, err)
	}
	if dup, err := deduper.SeenOrMark(ctx, k1); err != nil || !dup {
		t.Fatalf("evt-1 redelivery: dup=%v err=%v", dup, err)
	}
}

// fakeWriter records every batch it receives, optionally failing the first
// N calls to exercise the retry-then-succeed and retry-then-DLQ paths.
type fakeWriter struct {
	mu        sync.Mutex
	failFirst int
	calls     int
	batches   [][]ingest.Record
}

func (w *fakeWriter) WriteBatch(ctx context.Context, table string, records []ingest.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.calls <= w.failFirst {
		return context.DeadlineExceeded
	}
	cp := append([]ingest.Record(nil), records...)
	w.batches = append(w.batches, cp)
	return nil
}

func TestBatcherFlushesOnSize(t *testing.T) {
	ctx := context.Background()
	writer := &fakeWriter{}
	b := ingest.NewBatcher(ingest.Config{BatchSize: 2, MaxRetries: 1}, writer, nil, nil)

	if err := b.Add(ctx, ingest.Record{Table: "events", DedupKey: "k1"}); err != nil {
		t.Fatalf("add 1: %v", err)
	}
	if len(writer.batches) != 0 {
		t.Fatalf("expected no flush yet, got %d", len(writer.batches))
	}
	if err := b.Add(ctx, ingest.Record{Table: "events", DedupKey: "k2"}); err != nil {
		t.Fatalf("add 2: %v", err)
	}
	if len(writer.batches) != 1 || len(writer.batches[0]) != 2 {
		t.Fatalf("expected one flushed batch of 2, got %+v", writer.batches)
	}
}

func TestBatcherDeadLettersOnRetryExhaustion(t *testing.T) {
	ctx := context.Background()
	writer := &fakeWriter{failFirst: 99}
	dlq := newCollectingProducer()
	b := ingest.NewBatcher(ingest.Config{BatchSize: 1, MaxRetries: 2, DLQTopic: "ingest.dlq"}, writer, dlq, nil)

	if err := b.Add(ctx, ingest.Record{Table: "events", Operation: ingest.OperationCreate, DedupKey: "k1"}); err != nil {
		t.Fatalf("unexpected error from Add: %v", err)
	}
	if len(writer.batches) != 0 {
		t.Fatalf("writer should never have succeeded")
	}
	if len(dlq.published) != 1 {
		t.Fatalf("expected exactly one dead-lettered message, got %d", len(dlq.published))
	}
	if dlq.published[0].Headers["table"] != "events" {
		t.Fatalf("dead letter missing table header: %+v", dlq.published[0].Headers)
	}
}

// TestIngestorProcessComposesValidateDedupAndBatch implements spec.md §6's
// process(record) -> Ok | Validation | DeadLettered contract end to end: a
// single Process call rejects a malformed record, accepts and flushes a
// valid one, and recognizes its redelivery as a duplicate.
func TestIngestorProcessComposesValidateDedupAndBatch(t *testing.T) {
	ctx := context.Background()
	c := cachememory.New()
	defer c.Close()

	writer := &fakeWriter{}
	deduper := ingest.NewDeduper(c, ingest.Config{DedupTTL: time.Minute})
	batcher := ingest.NewBatcher(ingest.Config{BatchSize: 1}, writer, nil, nil)
	ingestor := ingest.NewIngestor(ingest.Config{}, deduper, batcher, nil)

	malformed := ingest.CDCRecord{Operation: ingest.OperationCreate, TsMs: time.Now().UnixMilli()}
	if outcome, err := ingestor.Process(ctx, malformed); outcome != ingest.OutcomeValidation || err == nil {
		t.Fatalf("expected OutcomeValidation for a record missing its after-image, got %v / %v", outcome, err)
	}

	record := ingest.CDCRecord{
		Operation:  ingest.OperationUpdate,
		Before:     []byte(`{"balance":10}`),
		After:      []byte(`{"balance":20}`),
		Source:     ingest.SourceDescriptor{DB: "accounts", Schema: "public", Table: "balances"},
		TsMs:       time.Now().UnixMilli(),
		PrimaryKey: "acct-1",
	}
	outcome, err := ingestor.Process(ctx, record)
	if err != nil {
		t.Fatalf("process valid record: %v", err)
	}
	if outcome != ingest.OutcomeOK {
		t.Fatalf("expected OutcomeOK, got %v", outcome)
	}
	if len(writer.batches) != 1 || len(writer.batches[0]) != 1 {
		t.Fatalf("expected the single-record batch to flush immediately, got %+v", writer.batches)
	}

	outcome, err = ingestor.Process(ctx, record)
	if err != nil {
		t.Fatalf("process redelivered record: %v", err)
	}
	if outcome != ingest.OutcomeDuplicate {
		t.Fatalf("expected OutcomeDuplicate on redelivery, got %v", outcome)
	}
	if len(writer.batches) != 1 {
		t.Fatalf("expected the duplicate to not trigger a second flush, got %+v", writer.batches)
	}
}

// TestIngestorProcessEventUsesDomainKey mirrors the CDC composition test for
// the domain-event path, keyed by EventID rather than the CDC stable key.
func TestIngestorProcessEventUsesDomainKey(t *testing.T) {
	ctx := context.Background()
	c := cachememory.New()
	defer c.Close()

	writer := &fakeWriter{}
	deduper := ingest.NewDeduper(c, ingest.Config{DedupTTL: time.Minute})
	batcher := ingest.NewBatcher(ingest.Config{BatchSize: 1}, writer, nil, nil)
	ingestor := ingest.NewIngestor(ingest.Config{}, deduper, batcher, nil)

	event := ingest.DomainEvent{EventID: "evt-1", Domain: "accounts", Payload: []byte(`{}`), TsMs: time.Now().UnixMilli()}

	outcome, err := ingestor.ProcessEvent(ctx, event)
	if err != nil || outcome != ingest.OutcomeOK {
		t.Fatalf("process event: outcome=%v err=%v", outcome, err)
	}

	outcome, err = ingestor.ProcessEvent(ctx, event)
	if err != nil || outcome != ingest.OutcomeDuplicate {
		t.Fatalf("process redelivered event: outcome=%v err=%v", outcome, err)
	}
}

type collectingProducer struct {
	mu        sync.Mutex
	published []*messaging.Message
}

func newCollectingProducer() *collectingProducer {
	return &collectingProducer{}
}

func (p *collectingProducer) Publish(ctx context.Context, msg *messaging.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, msg)
	return nil
}

func (p *collectingProducer) PublishBatch(ctx context.Context, msgs []*messaging.Message) error {
	for _, m := range msgs {
		if err := p.Publish(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (p *collectingProducer) Close() error { return nil }

var _ messaging.Producer = (*collectingProducer)(nil)
