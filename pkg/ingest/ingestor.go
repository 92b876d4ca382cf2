package ingest

import "context"

// Ingestor composes validation, deduplication and batching into the single
// per-record entry point spec process(record) -> Ok | Validation |
// DeadLettered names. A caller such as a Kafka consumer loop calls Process
// once per inbound record instead of driving Validate, Deduper.SeenOrMark
// and Batcher.Add itself.
type Ingestor struct {
	cfg            Config
	deduper        *Deduper
	batcher        *Batcher
	tableOverrides map[string]string
}

// NewIngestor wires a Deduper and Batcher (already constructed against their
// own backing cache/writer/dlq/bus) into an Ingestor. tableOverrides is the
// source-table-to-destination-table map DestinationTable consults.
func NewIngestor(cfg Config, deduper *Deduper, batcher *Batcher, tableOverrides map[string]string) *Ingestor {
	return &Ingestor{cfg: cfg, deduper: deduper, batcher: batcher, tableOverrides: tableOverrides}
}

// Process validates r, drops it if already seen, and hands the survivor to
// the batcher. OutcomeOK means the record was accepted into a pending or
// just-flushed batch, not that it is durably written yet — durability is
// the batcher's own flush-and-retry concern, not a per-record one.
func (i *Ingestor) Process(ctx context.Context, r CDCRecord) (Outcome, error) {
	if err := Validate(r, i.cfg.TimestampSkew); err != nil {
		return OutcomeValidation, err
	}

	key := CDCKey(r)
	dup, err := i.deduper.SeenOrMark(ctx, key)
	if err != nil {
		return OutcomeValidation, err
	}
	if dup {
		return OutcomeDuplicate, nil
	}

	payload := r.After
	if r.Operation == OperationDelete {
		payload = r.Before
	}

	record := Record{
		Table:     DestinationTable(i.tableOverrides, r.Source),
		Operation: r.Operation,
		Payload:   payload,
		TsMs:      r.TsMs,
		DedupKey:  key,
	}
	if err := i.batcher.Add(ctx, record); err != nil {
		return OutcomeDeadLettered, err
	}
	return OutcomeOK, nil
}

// ProcessEvent is Process's domain-event counterpart: keyed by EventID
// rather than the CDC stable key, written to a table named after the
// event's domain.
func (i *Ingestor) ProcessEvent(ctx context.Context, e DomainEvent) (Outcome, error) {
	key := DomainKey(e)
	dup, err := i.deduper.SeenOrMark(ctx, key)
	if err != nil {
		return OutcomeValidation, err
	}
	if dup {
		return OutcomeDuplicate, nil
	}

	record := Record{
		Table:     e.Domain,
		Operation: OperationCreate,
		Payload:   e.Payload,
		TsMs:      e.TsMs,
		DedupKey:  key,
	}
	if err := i.batcher.Add(ctx, record); err != nil {
		return OutcomeDeadLettered, err
	}
	return OutcomeOK, nil
}
