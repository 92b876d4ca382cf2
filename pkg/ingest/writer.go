package ingest

import "context"

// Record is the normalized, destination-table-scoped unit the batcher
// accumulates and flushes. Payload carries the after-image for
// create/update/read and the before-image for delete — callers decide,
// since the ingest core treats both images as opaque.
type Record struct {
	Table      string
	Operation  Operation
	Payload    []byte
	TsMs       int64
	DedupKey   string
}

// AnalyticsWriter performs one atomic batch insert into the destination
// analytics store. The whole batch either lands or does not.
type AnalyticsWriter interface {
	WriteBatch(ctx context.Context, table string, records []Record) error
}
