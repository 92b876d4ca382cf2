// Package clickhouse implements ingest.AnalyticsWriter against a ClickHouse
// destination, batching every record in a call into a single insert per
// destination table.
package clickhouse

import (
	"context"

	dbsql "github.com/nova-corefabric/corefabric/pkg/database/sql"
	"github.com/nova-corefabric/corefabric/pkg/errors"
	"github.com/nova-corefabric/corefabric/pkg/ingest"
)

// row is the column layout every destination table is expected to carry.
// Destination-specific columns belong to the table's own schema and are
// decoded from Payload downstream of ingestion; the writer never inspects
// Payload itself.
type row struct {
	Operation string `gorm:"column:operation"`
	Payload   []byte `gorm:"column:payload"`
	TsMs      int64  `gorm:"column:ts_ms"`
	DedupKey  string `gorm:"column:dedup_key"`
}

// Writer implements ingest.AnalyticsWriter.
type Writer struct {
	sql dbsql.SQL
}

// New constructs a Writer over an already-connected ClickHouse handle.
func New(sql dbsql.SQL) *Writer {
	return &Writer{sql: sql}
}

// WriteBatch inserts every record into table in one statement. ClickHouse
// has no unique-constraint enforcement on MergeTree engines, so the caller's
// dedup pass is what keeps duplicates out, not this insert.
func (w *Writer) WriteBatch(ctx context.Context, table string, records []ingest.Record) error {
	if len(records) == 0 {
		return nil
	}

	rows := make([]row, 0, len(records))
	for _, r := range records {
		rows = append(rows, row{
			Operation: string(r.Operation),
			Payload:   r.Payload,
			TsMs:      r.TsMs,
			DedupKey:  r.DedupKey,
		})
	}

	db := w.sql.Get(ctx)
	if err := db.Table(table).Create(&rows).Error; err != nil {
		return errors.Wrap(err, "clickhouse batch insert into "+table)
	}
	return nil
}

var _ ingest.AnalyticsWriter = (*Writer)(nil)
