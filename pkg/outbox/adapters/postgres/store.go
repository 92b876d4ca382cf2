// Package postgres implements outbox.Store on top of GORM/Postgres.
package postgres

import (
	"context"
	"time"

	apperrors "github.com/nova-corefabric/corefabric/pkg/errors"
	"github.com/nova-corefabric/corefabric/pkg/outbox"
	"gorm.io/gorm"
)

// Store is a GORM-backed outbox.Store.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CodeConcurrencyConflict is returned by Append when expectedVersion does
// not match the aggregate's current max version.
const CodeConcurrencyConflict apperrors.Code = "CONCURRENCY_CONFLICT"

func (s *Store) Append(ctx context.Context, tx interface{}, aggregateID string, expectedVersion int64, events []outbox.NewEvent) error {
	gtx, ok := tx.(*gorm.DB)
	if !ok || gtx == nil {
		return apperrors.InvalidArgument("outbox append requires a *gorm.DB transaction handle", nil)
	}

	var current struct{ MaxVersion int64 }
	if err := gtx.WithContext(ctx).
		Model(&outbox.Entry{}).
		Select("COALESCE(MAX(version), 0) as max_version").
		Where("aggregate_id = ?", aggregateID).
		Clauses(lockingClause()).
		Scan(&current).Error; err != nil {
		return apperrors.Wrap(err, "read current aggregate version")
	}

	if current.MaxVersion != expectedVersion {
		return apperrors.New(CodeConcurrencyConflict, "aggregate version mismatch", nil)
	}

	now := time.Now()
	rows := make([]outbox.Entry, len(events))
	for i, e := range events {
		rows[i] = outbox.Entry{
			AggregateID: aggregateID,
			EventType:   e.EventType,
			Version:     expectedVersion + int64(i) + 1,
			Payload:     e.Payload,
			Metadata:    e.Metadata,
			CreatedAt:   now,
			State:       outbox.StatePending,
		}
	}

	if len(rows) == 0 {
		return nil
	}

	if err := gtx.WithContext(ctx).Create(&rows).Error; err != nil {
		return apperrors.Wrap(err, "insert outbox entries")
	}
	return nil
}

func (s *Store) CurrentVersion(ctx context.Context, aggregateID string) (int64, error) {
	var current struct{ MaxVersion int64 }
	if err := s.db.WithContext(ctx).
		Model(&outbox.Entry{}).
		Select("COALESCE(MAX(version), 0) as max_version").
		Where("aggregate_id = ?", aggregateID).
		Scan(&current).Error; err != nil {
		return 0, apperrors.Wrap(err, "read current aggregate version")
	}
	return current.MaxVersion, nil
}

func (s *Store) LeaseBatch(ctx context.Context, limit int, leaseUntil time.Time) ([]outbox.Entry, error) {
	var entries []outbox.Entry

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Model(&outbox.Entry{}).
			Where("state = ?", outbox.StatePending).
			Order("aggregate_id, version").
			Limit(limit).
			Clauses(lockingClause()).
			Find(&entries).Error; err != nil {
			return err
		}

		if len(entries) == 0 {
			return nil
		}

		sequences := make([]int64, len(entries))
		for i, e := range entries {
			sequences[i] = e.Sequence
		}

		lease := leaseUntil
		if err := tx.Model(&outbox.Entry{}).
			Where("sequence IN ?", sequences).
			Updates(map[string]interface{}{"state": outbox.StateInFlight, "lease_until": lease}).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "lease outbox batch")
	}
	return entries, nil
}

func (s *Store) MarkPublished(ctx context.Context, sequences []int64) error {
	if len(sequences) == 0 {
		return nil
	}
	now := time.Now()
	if err := s.db.WithContext(ctx).Model(&outbox.Entry{}).
		Where("sequence IN ?", sequences).
		Updates(map[string]interface{}{"state": outbox.StatePublished, "published_at": now}).Error; err != nil {
		return apperrors.Wrap(err, "mark outbox entries published")
	}
	return nil
}

func (s *Store) ReleaseExpiredLeases(ctx context.Context) (int, error) {
	res := s.db.WithContext(ctx).Model(&outbox.Entry{}).
		Where("state = ? AND lease_until < ?", outbox.StateInFlight, time.Now()).
		Updates(map[string]interface{}{"state": outbox.StatePending, "lease_until": nil})
	if res.Error != nil {
		return 0, apperrors.Wrap(res.Error, "release expired outbox leases")
	}
	return int(res.RowsAffected), nil
}

func (s *Store) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("state = ? AND published_at < ?", outbox.StatePublished, cutoff).
		Delete(&outbox.Entry{})
	if res.Error != nil {
		return 0, apperrors.Wrap(res.Error, "delete published outbox entries")
	}
	return res.RowsAffected, nil
}

func (s *Store) BacklogSize(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&outbox.Entry{}).
		Where("state IN ?", []outbox.State{outbox.StatePending, outbox.StateInFlight}).
		Count(&count).Error; err != nil {
		return 0, apperrors.Wrap(err, "count outbox backlog")
	}
	return count, nil
}
