package ingest

import (
	"time"

	"github.com/nova-corefabric/corefabric/pkg/errors"
)

// Validate enforces the per-operation before/after image invariants and the
// configurable timestamp skew tolerance. Unknown operations are rejected.
func Validate(r CDCRecord, skew time.Duration) error {
	switch r.Operation {
	case OperationCreate, OperationRead:
		if len(r.After) == 0 {
			return errors.New(errors.CodeInvalidArgument, "create/read requires an after-image", nil)
		}
	case OperationUpdate:
		if len(r.After) == 0 {
			return errors.New(errors.CodeInvalidArgument, "update requires an after-image", nil)
		}
	case OperationDelete:
		if len(r.Before) == 0 {
			return errors.New(errors.CodeInvalidArgument, "delete requires a before-image", nil)
		}
	default:
		return errors.New(errors.CodeInvalidArgument, "unknown CDC operation: "+string(r.Operation), nil)
	}

	if skew <= 0 {
		skew = 8760 * time.Hour
	}
	ts := time.UnixMilli(r.TsMs)
	if age := time.Since(ts); age > skew || age < -skew {
		return errors.New(errors.CodeInvalidArgument, "CDC record timestamp outside skew tolerance", nil)
	}

	return nil
}
