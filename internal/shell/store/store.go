package store

import (
	"context"

	"github.com/artpar/webtopd/internal/core/workload"
)

// =============================================================================
// Index Interface
// =============================================================================

// Index persists workload metadata alongside the registry directories.
type Index interface {
	// UpsertWorkload inserts or replaces the record for rec.Identity,
	// keeping the original CreatedAt.
	UpsertWorkload(ctx context.Context, rec *workload.Record) error
	GetWorkload(ctx context.Context, identity string) (*workload.Record, error)
	ListWorkloads(ctx context.Context) ([]workload.Record, error)
	DeleteWorkload(ctx context.Context, identity string) error

	// RecordRunResult stores a finished run. Only the row whose run_id
	// matches is updated; a result for a superseded run reports ErrNotFound.
	RecordRunResult(ctx context.Context, res workload.RunResult) error

	Ping(ctx context.Context) error
	Close() error
}
