package transfer

import "context"

// Store is the durable registry of transfers keyed by burn transaction hash.
//
// Semantics:
// - Upsert creates the record on first sight and merges the patch via Apply
//   otherwise. The bool result reports whether the record was created.
// - List returns records in insertion order; returned values are copies.
// - Remove is idempotent.
type Store interface {
	Upsert(ctx context.Context, burnTxHash string, p Patch) (Record, bool, error)
	Get(ctx context.Context, burnTxHash string) (Record, error)
	List(ctx context.Context) ([]Record, error)
	Remove(ctx context.Context, burnTxHash string) error
}

// Upserter is the write half of Store. Components that only patch records
// depend on it.
type Upserter interface {
	Upsert(ctx context.Context, burnTxHash string, p Patch) (Record, bool, error)
}

// Getter is the read half of Store used by pollers.
type Getter interface {
	Get(ctx context.Context, burnTxHash string) (Record, error)
}
