package engine

import (
	"context"
	"time"

	"scopegate.org/internal/query"
	"scopegate.org/internal/scope"
)

// ExecPlan is the fully combined query handed to a store backend: the
// caller's validated filter plan, the actor's scope predicate and the
// soft-delete visibility decision, already ANDed together semantically.
type ExecPlan struct {
	Plan           *query.Plan
	Scope          scope.Predicate
	IncludeDeleted bool
}

// Store is the persistence contract of the engine. Implementations must
// translate their native unique-constraint conflict into ErrDuplicateKey and
// perform MarkDeleted/Restore as atomic compare-and-set transitions so
// double-delete detection stays race-free.
type Store interface {
	// Insert persists a new record. The engine has already stamped id,
	// timestamps and scope columns.
	Insert(ctx context.Context, d *query.Descriptor, rec Record) error

	// Get fetches a record by id regardless of its tombstone; visibility is
	// the engine's decision. Absent records yield ErrNotFound.
	Get(ctx context.Context, d *query.Descriptor, id string) (Record, error)

	// Count returns the number of records matching the plan.
	Count(ctx context.Context, p ExecPlan) (int, error)

	// Select returns the ordered page window of records matching the plan.
	Select(ctx context.Context, p ExecPlan) ([]Record, error)

	// Update applies the given field values to an active record and returns
	// the updated row. ErrNotFound when absent or tombstoned.
	Update(ctx context.Context, d *query.Descriptor, id string, fields Record, now time.Time) (Record, error)

	// MarkDeleted sets the tombstone iff it is unset (deleted_at IS NULL ->
	// at). ErrAlreadyDeleted when the transition already happened,
	// ErrNotFound when the record is absent.
	MarkDeleted(ctx context.Context, d *query.Descriptor, id string, at time.Time) error

	// Restore clears the tombstone iff it is set. ErrNotDeleted when the
	// record is active, ErrNotFound when absent.
	Restore(ctx context.Context, d *query.Descriptor, id string, now time.Time) error

	// UpdateChain rewrites the record's scope columns (ownership transfer).
	UpdateChain(ctx context.Context, d *query.Descriptor, id string, chain scope.Chain, now time.Time) error
}
