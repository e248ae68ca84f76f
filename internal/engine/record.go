package engine

import (
	"time"

	"scopegate.org/internal/query"
	"scopegate.org/internal/scope"
)

// Record is a generic row keyed by field/column name. System columns (id,
// created_at, updated_at, deleted_at) and scope columns live alongside the
// declared fields; concrete resource schemas stay outside this layer.
type Record map[string]any

// ID returns the record identifier.
func (r Record) ID() string {
	id, _ := r[query.ColID].(string)
	return id
}

// DeletedAt returns the soft-delete marker, nil while the record is active.
func (r Record) DeletedAt() *time.Time {
	switch v := r[query.ColDeletedAt].(type) {
	case *time.Time:
		return v
	case time.Time:
		return &v
	}
	return nil
}

// Deleted reports whether the tombstone is set.
func (r Record) Deleted() bool { return r.DeletedAt() != nil }

// Clone returns a shallow copy. Stores hand out clones so callers can't
// mutate shared state.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ChainOf extracts the record's scope chain in the resource's declared level
// order.
func ChainOf(d *query.Descriptor, rec Record) scope.Chain {
	chain := make(scope.Chain, 0, len(d.ScopeLevels))
	for _, level := range d.ScopeLevels {
		id, _ := rec[d.ScopeColumns[level]].(string)
		chain = append(chain, scope.Link{Level: level, ID: id})
	}
	return chain
}

// applyChain writes the chain's owner ids into the record's scope columns.
func applyChain(d *query.Descriptor, rec Record, chain scope.Chain) {
	for _, link := range chain {
		rec[d.ScopeColumns[link.Level]] = link.ID
	}
}
