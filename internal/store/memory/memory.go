// Package memory is the in-process store backend. It evaluates query plans
// directly against cloned record maps and is the reference implementation the
// SQL backends must agree with.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"scopegate.org/internal/engine"
	"scopegate.org/internal/query"
	"scopegate.org/internal/scope"
)

// Store keeps all records in memory, one table per resource type. Safe for
// concurrent use.
type Store struct {
	mu     sync.RWMutex
	tables map[string]map[string]engine.Record // resource type -> id -> record
}

// New returns an empty store.
func New() *Store {
	return &Store{tables: make(map[string]map[string]engine.Record)}
}

func (s *Store) table(d *query.Descriptor) map[string]engine.Record {
	t, ok := s.tables[d.Type]
	if !ok {
		t = make(map[string]engine.Record)
		s.tables[d.Type] = t
	}
	return t
}

// Insert persists a new record, enforcing the resource's unique key against
// the same scope chain.
func (s *Store) Insert(ctx context.Context, d *query.Descriptor, rec engine.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(d)
	id := rec.ID()
	if _, exists := t[id]; exists {
		return fmt.Errorf("%w: id %s", engine.ErrDuplicateKey, id)
	}
	if err := s.checkUnique(d, t, rec, id); err != nil {
		return err
	}
	t[id] = rec.Clone()
	return nil
}

// checkUnique enforces the descriptor's unique key within the record's scope
// chain. Under the release policy tombstoned holders do not block the key.
func (s *Store) checkUnique(d *query.Descriptor, t map[string]engine.Record, rec engine.Record, selfID string) error {
	if d.UniqueKey == "" {
		return nil
	}
	f, ok := d.FieldByName(d.UniqueKey)
	if !ok {
		return nil
	}
	val, present := rec[f.Column]
	if !present || val == nil {
		return nil
	}
	chain := engine.ChainOf(d, rec)
	for id, other := range t {
		if id == selfID {
			continue
		}
		if other.Deleted() && d.Unique == query.UniqueRelease {
			continue
		}
		if !sameChain(engine.ChainOf(d, other), chain) {
			continue
		}
		if ov, ok := other[f.Column]; ok && ov != nil && query.Compare(f.Kind, ov, val) == 0 {
			return fmt.Errorf("%w: %s %v", engine.ErrDuplicateKey, d.UniqueKey, val)
		}
	}
	return nil
}

func sameChain(a, b scope.Chain) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Get fetches by id, tombstoned or not.
func (s *Store) Get(ctx context.Context, d *query.Descriptor, id string) (engine.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.tables[d.Type][id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return rec.Clone(), nil
}

// Count returns the number of records matching the plan.
func (s *Store) Count(ctx context.Context, p ExecPlan) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, rec := range s.tables[p.Plan.Resource.Type] {
		if s.matches(p, rec) {
			n++
		}
	}
	return n, nil
}

// ExecPlan aliases the engine's combined plan type.
type ExecPlan = engine.ExecPlan

// Select returns the ordered page window of records matching the plan.
func (s *Store) Select(ctx context.Context, p ExecPlan) ([]engine.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []engine.Record
	for _, rec := range s.tables[p.Plan.Resource.Type] {
		if s.matches(p, rec) {
			hits = append(hits, rec.Clone())
		}
	}
	sortRecords(p.Plan, hits)

	start := p.Plan.Offset
	if start >= len(hits) {
		return []engine.Record{}, nil
	}
	end := start + p.Plan.Limit
	if end > len(hits) {
		end = len(hits)
	}
	return hits[start:end], nil
}

func (s *Store) matches(p ExecPlan, rec engine.Record) bool {
	if p.Scope.MatchesNothing() {
		return false
	}
	if rec.Deleted() && !p.IncludeDeleted {
		return false
	}
	d := p.Plan.Resource
	if !p.Scope.Covers(engine.ChainOf(d, rec)) {
		return false
	}
	for _, cond := range p.Plan.Conditions {
		f, ok := d.FieldByName(cond.Field)
		if !ok {
			return false
		}
		if !cond.Matches(f, rec[f.Column]) {
			return false
		}
	}
	return true
}

// sortRecords applies the plan's resolved order. Nil values sort last
// regardless of direction so pages stay stable.
func sortRecords(plan *query.Plan, recs []engine.Record) {
	d := plan.Resource
	sort.SliceStable(recs, func(i, j int) bool {
		for _, key := range plan.Order {
			a, b := recs[i][key.Column], recs[j][key.Column]
			if a == nil && b == nil {
				continue
			}
			if a == nil {
				return false
			}
			if b == nil {
				return true
			}
			c := query.Compare(columnKind(d, key.Column), a, b)
			// Incomparable values tie, keeping the comparator antisymmetric.
			if c != -1 && c != 1 {
				continue
			}
			if key.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// columnKind resolves the value kind behind a storage column, including the
// system columns the default ordering uses.
func columnKind(d *query.Descriptor, column string) query.Kind {
	switch column {
	case query.ColCreatedAt, query.ColUpdatedAt, query.ColDeletedAt:
		return query.KindTime
	case query.ColID:
		return query.KindString
	}
	for i := range d.Fields {
		if d.Fields[i].Column == column {
			return d.Fields[i].Kind
		}
	}
	return query.KindString
}

// Update applies field values to an active record.
func (s *Store) Update(ctx context.Context, d *query.Descriptor, id string, fields engine.Record, now time.Time) (engine.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(d)
	rec, ok := t[id]
	if !ok || rec.Deleted() {
		return nil, engine.ErrNotFound
	}
	candidate := rec.Clone()
	for name, v := range fields {
		if f, ok := d.FieldByName(name); ok {
			candidate[f.Column] = v
		}
	}
	candidate[query.ColUpdatedAt] = now
	if err := s.checkUnique(d, t, candidate, id); err != nil {
		return nil, err
	}
	t[id] = candidate
	return candidate.Clone(), nil
}

// MarkDeleted sets the tombstone iff it is not set.
func (s *Store) MarkDeleted(ctx context.Context, d *query.Descriptor, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tables[d.Type][id]
	if !ok {
		return engine.ErrNotFound
	}
	if rec.Deleted() {
		return engine.ErrAlreadyDeleted
	}
	rec[query.ColDeletedAt] = at
	rec[query.ColUpdatedAt] = at
	return nil
}

// Restore clears the tombstone iff it is set.
func (s *Store) Restore(ctx context.Context, d *query.Descriptor, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(d)
	rec, ok := t[id]
	if !ok {
		return engine.ErrNotFound
	}
	if !rec.Deleted() {
		return engine.ErrNotDeleted
	}
	candidate := rec.Clone()
	candidate[query.ColDeletedAt] = nil
	candidate[query.ColUpdatedAt] = now
	// Restoring back into an occupied key is the same conflict as creating
	// one.
	if err := s.checkUnique(d, t, candidate, id); err != nil {
		return err
	}
	t[id] = candidate
	return nil
}

// UpdateChain rewrites the record's scope columns.
func (s *Store) UpdateChain(ctx context.Context, d *query.Descriptor, id string, chain scope.Chain, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(d)
	rec, ok := t[id]
	if !ok {
		return engine.ErrNotFound
	}
	candidate := rec.Clone()
	for _, link := range chain {
		candidate[d.ScopeColumns[link.Level]] = link.ID
	}
	candidate[query.ColUpdatedAt] = now
	// The key must be free in the destination chain too.
	if err := s.checkUnique(d, t, candidate, id); err != nil {
		return err
	}
	t[id] = candidate
	return nil
}
