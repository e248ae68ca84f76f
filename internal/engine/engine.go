// Package engine orchestrates the access-controlled query pipeline: resolve
// the actor's permissions, narrow the query to its scope, apply the caller's
// filters, enforce soft-delete visibility and assemble the page envelope.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"scopegate.org/internal/access"
	"scopegate.org/internal/audit"
	"scopegate.org/internal/auth"
	"scopegate.org/internal/ids"
	"scopegate.org/internal/obs"
	"scopegate.org/internal/query"
	"scopegate.org/internal/scope"
	"scopegate.org/internal/stream"
)

// Engine is the resource access and query engine. All methods are safe for
// concurrent use; permission and scope evaluation are pure computations, the
// store round trip is the only external call.
type Engine struct {
	registry  *access.Registry
	store     Store
	resources map[string]*query.Descriptor
	events    *stream.Stream
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvents attaches a lifecycle event stream.
func WithEvents(s *stream.Stream) Option {
	return func(e *Engine) { e.events = s }
}

// WithLogger overrides the shared logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an engine over the given role registry and store.
func New(registry *access.Registry, store Store, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("engine: role registry is required")
	}
	if store == nil {
		return nil, errors.New("engine: store is required")
	}
	e := &Engine{
		registry:  registry,
		store:     store,
		resources: make(map[string]*query.Descriptor),
		logger:    obs.Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Register declares resource types. Descriptors are validated here and
// immutable afterwards.
func (e *Engine) Register(descs ...*query.Descriptor) error {
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return err
		}
		if _, dup := e.resources[d.Type]; dup {
			return fmt.Errorf("engine: resource %q already registered", d.Type)
		}
		e.resources[d.Type] = d
	}
	return nil
}

// Descriptor returns the registered descriptor for a resource type.
func (e *Engine) Descriptor(resourceType string) (*query.Descriptor, bool) {
	d, ok := e.resources[strings.TrimSpace(strings.ToLower(resourceType))]
	return d, ok
}

// ResourceTypes returns the registered resource type names.
func (e *Engine) ResourceTypes() []string {
	out := make([]string, 0, len(e.resources))
	for t := range e.resources {
		out = append(out, t)
	}
	return out
}

// ListRequest carries the caller's filter, sort and page window for a list
// operation.
type ListRequest struct {
	Filter         query.FilterSpec
	Sort           []query.SortKey
	Page           query.PageRequest
	IncludeDeleted bool
}

// List returns the page of records the actor may see.
func (e *Engine) List(ctx context.Context, actor *auth.Actor, resourceType string, req ListRequest) (*PageResult, error) {
	d, err := e.gate(actor, access.OpList, resourceType)
	if err != nil {
		return nil, err
	}

	plan, err := query.Build(d, req.Filter, req.Sort, req.Page)
	if err != nil {
		return nil, err
	}

	pred := scope.Narrow(actor.Anchors, d.ScopeLevels)
	exec := ExecPlan{
		Plan:           plan,
		Scope:          pred,
		IncludeDeleted: e.deletedVisible(actor, d, req.IncludeDeleted),
	}
	if pred.MatchesNothing() {
		// Inconsistent anchors fail closed without touching the store.
		return assemblePage(nil, 0, plan.Page, plan.Limit), nil
	}

	records, err := e.store.Count(ctx, exec)
	if err != nil {
		return nil, fmt.Errorf("engine: count %s: %w", d.Type, err)
	}
	var data []Record
	if records > plan.Offset {
		data, err = e.store.Select(ctx, exec)
		if err != nil {
			return nil, fmt.Errorf("engine: select %s: %w", d.Type, err)
		}
	}
	return assemblePage(data, records, plan.Page, plan.Limit), nil
}

// Get returns a single record by id. Records outside the actor's scope are
// indistinguishable from absent ones.
func (e *Engine) Get(ctx context.Context, actor *auth.Actor, resourceType, id string) (Record, error) {
	d, err := e.gate(actor, access.OpRead, resourceType)
	if err != nil {
		return nil, err
	}
	return e.fetchVisible(ctx, actor, d, id)
}

// Create validates and persists a new record under the given scope chain.
func (e *Engine) Create(ctx context.Context, actor *auth.Actor, resourceType string, chain scope.Chain, fields Record) (Record, error) {
	d, err := e.gate(actor, access.OpCreate, resourceType)
	if err != nil {
		return nil, err
	}
	if err := chain.Validate(d.ScopeLevels); err != nil {
		return nil, &query.ValidationError{Code: query.InvalidValue, Field: "scope", Cause: err.Error()}
	}
	// Creating outside the caller's own scope is an operation-level denial:
	// nothing about existing records leaks here.
	if !scope.Narrow(actor.Anchors, d.ScopeLevels).Covers(chain) {
		return nil, fmt.Errorf("%w: scope chain outside actor scope", ErrForbidden)
	}
	clean, err := e.validateFields(d, fields, true)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	rec := clean
	rec[query.ColID] = ids.New()
	rec[query.ColCreatedAt] = now
	rec[query.ColUpdatedAt] = now
	rec[query.ColDeletedAt] = nil
	applyChain(d, rec, chain)

	if err := e.store.Insert(ctx, d, rec); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return nil, err
		}
		return nil, fmt.Errorf("engine: insert %s: %w", d.Type, err)
	}
	e.publish(stream.EventCreated, d.Type, rec.ID(), actor)
	return rec, nil
}

// Update applies field changes to an active record.
func (e *Engine) Update(ctx context.Context, actor *auth.Actor, resourceType, id string, fields Record) (Record, error) {
	d, err := e.gate(actor, access.OpUpdate, resourceType)
	if err != nil {
		return nil, err
	}
	current, err := e.fetchVisible(ctx, actor, d, id)
	if err != nil {
		return nil, err
	}
	if current.Deleted() {
		// Visible tombstone (actor holds view_deleted): mutation is a
		// conflict, not a missing record.
		return nil, ErrAlreadyDeleted
	}
	clean, err := e.validateFields(d, fields, false)
	if err != nil {
		return nil, err
	}
	if len(clean) == 0 {
		return nil, &query.ValidationError{Code: query.InvalidValue, Field: "", Cause: "no fields to update"}
	}

	updated, err := e.store.Update(ctx, d, id, clean, e.now().UTC())
	if err != nil {
		if errors.Is(err, ErrDuplicateKey) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("engine: update %s: %w", d.Type, err)
	}
	return updated, nil
}

// Delete soft-deletes a record: the tombstone transition is a single
// compare-and-set in the store, so a concurrent second delete loses and gets
// the conflict.
func (e *Engine) Delete(ctx context.Context, actor *auth.Actor, resourceType, id string) error {
	d, err := e.gate(actor, access.OpDelete, resourceType)
	if err != nil {
		return err
	}
	pred := scope.Narrow(actor.Anchors, d.ScopeLevels)
	current, err := e.store.Get(ctx, d, id)
	if err != nil {
		return e.wrapStoreErr(d, err)
	}
	if !pred.Covers(ChainOf(d, current)) {
		return ErrNotFound
	}

	if err := e.store.MarkDeleted(ctx, d, id, e.now().UTC()); err != nil {
		if errors.Is(err, ErrAlreadyDeleted) || errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("engine: delete %s: %w", d.Type, err)
	}
	_ = audit.LogEvent(ctx, "resource.delete", map[string]any{
		"resource": d.Type, "record_id": id, "actor_id": actor.ID,
	})
	e.publish(stream.EventDeleted, d.Type, id, actor)
	return nil
}

// Restore clears a tombstone. Restoring is gated by the same capability that
// makes tombstones visible.
func (e *Engine) Restore(ctx context.Context, actor *auth.Actor, resourceType, id string) (Record, error) {
	d, err := e.gate(actor, access.OpViewDeleted, resourceType)
	if err != nil {
		return nil, err
	}
	pred := scope.Narrow(actor.Anchors, d.ScopeLevels)
	current, err := e.store.Get(ctx, d, id)
	if err != nil {
		return nil, e.wrapStoreErr(d, err)
	}
	if !pred.Covers(ChainOf(d, current)) {
		return nil, ErrNotFound
	}

	if err := e.store.Restore(ctx, d, id, e.now().UTC()); err != nil {
		if errors.Is(err, ErrNotDeleted) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateKey) {
			return nil, err
		}
		return nil, fmt.Errorf("engine: restore %s: %w", d.Type, err)
	}
	restored, err := e.store.Get(ctx, d, id)
	if err != nil {
		return nil, e.wrapStoreErr(d, err)
	}
	_ = audit.LogEvent(ctx, "resource.restore", map[string]any{
		"resource": d.Type, "record_id": id, "actor_id": actor.ID,
	})
	e.publish(stream.EventRestored, d.Type, id, actor)
	return restored, nil
}

// Transfer reassigns a record's scope chain. Reassignment is explicit and
// audited; both the current and the target chain must lie inside the actor's
// scope so the operation can widen nobody's reach.
func (e *Engine) Transfer(ctx context.Context, actor *auth.Actor, resourceType, id string, target scope.Chain) (Record, error) {
	d, err := e.gate(actor, access.OpTransfer, resourceType)
	if err != nil {
		return nil, err
	}
	if err := target.Validate(d.ScopeLevels); err != nil {
		return nil, &query.ValidationError{Code: query.InvalidValue, Field: "scope", Cause: err.Error()}
	}
	pred := scope.Narrow(actor.Anchors, d.ScopeLevels)
	current, err := e.store.Get(ctx, d, id)
	if err != nil {
		return nil, e.wrapStoreErr(d, err)
	}
	from := ChainOf(d, current)
	if !pred.Covers(from) {
		return nil, ErrNotFound
	}
	if !pred.Covers(target) {
		return nil, fmt.Errorf("%w: target chain outside actor scope", ErrForbidden)
	}
	if current.Deleted() {
		return nil, ErrAlreadyDeleted
	}

	if err := e.store.UpdateChain(ctx, d, id, target, e.now().UTC()); err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateKey) {
			return nil, err
		}
		return nil, fmt.Errorf("engine: transfer %s: %w", d.Type, err)
	}
	_ = audit.LogEvent(ctx, "resource.transfer", map[string]any{
		"resource": d.Type, "record_id": id, "actor_id": actor.ID,
		"from": from, "to": target,
	})
	e.publish(stream.EventTransferred, d.Type, id, actor)

	updated, err := e.store.Get(ctx, d, id)
	if err != nil {
		return nil, e.wrapStoreErr(d, err)
	}
	return updated, nil
}

// gate performs the operation-level permission check and resolves the
// descriptor. Unknown resource types are not-found, not forbidden.
func (e *Engine) gate(actor *auth.Actor, op access.Operation, resourceType string) (*query.Descriptor, error) {
	if actor == nil {
		return nil, ErrForbidden
	}
	d, ok := e.Descriptor(resourceType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown resource type %q", ErrNotFound, resourceType)
	}
	decision := e.registry.Authorize(actor.Role, op, d.Type)
	obs.ObserveDecision(d.Type, string(op), string(decision))
	if decision != access.Allow {
		e.logger.Debug("operation denied",
			zap.String("actor", actor.ID),
			zap.String("role", actor.Role),
			zap.String("operation", string(op)),
			zap.String("resource", d.Type),
		)
		return nil, fmt.Errorf("%w: role %s may not %s %s", ErrForbidden, actor.Role, op, d.Type)
	}
	return d, nil
}

// fetchVisible gets a record and applies scope and tombstone visibility.
func (e *Engine) fetchVisible(ctx context.Context, actor *auth.Actor, d *query.Descriptor, id string) (Record, error) {
	rec, err := e.store.Get(ctx, d, id)
	if err != nil {
		return nil, e.wrapStoreErr(d, err)
	}
	pred := scope.Narrow(actor.Anchors, d.ScopeLevels)
	if !pred.Covers(ChainOf(d, rec)) {
		return nil, ErrNotFound
	}
	if rec.Deleted() && !e.registry.Allowed(actor.Role, access.OpViewDeleted, d.Type) {
		return nil, ErrNotFound
	}
	return rec, nil
}

// deletedVisible applies the include-deleted policy: the request is honored
// only for roles holding view_deleted and silently downgraded otherwise, so
// the response never reveals whether tombstones exist.
func (e *Engine) deletedVisible(actor *auth.Actor, d *query.Descriptor, requested bool) bool {
	if !requested {
		return false
	}
	return e.registry.Allowed(actor.Role, access.OpViewDeleted, d.Type)
}

// validateFields checks user-supplied values against the declared field set
// and coerces them into the field kinds.
func (e *Engine) validateFields(d *query.Descriptor, fields Record, create bool) (Record, error) {
	clean := make(Record, len(fields))
	for name, raw := range fields {
		f, ok := d.FieldByName(name)
		if !ok {
			return nil, &query.ValidationError{Code: query.UnknownField, Field: name, Cause: "not a declared field of " + d.Type}
		}
		if raw == nil {
			// Required columns are NOT NULL in the SQL backends; rejecting
			// here keeps the conflict a validation error on every store.
			if f.Required {
				return nil, &query.ValidationError{Code: query.InvalidValue, Field: f.Name, Cause: "required field cannot be null"}
			}
			clean[f.Name] = nil
			continue
		}
		v, err := d.CoerceValue(f.Name, raw)
		if err != nil {
			return nil, err
		}
		clean[f.Name] = v
	}
	if create {
		for i := range d.Fields {
			f := &d.Fields[i]
			if f.Required {
				if v, ok := clean[f.Name]; !ok || v == nil {
					return nil, &query.ValidationError{Code: query.InvalidValue, Field: f.Name, Cause: "required field is missing"}
				}
			}
		}
	}
	return clean, nil
}

func (e *Engine) wrapStoreErr(d *query.Descriptor, err error) error {
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("engine: fetch %s: %w", d.Type, err)
}

func (e *Engine) publish(kind stream.EventKind, resource, id string, actor *auth.Actor) {
	if e.events == nil {
		return
	}
	e.events.Publish(stream.Event{
		Kind:      kind,
		Resource:  resource,
		RecordID:  id,
		ActorID:   actor.ID,
		Timestamp: e.now().UTC(),
	})
}
