// Package access implements the operation-level permission check. A role is a
// named set of granted (operation, resource type) capabilities; composition is
// set union, so a new role never needs code changes in existing ones. Every
// triple that was not explicitly granted is denied.
package access

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Operation is the closed set of actions the evaluator understands.
type Operation string

const (
	OpCreate Operation = "create"
	OpRead   Operation = "read"
	OpList   Operation = "list"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"

	// OpViewDeleted gates visibility of soft-deleted records and the restore
	// operation.
	OpViewDeleted Operation = "view_deleted"

	// OpTransfer gates scope-chain reassignment (ownership transfer).
	OpTransfer Operation = "transfer"
)

var operations = map[Operation]struct{}{
	OpCreate:      {},
	OpRead:        {},
	OpList:        {},
	OpUpdate:      {},
	OpDelete:      {},
	OpViewDeleted: {},
	OpTransfer:    {},
}

// ValidOperation reports whether op belongs to the closed operation set.
func ValidOperation(op Operation) bool {
	_, ok := operations[op]
	return ok
}

// ResourceAny grants a capability for every resource type.
const ResourceAny = "*"

// Decision is the outcome of an authorization check.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

type capability struct {
	op       Operation
	resource string
}

// Role is a named capability set.
type Role struct {
	name string
	caps map[capability]struct{}
}

// NewRole creates an empty role.
func NewRole(name string) *Role {
	return &Role{
		name: strings.TrimSpace(strings.ToLower(name)),
		caps: make(map[capability]struct{}),
	}
}

// Name returns the normalized role name.
func (r *Role) Name() string { return r.name }

// Grant adds the operation for each listed resource type and returns the role
// for chaining.
func (r *Role) Grant(op Operation, resourceTypes ...string) *Role {
	for _, rt := range resourceTypes {
		rt = strings.TrimSpace(strings.ToLower(rt))
		if rt == "" {
			continue
		}
		r.caps[capability{op: op, resource: rt}] = struct{}{}
	}
	return r
}

// GrantAll adds every operation for the listed resource types.
func (r *Role) GrantAll(resourceTypes ...string) *Role {
	for op := range operations {
		r.Grant(op, resourceTypes...)
	}
	return r
}

// Extend unions the capabilities of the given roles into this one. "Admin can
// do what Manager can" is expressed here, not through inheritance chains.
func (r *Role) Extend(parents ...*Role) *Role {
	for _, p := range parents {
		if p == nil {
			continue
		}
		for c := range p.caps {
			r.caps[c] = struct{}{}
		}
	}
	return r
}

// Capabilities returns the sorted "operation:resource" pairs. Used by the
// introspection endpoint and by tests.
func (r *Role) Capabilities() []string {
	out := make([]string, 0, len(r.caps))
	for c := range r.caps {
		out = append(out, string(c.op)+":"+c.resource)
	}
	sort.Strings(out)
	return out
}

func (r *Role) allows(op Operation, resourceType string) bool {
	if _, ok := r.caps[capability{op: op, resource: resourceType}]; ok {
		return true
	}
	_, ok := r.caps[capability{op: op, resource: ResourceAny}]
	return ok
}

// Registry holds the declared roles. Reads are lock-free after setup; roles
// are registered at startup and never mutated afterwards.
type Registry struct {
	mu    sync.RWMutex
	roles map[string]*Role
}

// NewRegistry creates an empty role registry.
func NewRegistry() *Registry {
	return &Registry{roles: make(map[string]*Role)}
}

// Register adds a role. Registering the same name twice is an error: silent
// replacement is exactly the kind of accidental grant the default-deny rule
// exists to prevent.
func (reg *Registry) Register(roles ...*Role) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, r := range roles {
		if r == nil || r.name == "" {
			return errors.New("access: role name is required")
		}
		if _, exists := reg.roles[r.name]; exists {
			return fmt.Errorf("access: role %q already registered", r.name)
		}
		reg.roles[r.name] = r
	}
	return nil
}

// Role returns the registered role by name.
func (reg *Registry) Role(name string) (*Role, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.roles[strings.TrimSpace(strings.ToLower(name))]
	return r, ok
}

// RoleNames returns the sorted list of registered role names.
func (reg *Registry) RoleNames() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	names := make([]string, 0, len(reg.roles))
	for name := range reg.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Authorize decides whether the role may perform the operation on the resource
// type. It is a total function: unknown roles, unknown operations and
// undeclared triples all yield Deny.
func (reg *Registry) Authorize(role string, op Operation, resourceType string) Decision {
	if !ValidOperation(op) {
		return Deny
	}
	resourceType = strings.TrimSpace(strings.ToLower(resourceType))
	if resourceType == "" {
		return Deny
	}
	r, ok := reg.Role(role)
	if !ok {
		return Deny
	}
	if r.allows(op, resourceType) {
		return Allow
	}
	return Deny
}

// Allowed is the boolean shorthand for Authorize.
func (reg *Registry) Allowed(role string, op Operation, resourceType string) bool {
	return reg.Authorize(role, op, resourceType) == Allow
}
