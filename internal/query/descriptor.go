package query

import (
	"fmt"
	"regexp"
	"strings"

	"scopegate.org/internal/scope"
)

// Kind is the declared value type of a filterable field.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
	KindTime   Kind = "time"
)

// UniquePolicy decides whether a soft-deleted record keeps its unique key
// reserved.
type UniquePolicy string

const (
	// UniqueReserve keeps the key occupied by the tombstone until a hard
	// purge; recreation with the same key is rejected.
	UniqueReserve UniquePolicy = "reserve"

	// UniqueRelease frees the key on soft delete; a new active record may
	// coexist with the tombstoned one.
	UniqueRelease UniquePolicy = "release"
)

// Field declares one queryable attribute of a resource.
type Field struct {
	Name          string
	Column        string
	Kind          Kind
	Filterable    bool
	Sortable      bool
	CaseSensitive bool // substring matching only; declared, never implicit
	Required      bool // must be present on create
}

// Descriptor declares the query surface of one resource type: which fields may
// be filtered and sorted, the ownership levels of its scope chain, unique-key
// handling and page-size bounds. Controllers register descriptors at startup;
// the engine treats them as immutable afterwards.
type Descriptor struct {
	Type  string
	Table string

	Fields []Field

	// ScopeLevels is the ownership path order, outermost first. ScopeColumns
	// maps each level to its storage column.
	ScopeLevels  []scope.Level
	ScopeColumns map[scope.Level]string

	// UniqueKey names the field (if any) that must be unique within the
	// record's scope chain; Unique picks the tombstone policy for it.
	UniqueKey string
	Unique    UniquePolicy

	DefaultLimit int
	MaxLimit     int

	fieldIndex map[string]*Field
}

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Validate checks internal consistency and builds lookup indexes. Must be
// called once before the descriptor is used.
func (d *Descriptor) Validate() error {
	d.Type = strings.TrimSpace(strings.ToLower(d.Type))
	if d.Type == "" {
		return fmt.Errorf("query: descriptor requires a resource type")
	}
	if !identPattern.MatchString(d.Table) {
		return fmt.Errorf("query: resource %s: invalid table name %q", d.Type, d.Table)
	}
	if d.DefaultLimit <= 0 {
		d.DefaultLimit = 50
	}
	if d.MaxLimit <= 0 {
		d.MaxLimit = 200
	}
	if d.DefaultLimit > d.MaxLimit {
		return fmt.Errorf("query: resource %s: default limit %d exceeds max %d", d.Type, d.DefaultLimit, d.MaxLimit)
	}
	if d.Unique == "" {
		d.Unique = UniqueReserve
	}
	if d.Unique != UniqueReserve && d.Unique != UniqueRelease {
		return fmt.Errorf("query: resource %s: unknown unique policy %q", d.Type, d.Unique)
	}

	d.fieldIndex = make(map[string]*Field, len(d.Fields))
	for i := range d.Fields {
		f := &d.Fields[i]
		f.Name = strings.TrimSpace(strings.ToLower(f.Name))
		if f.Name == "" {
			return fmt.Errorf("query: resource %s: field %d has no name", d.Type, i)
		}
		if f.Column == "" {
			f.Column = f.Name
		}
		if !identPattern.MatchString(f.Column) {
			return fmt.Errorf("query: resource %s: invalid column %q", d.Type, f.Column)
		}
		if isReservedField(f.Name) {
			return fmt.Errorf("query: resource %s: field %q shadows a system column", d.Type, f.Name)
		}
		switch f.Kind {
		case KindString, KindInt, KindFloat, KindBool, KindTime:
		default:
			return fmt.Errorf("query: resource %s: field %q has unknown kind %q", d.Type, f.Name, f.Kind)
		}
		if _, dup := d.fieldIndex[f.Name]; dup {
			return fmt.Errorf("query: resource %s: duplicate field %q", d.Type, f.Name)
		}
		d.fieldIndex[f.Name] = f
	}

	if len(d.ScopeLevels) == 0 {
		return fmt.Errorf("query: resource %s: at least one scope level is required", d.Type)
	}
	if d.ScopeColumns == nil {
		d.ScopeColumns = make(map[scope.Level]string, len(d.ScopeLevels))
	}
	seen := make(map[scope.Level]struct{}, len(d.ScopeLevels))
	for _, level := range d.ScopeLevels {
		if _, dup := seen[level]; dup {
			return fmt.Errorf("query: resource %s: duplicate scope level %q", d.Type, level)
		}
		seen[level] = struct{}{}
		col, ok := d.ScopeColumns[level]
		if !ok || col == "" {
			col = string(level) + "_id"
			d.ScopeColumns[level] = col
		}
		if !identPattern.MatchString(col) {
			return fmt.Errorf("query: resource %s: invalid scope column %q", d.Type, col)
		}
	}

	if d.UniqueKey != "" {
		d.UniqueKey = strings.TrimSpace(strings.ToLower(d.UniqueKey))
		if _, ok := d.fieldIndex[d.UniqueKey]; !ok {
			return fmt.Errorf("query: resource %s: unique key %q is not a declared field", d.Type, d.UniqueKey)
		}
	}
	return nil
}

// FieldByName returns the declared field.
func (d *Descriptor) FieldByName(name string) (*Field, bool) {
	f, ok := d.fieldIndex[strings.TrimSpace(strings.ToLower(name))]
	return f, ok
}

// CoerceValue converts a raw value into the declared kind of the named
// field. String inputs are parsed the same way filter operands are.
func (d *Descriptor) CoerceValue(name string, raw any) (any, error) {
	f, ok := d.FieldByName(name)
	if !ok {
		return nil, validationErr(UnknownField, name, "not a declared field of %s", d.Type)
	}
	return coerce(f, raw)
}

// System columns carried by every resource; user fields may not shadow them.
const (
	ColID        = "id"
	ColCreatedAt = "created_at"
	ColUpdatedAt = "updated_at"
	ColDeletedAt = "deleted_at"
)

func isReservedField(name string) bool {
	switch name {
	case ColID, ColCreatedAt, ColUpdatedAt, ColDeletedAt:
		return true
	}
	return false
}
