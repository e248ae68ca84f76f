package migrate

import (
	"fmt"
	"strings"

	"scopegate.org/internal/query"
)

// TableDDL renders the create-table statement plus indexes for one resource
// descriptor. The unique index encodes the descriptor's tombstone policy:
// under the release policy only active rows hold the key, under reserve the
// tombstone keeps holding it.
func TableDDL(d *query.Descriptor, driver Driver) string {
	var b strings.Builder

	timeType := "timestamptz"
	if driver == DriverSQLite {
		timeType = "text"
	}

	fmt.Fprintf(&b, "create table if not exists %s (\n", d.Table)
	fmt.Fprintf(&b, "    %s text primary key,\n", query.ColID)
	fmt.Fprintf(&b, "    %s %s not null,\n", query.ColCreatedAt, timeType)
	fmt.Fprintf(&b, "    %s %s not null,\n", query.ColUpdatedAt, timeType)
	fmt.Fprintf(&b, "    %s %s,\n", query.ColDeletedAt, timeType)
	for _, level := range d.ScopeLevels {
		fmt.Fprintf(&b, "    %s text not null,\n", d.ScopeColumns[level])
	}
	for i := range d.Fields {
		f := &d.Fields[i]
		null := ""
		if f.Required {
			null = " not null"
		}
		fmt.Fprintf(&b, "    %s %s%s,\n", f.Column, columnType(f.Kind, driver), null)
	}
	trimmed := strings.TrimSuffix(b.String(), ",\n") + "\n);\n"

	b.Reset()
	b.WriteString(trimmed)

	// Scope columns carry every list query; index the chain as a whole.
	if len(d.ScopeLevels) > 0 {
		cols := make([]string, len(d.ScopeLevels))
		for i, level := range d.ScopeLevels {
			cols[i] = d.ScopeColumns[level]
		}
		fmt.Fprintf(&b, "create index if not exists %s_scope_idx on %s (%s);\n",
			d.Table, d.Table, strings.Join(cols, ", "))
	}

	if d.UniqueKey != "" {
		if f, ok := d.FieldByName(d.UniqueKey); ok {
			cols := make([]string, 0, len(d.ScopeLevels)+1)
			for _, level := range d.ScopeLevels {
				cols = append(cols, d.ScopeColumns[level])
			}
			cols = append(cols, f.Column)
			fmt.Fprintf(&b, "create unique index if not exists %s_%s_key on %s (%s)",
				d.Table, f.Column, d.Table, strings.Join(cols, ", "))
			if d.Unique == query.UniqueRelease {
				fmt.Fprintf(&b, " where %s is null", query.ColDeletedAt)
			}
			b.WriteString(";\n")
		}
	}
	return b.String()
}

func columnType(kind query.Kind, driver Driver) string {
	switch kind {
	case query.KindInt:
		return "bigint"
	case query.KindFloat:
		return "double precision"
	case query.KindBool:
		if driver == DriverSQLite {
			return "integer"
		}
		return "boolean"
	case query.KindTime:
		if driver == DriverSQLite {
			return "text"
		}
		return "timestamptz"
	}
	return "text"
}
