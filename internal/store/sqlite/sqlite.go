// Package sqlite is the embedded store backend, for single-node deployments
// and integration tests that want real SQL without a server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "modernc.org/sqlite"

	"scopegate.org/internal/engine"
	"scopegate.org/internal/query"
	"scopegate.org/internal/scope"
	"scopegate.org/internal/store/sqlgen"
)

// Times are stored as fixed-width UTC text; the driver has no native
// timestamp type and range filters compare the text, so the width must not
// vary with the fractional part.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type Store struct {
	db      *sql.DB
	dialect sqlgen.Dialect
}

var _ engine.Store = (*Store)(nil)

// Open opens (or creates) the database file. ":memory:" works for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The driver serializes writes; a single connection avoids SQLITE_BUSY
	// on concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("pragma journal_mode = wal; pragma foreign_keys = on;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, dialect: sqlgen.SQLite{}}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Insert(ctx context.Context, d *query.Descriptor, rec engine.Record) error {
	q, args := sqlgen.Insert(s.dialect, d, rec)
	if _, err := s.db.ExecContext(ctx, q, bindable(args)...); err != nil {
		return translate(err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, d *query.Descriptor, id string) (engine.Record, error) {
	q, args := sqlgen.Get(s.dialect, d, id)
	row := s.db.QueryRowContext(ctx, q, args...)
	rec, err := scanRecord(d, row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) Count(ctx context.Context, p engine.ExecPlan) (int, error) {
	q, args := sqlgen.Count(s.dialect, p)
	var n int
	if err := s.db.QueryRowContext(ctx, q, bindable(args)...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) Select(ctx context.Context, p engine.ExecPlan) ([]engine.Record, error) {
	q, args := sqlgen.Select(s.dialect, p)
	rows, err := s.db.QueryContext(ctx, q, bindable(args)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []engine.Record{}
	for rows.Next() {
		rec, err := scanRecord(p.Plan.Resource, rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Update(ctx context.Context, d *query.Descriptor, id string, fields engine.Record, now time.Time) (engine.Record, error) {
	q, args := sqlgen.Update(s.dialect, d, id, fields, now.UTC().Format(timeLayout))
	res, err := s.db.ExecContext(ctx, q, bindable(args)...)
	if err != nil {
		return nil, translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, engine.ErrNotFound
	}
	return s.Get(ctx, d, id)
}

func (s *Store) MarkDeleted(ctx context.Context, d *query.Descriptor, id string, at time.Time) error {
	q, args := sqlgen.MarkDeleted(s.dialect, d, id, at.UTC().Format(timeLayout))
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.tombstoneConflict(ctx, d, id, engine.ErrAlreadyDeleted)
	}
	return nil
}

func (s *Store) Restore(ctx context.Context, d *query.Descriptor, id string, now time.Time) error {
	q, args := sqlgen.Restore(s.dialect, d, id, now.UTC().Format(timeLayout))
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.tombstoneConflict(ctx, d, id, engine.ErrNotDeleted)
	}
	return nil
}

func (s *Store) UpdateChain(ctx context.Context, d *query.Descriptor, id string, chain scope.Chain, now time.Time) error {
	q, args := sqlgen.UpdateChain(s.dialect, d, id, chain, now.UTC().Format(timeLayout))
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrNotFound
	}
	return nil
}

func (s *Store) tombstoneConflict(ctx context.Context, d *query.Descriptor, id string, conflict error) error {
	var one int
	err := s.db.QueryRowContext(ctx,
		"select 1 from "+d.Table+" where id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.ErrNotFound
	}
	if err != nil {
		return err
	}
	return conflict
}

// translate maps the driver's constraint errors onto the store contract.
func translate(err error) error {
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		// 2067 SQLITE_CONSTRAINT_UNIQUE, 1555 SQLITE_CONSTRAINT_PRIMARYKEY.
		if code := serr.Code(); code == 2067 || code == 1555 {
			return fmt.Errorf("%w: %v", engine.ErrDuplicateKey, err)
		}
	}
	return err
}

// bindable rewrites time values into the text representation the schema
// stores.
func bindable(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if t, ok := a.(time.Time); ok {
			out[i] = t.UTC().Format(timeLayout)
			continue
		}
		out[i] = a
	}
	return out
}

func scanRecord(d *query.Descriptor, scan func(...any) error) (engine.Record, error) {
	var (
		id        string
		createdAt string
		updatedAt string
		deletedAt sql.NullString
	)
	dests := []any{&id, &createdAt, &updatedAt, &deletedAt}

	scopeVals := make([]string, len(d.ScopeLevels))
	for i := range scopeVals {
		dests = append(dests, &scopeVals[i])
	}
	fieldVals := make([]any, len(d.Fields))
	for i := range d.Fields {
		switch d.Fields[i].Kind {
		case query.KindInt:
			fieldVals[i] = &sql.NullInt64{}
		case query.KindFloat:
			fieldVals[i] = &sql.NullFloat64{}
		case query.KindBool:
			fieldVals[i] = &sql.NullBool{}
		default:
			// KindTime rides on text too.
			fieldVals[i] = &sql.NullString{}
		}
		dests = append(dests, fieldVals[i])
	}

	if err := scan(dests...); err != nil {
		return nil, err
	}

	rec := engine.Record{query.ColID: id, query.ColDeletedAt: nil}
	var err error
	if rec[query.ColCreatedAt], err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if rec[query.ColUpdatedAt], err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		if rec[query.ColDeletedAt], err = parseTime(deletedAt.String); err != nil {
			return nil, err
		}
	}
	for i, level := range d.ScopeLevels {
		rec[d.ScopeColumns[level]] = scopeVals[i]
	}
	for i := range d.Fields {
		f := &d.Fields[i]
		v := unwrap(fieldVals[i])
		if f.Kind == query.KindTime {
			if s, ok := v.(string); ok {
				if v, err = parseTime(s); err != nil {
					return nil, err
				}
			}
		}
		rec[f.Column] = v
	}
	return rec, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: bad stored timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func unwrap(v any) any {
	switch n := v.(type) {
	case *sql.NullString:
		if n.Valid {
			return n.String
		}
	case *sql.NullInt64:
		if n.Valid {
			return n.Int64
		}
	case *sql.NullFloat64:
		if n.Valid {
			return n.Float64
		}
	case *sql.NullBool:
		if n.Valid {
			return n.Bool
		}
	}
	return nil
}
