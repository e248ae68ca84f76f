// Package pg is the postgres store backend.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"scopegate.org/internal/engine"
	"scopegate.org/internal/query"
	"scopegate.org/internal/scope"
	"scopegate.org/internal/store/sqlgen"
)

// uniqueViolation is the postgres error code for unique-constraint conflicts.
// Unique keys live in the schema as partial indexes, so the reserve/release
// tombstone policy is decided by the index definition, not by this code.
const uniqueViolation = "23505"

type Store struct {
	db      *sql.DB
	dialect sqlgen.Dialect
}

var _ engine.Store = (*Store)(nil)

// Open connects via the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewWithDB(db), nil
}

// NewWithDB wraps an existing handle; tests inject sqlmock through here.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, dialect: sqlgen.Postgres{}}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Insert(ctx context.Context, d *query.Descriptor, rec engine.Record) error {
	q, args := sqlgen.Insert(s.dialect, d, rec)
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
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
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) Select(ctx context.Context, p engine.ExecPlan) ([]engine.Record, error) {
	q, args := sqlgen.Select(s.dialect, p)
	rows, err := s.db.QueryContext(ctx, q, args...)
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
	q, args := sqlgen.Update(s.dialect, d, id, fields, now)
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, engine.ErrNotFound
	}
	return s.Get(ctx, d, id)
}

func (s *Store) MarkDeleted(ctx context.Context, d *query.Descriptor, id string, at time.Time) error {
	q, args := sqlgen.MarkDeleted(s.dialect, d, id, at)
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the compare-and-set: absent record or already tombstoned.
		return s.tombstoneConflict(ctx, d, id, engine.ErrAlreadyDeleted)
	}
	return nil
}

func (s *Store) Restore(ctx context.Context, d *query.Descriptor, id string, now time.Time) error {
	q, args := sqlgen.Restore(s.dialect, d, id, now)
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
	q, args := sqlgen.UpdateChain(s.dialect, d, id, chain, now)
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrNotFound
	}
	return nil
}

// tombstoneConflict distinguishes a missing row from one already on the other
// side of the tombstone transition.
func (s *Store) tombstoneConflict(ctx context.Context, d *query.Descriptor, id string, conflict error) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"select true from "+d.Table+" where id = $1", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.ErrNotFound
	}
	if err != nil {
		return err
	}
	return conflict
}

func translate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", engine.ErrDuplicateKey, pgErr.ConstraintName)
	}
	return err
}

// scanRecord reads one row in sqlgen.Columns order into a generic record.
func scanRecord(d *query.Descriptor, scan func(...any) error) (engine.Record, error) {
	var (
		id        string
		createdAt time.Time
		updatedAt time.Time
		deletedAt sql.NullTime
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
		case query.KindTime:
			fieldVals[i] = &sql.NullTime{}
		default:
			fieldVals[i] = &sql.NullString{}
		}
		dests = append(dests, fieldVals[i])
	}

	if err := scan(dests...); err != nil {
		return nil, err
	}

	rec := engine.Record{
		query.ColID:        id,
		query.ColCreatedAt: createdAt.UTC(),
		query.ColUpdatedAt: updatedAt.UTC(),
		query.ColDeletedAt: nil,
	}
	if deletedAt.Valid {
		rec[query.ColDeletedAt] = deletedAt.Time.UTC()
	}
	for i, level := range d.ScopeLevels {
		rec[d.ScopeColumns[level]] = scopeVals[i]
	}
	for i := range d.Fields {
		rec[d.Fields[i].Column] = unwrap(fieldVals[i])
	}
	return rec, nil
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
	case *sql.NullTime:
		if n.Valid {
			return n.Time.UTC()
		}
	}
	return nil
}
