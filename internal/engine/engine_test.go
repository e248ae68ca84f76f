package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"scopegate.org/internal/access"
	"scopegate.org/internal/auth"
	"scopegate.org/internal/engine"
	"scopegate.org/internal/query"
	"scopegate.org/internal/scope"
	"scopegate.org/internal/store/memory"
)

const (
	levelTenant scope.Level = "tenant"
	levelOrg    scope.Level = "org"
)

func testRegistry(t *testing.T) *access.Registry {
	t.Helper()
	viewer := access.NewRole("viewer").
		Grant(access.OpRead, "projects").
		Grant(access.OpList, "projects")
	editor := access.NewRole("editor").Extend(viewer).
		Grant(access.OpCreate, "projects").
		Grant(access.OpUpdate, "projects").
		Grant(access.OpDelete, "projects").
		Grant(access.OpTransfer, "projects")
	admin := access.NewRole("admin").GrantAll(access.ResourceAny)

	reg := access.NewRegistry()
	if err := reg.Register(viewer, editor, admin); err != nil {
		t.Fatalf("register roles: %v", err)
	}
	return reg
}

func projectDescriptor(policy query.UniquePolicy) *query.Descriptor {
	return &query.Descriptor{
		Type:  "projects",
		Table: "projects",
		Fields: []query.Field{
			{Name: "name", Kind: query.KindString, Filterable: true, Sortable: true, Required: true},
			{Name: "status", Kind: query.KindString, Filterable: true, Sortable: true},
			{Name: "priority", Kind: query.KindInt, Filterable: true, Sortable: true},
			{Name: "archived", Kind: query.KindBool, Filterable: true, Sortable: true},
		},
		ScopeLevels: []scope.Level{levelTenant, levelOrg},
		UniqueKey:   "name",
		Unique:      policy,
	}
}

type fixture struct {
	eng   *engine.Engine
	store *memory.Store
	clock *fakeClock
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newFixture(t *testing.T, policy query.UniquePolicy) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	st := memory.New()
	eng, err := engine.New(testRegistry(t), st, engine.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := eng.Register(projectDescriptor(policy)); err != nil {
		t.Fatalf("register descriptor: %v", err)
	}
	return &fixture{eng: eng, store: st, clock: clock}
}

func actor(role string, anchors map[scope.Level]string) *auth.Actor {
	return &auth.Actor{ID: "actor-" + role, Role: role, Anchors: anchors}
}

func chain(tenant, org string) scope.Chain {
	return scope.Chain{
		{Level: levelTenant, ID: tenant},
		{Level: levelOrg, ID: org},
	}
}

func (f *fixture) seed(t *testing.T, tenant, org string, n int) []engine.Record {
	t.Helper()
	admin := actor("admin", nil)
	out := make([]engine.Record, 0, n)
	for i := 0; i < n; i++ {
		f.clock.Advance(time.Second)
		rec, err := f.eng.Create(context.Background(), admin, "projects", chain(tenant, org), engine.Record{
			"name":     fmt.Sprintf("%s-project-%02d", org, i),
			"status":   "active",
			"priority": i,
			"archived": i%2 == 0,
		})
		if err != nil {
			t.Fatalf("seed %s/%s #%d: %v", tenant, org, i, err)
		}
		out = append(out, rec)
	}
	return out
}

func TestListScopedToOrg(t *testing.T) {
	f := newFixture(t, query.UniqueReserve)
	f.seed(t, "t1", "org-a", 3)
	f.seed(t, "t1", "org-b", 2)

	ctx := context.Background()
	orgA := actor("viewer", map[scope.Level]string{levelTenant: "t1", levelOrg: "org-a"})

	page, err := f.eng.List(ctx, orgA, "projects", engine.ListRequest{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Pagination.Records != 3 {
		t.Fatalf("records = %d, want 3", page.Pagination.Records)
	}
	for _, rec := range page.Data {
		if got := rec["org_id"]; got != "org-a" {
			t.Fatalf("record %s leaked from org %v", rec.ID(), got)
		}
	}
}

func TestListCrossOrgZeroVisibility(t *testing.T) {
	f := newFixture(t, query.UniqueReserve)
	f.seed(t, "t1", "org-a", 4)

	ctx := context.Background()
	orgB := actor("viewer", map[scope.Level]string{levelTenant: "t1", levelOrg: "org-b"})

	page, err := f.eng.List(ctx, orgB, "projects", engine.ListRequest{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Pagination.Records != 0 || len(page.Data) != 0 {
		t.Fatalf("foreign org sees %d records", page.Pagination.Records)
	}
	if page.Data == nil {
		t.Fatal("empty page must carry [], not null")
	}
}

func TestListIdempotent(t *testing.T) {
	f := newFixture(t, query.UniqueReserve)
	f.seed(t, "t1", "org-a", 10)

	ctx := context.Background()
	admin := actor("admin", nil)

	requests := []engine.ListRequest{
		{},
		{Sort: []query.SortKey{{Field: "archived"}}},
		{Sort: []query.SortKey{{Field: "status"}, {Field: "archived", Desc: true}}},
	}
	for ri, req := range requests {
		var first []string
		for run := 0; run < 5; run++ {
			page, err := f.eng.List(ctx, admin, "projects", req)
			if err != nil {
				t.Fatalf("request %d run %d: %v", ri, run, err)
			}
			ids := make([]string, len(page.Data))
			for i, rec := range page.Data {
				ids[i] = rec.ID()
			}
			if run == 0 {
				first = ids
				continue
			}
			for i := range ids {
				if ids[i] != first[i] {
					t.Fatalf("request %d run %d: ordering diverged at %d: %v vs %v", ri, run, i, ids, first)
				}
			}
		}
	}
}

func TestListPageArithmetic(t *testing.T) {
	f := newFixture(t, query.UniqueReserve)
	f.seed(t, "t1", "org-a", 7)

	ctx := context.Background()
	admin := actor("admin", nil)

	page, err := f.eng.List(ctx, admin, "projects", engine.ListRequest{
		Page: query.PageRequest{Page: 2, Limit: 3},
	})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if page.Pagination.Pages != 3 {
		t.Fatalf("pages = %d, want 3", page.Pagination.Pages)
	}
	if page.Pagination.Records != 7 {
		t.Fatalf("records = %d, want 7", page.Pagination.Records)
	}
	if len(page.Data) != 3 {
		t.Fatalf("page 2 has %d rows, want 3", len(page.Data))
	}

	// Pages are 1-based; past-the-end pages are empty with stable counts.
	last, err := f.eng.List(ctx, admin, "projects", engine.ListRequest{
		Page: query.PageRequest{Page: 4, Limit: 3},
	})
	if err != nil {
		t.Fatalf("list page 4: %v", err)
	}
	if len(last.Data) != 0 || last.Pagination.Records != 7 {
		t.Fatalf("past-end page: %d rows, %d records", len(last.Data), last.Pagination.Records)
	}
}

func TestListDefaultOrderNewestFirst(t *testing.T) {
	f := newFixture(t, query.UniqueReserve)
	recs := f.seed(t, "t1", "org-a", 3)

	page, err := f.eng.List(context.Background(), actor("admin", nil), "projects", engine.ListRequest{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got, want := page.Data[0].ID(), recs[2].ID(); got != want {
		t.Fatalf("first row = %s, want newest %s", got, want)
	}
}

func TestListFilterAndSort(t *testing.T) {
	f := newFixture(t, query.UniqueReserve)
	f.seed(t, "t1", "org-a", 5)

	page, err := f.eng.List(context.Background(), actor("admin", nil), "projects", engine.ListRequest{
		Filter: query.FilterSpec{
			{Field: "priority", Op: query.OpRange, From: "1", To: "3"},
		},
		Sort: []query.SortKey{{Field: "priority", Desc: false}},
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Pagination.Records != 3 {
		t.Fatalf("records = %d, want 3 (range bounds are inclusive)", page.Pagination.Records)
	}
	for i, rec := range page.Data {
		if got := rec["priority"]; got != int64(i+1) {
			t.Fatalf("row %d priority = %v, want %d", i, got, i+1)
		}
	}
}

func TestListDenyWithoutCapability(t *testing.T) {
	f := newFixture(t, query.UniqueReserve)
	reg := access.NewRegistry()
	if err := reg.Register(access.NewRole("intern")); err != nil {
		t.Fatalf("register: %v", err)
	}
	eng, err := engine.New(reg, f.store)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := eng.Register(projectDescriptor(query.UniqueReserve)); err != nil {
		t.Fatalf("register descriptor: %v", err)
	}

	_, err = eng.List(context.Background(), actor("intern", nil), "projects", engine.ListRequest{})
	if !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	// Unknown roles fall to the same default.
	_, err = eng.List(context.Background(), actor("ghost", nil), "projects", engine.ListRequest{})
	if !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("unknown role err = %v, want ErrForbidden", err)
	}
}

func TestGetOutOfScopeIsNotFound(t *testing.T) {
	f := newFixture(t, query.UniqueReserve)
	recs := f.seed(t, "t1", "org-a", 1)

	orgB := actor("viewer", map[scope.Level]string{levelTenant: "t1", levelOrg: "org-b"})
	_, err := f.eng.Get(context.Background(), orgB, "projects", recs[0].ID())
	if !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound (existence must not leak)", err)
	}
	if errors.Is(err, engine.ErrForbidden) {
		t.Fatal("out-of-scope read must not surface as forbidden")
	}
}

func TestCreateOutsideScopeForbidden(t *testing.T) {
	f := newFixture(t, query.UniqueReserve)
	orgA := actor("editor", map[scope.Level]string{levelTenant: "t1", levelOrg: "org-a"})

	_, err := f.eng.Create(context.Background(), orgA, "projects", chain("t1", "org-b"), engine.Record{
		"name": "stray",
	})
	if !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, query.UniqueReserve)
	admin := actor("admin", nil)
	ctx := context.Background()

	_, err := f.eng.Create(ctx, admin, "projects", chain("t1", "org-a"), engine.Record{
		"status": "active",
	})
	var verr *query.ValidationError
	if !errors.As(err, &verr) || verr.Field != "name" {
		t.Fatalf("missing required field: err = %v", err)
	}

	_, err = f.eng.Create(ctx, admin, "projects", chain("t1", "org-a"), engine.Record{
		"name":    "p",
		"unknown": 1,
	})
	if !errors.As(err, &verr) || verr.Code != query.UnknownField {
		t.Fatalf("undeclared field: err = %v", err)
	}

	_, err = f.eng.Create(ctx, admin, "projects", scope.Chain{{Level: levelTenant, ID: "t1"}}, engine.Record{
		"name": "p",
	})
	if !errors.As(err, &verr) {
		t.Fatalf("short chain: err = %v", err)
	}
}

func TestUpdate(t *testing.T) {
	f := newFixture(t, query.UniqueReserve)
	recs := f.seed(t, "t1", "org-a", 1)
	editor := actor("editor", map[scope.Level]string{levelTenant: "t1", levelOrg: "org-a"})

	updated, err := f.eng.Update(context.Background(), editor, "projects", recs[0].ID(), engine.Record{
		"status": "archived",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated["status"] != "archived" {
		t.Fatalf("status = %v", updated["status"])
	}
	if updated["name"] != recs[0]["name"] {
		t.Fatal("untouched fields must survive the update")
	}

	// Required fields cannot be nulled out; optional ones can.
	var verr *query.ValidationError
	_, err = f.eng.Update(context.Background(), editor, "projects", recs[0].ID(), engine.Record{
		"name": nil,
	})
	if !errors.As(err, &verr) || verr.Field != "name" {
		t.Fatalf("nulling required field: err = %v", err)
	}
	updated, err = f.eng.Update(context.Background(), editor, "projects", recs[0].ID(), engine.Record{
		"status": nil,
	})
	if err != nil {
		t.Fatalf("nulling optional field: %v", err)
	}
	if updated["status"] != nil {
		t.Fatalf("status = %v, want nil", updated["status"])
	}
}

func TestSoftDeleteLifecycle(t *testing.T) {
	f := newFixture(t, query.UniqueReserve)
	recs := f.seed(t, "t1", "org-a", 2)
	id := recs[0].ID()
	ctx := context.Background()
	admin := actor("admin", nil)
	viewer := actor("viewer", map[scope.Level]string{levelTenant: "t1", levelOrg: "org-a"})

	if err := f.eng.Delete(ctx, admin, "projects", id); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// Default visibility hides the tombstone everywhere.
	if _, err := f.eng.Get(ctx, viewer, "projects", id); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("viewer get deleted: err = %v, want ErrNotFound", err)
	}
	page, err := f.eng.List(ctx, viewer, "projects", engine.ListRequest{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Pagination.Records != 1 {
		t.Fatalf("records after delete = %d, want 1", page.Pagination.Records)
	}

	// include_deleted without the capability is silently downgraded.
	page, err = f.eng.List(ctx, viewer, "projects", engine.ListRequest{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("list include_deleted: %v", err)
	}
	if page.Pagination.Records != 1 {
		t.Fatalf("downgraded list records = %d, want 1", page.Pagination.Records)
	}

	// The capable role sees the tombstone on request, not by default.
	page, err = f.eng.List(ctx, admin, "projects", engine.ListRequest{})
	if err != nil {
		t.Fatalf("admin list: %v", err)
	}
	if page.Pagination.Records != 1 {
		t.Fatalf("admin default records = %d, want 1", page.Pagination.Records)
	}
	page, err = f.eng.List(ctx, admin, "projects", engine.ListRequest{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("admin list include_deleted: %v", err)
	}
	if page.Pagination.Records != 2 {
		t.Fatalf("admin include_deleted records = %d, want 2", page.Pagination.Records)
	}

	// Double delete is a conflict, not idempotent success.
	if err := f.eng.Delete(ctx, admin, "projects", id); !errors.Is(err, engine.ErrAlreadyDeleted) {
		t.Fatalf("second delete err = %v, want ErrAlreadyDeleted", err)
	}

	// Mutating a tombstone is a conflict for roles that can see it.
	if _, err := f.eng.Update(ctx, admin, "projects", id, engine.Record{"status": "x"}); !errors.Is(err, engine.ErrAlreadyDeleted) {
		t.Fatalf("update deleted err = %v, want ErrAlreadyDeleted", err)
	}

	restored, err := f.eng.Restore(ctx, admin, "projects", id)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Deleted() {
		t.Fatal("restored record still tombstoned")
	}
	if _, err := f.eng.Restore(ctx, admin, "projects", id); !errors.Is(err, engine.ErrNotDeleted) {
		t.Fatalf("second restore err = %v, want ErrNotDeleted", err)
	}
	if _, err := f.eng.Get(ctx, viewer, "projects", id); err != nil {
		t.Fatalf("get after restore: %v", err)
	}
}

func TestRestoreRequiresViewDeleted(t *testing.T) {
	f := newFixture(t, query.UniqueReserve)
	recs := f.seed(t, "t1", "org-a", 1)
	ctx := context.Background()
	if err := f.eng.Delete(ctx, actor("admin", nil), "projects", recs[0].ID()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	editor := actor("editor", map[scope.Level]string{levelTenant: "t1", levelOrg: "org-a"})
	if _, err := f.eng.Restore(ctx, editor, "projects", recs[0].ID()); !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("restore err = %v, want ErrForbidden", err)
	}
}

func TestUniqueReservePolicy(t *testing.T) {
	f := newFixture(t, query.UniqueReserve)
	ctx := context.Background()
	admin := actor("admin", nil)

	first, err := f.eng.Create(ctx, admin, "projects", chain("t1", "org-a"), engine.Record{"name": "billing"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.eng.Create(ctx, admin, "projects", chain("t1", "org-a"), engine.Record{"name": "billing"}); !errors.Is(err, engine.ErrDuplicateKey) {
		t.Fatalf("duplicate err = %v, want ErrDuplicateKey", err)
	}
	// The same key in a different chain is free.
	if _, err := f.eng.Create(ctx, admin, "projects", chain("t1", "org-b"), engine.Record{"name": "billing"}); err != nil {
		t.Fatalf("same key, other org: %v", err)
	}

	// Reserve: the tombstone keeps holding the key.
	if err := f.eng.Delete(ctx, admin, "projects", first.ID()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.eng.Create(ctx, admin, "projects", chain("t1", "org-a"), engine.Record{"name": "billing"}); !errors.Is(err, engine.ErrDuplicateKey) {
		t.Fatalf("recreate under reserve err = %v, want ErrDuplicateKey", err)
	}
}

func TestUniqueReleasePolicy(t *testing.T) {
	f := newFixture(t, query.UniqueRelease)
	ctx := context.Background()
	admin := actor("admin", nil)

	first, err := f.eng.Create(ctx, admin, "projects", chain("t1", "org-a"), engine.Record{"name": "billing"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.eng.Delete(ctx, admin, "projects", first.ID()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Release: soft delete frees the key.
	if _, err := f.eng.Create(ctx, admin, "projects", chain("t1", "org-a"), engine.Record{"name": "billing"}); err != nil {
		t.Fatalf("recreate under release: %v", err)
	}
	// But the tombstone cannot come back while the key is taken.
	if _, err := f.eng.Restore(ctx, admin, "projects", first.ID()); !errors.Is(err, engine.ErrDuplicateKey) {
		t.Fatalf("restore into occupied key err = %v, want ErrDuplicateKey", err)
	}
}

func TestTransfer(t *testing.T) {
	f := newFixture(t, query.UniqueReserve)
	recs := f.seed(t, "t1", "org-a", 1)
	id := recs[0].ID()
	ctx := context.Background()

	tenantAdmin := actor("editor", map[scope.Level]string{levelTenant: "t1"})
	moved, err := f.eng.Transfer(ctx, tenantAdmin, "projects", id, chain("t1", "org-b"))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if moved["org_id"] != "org-b" {
		t.Fatalf("org after transfer = %v", moved["org_id"])
	}

	// The record left org-a's slice entirely.
	orgA := actor("viewer", map[scope.Level]string{levelTenant: "t1", levelOrg: "org-a"})
	if _, err := f.eng.Get(ctx, orgA, "projects", id); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("origin org get err = %v, want ErrNotFound", err)
	}

	// An org-anchored actor cannot move records out of its own slice.
	orgBEditor := actor("editor", map[scope.Level]string{levelTenant: "t1", levelOrg: "org-b"})
	if _, err := f.eng.Transfer(ctx, orgBEditor, "projects", id, chain("t1", "org-c")); !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("transfer outside scope err = %v, want ErrForbidden", err)
	}
}

func TestUnknownResourceType(t *testing.T) {
	f := newFixture(t, query.UniqueReserve)
	_, err := f.eng.Get(context.Background(), actor("admin", nil), "widgets", "some-id")
	if !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
