package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"scopegate.org/internal/auth"
	"scopegate.org/internal/config"
	"scopegate.org/internal/engine"
	"scopegate.org/internal/query"
	"scopegate.org/internal/store/memory"
)

const testSecret = "test-secret-not-for-production"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	hash, err := auth.HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
server:
  rate_limit_rps: 1000
  rate_limit_burst: 1000

store:
  driver: memory

roles:
  - name: editor
    grants:
      - operations: [create, read, list, update, delete, transfer]
        resources: [tickets]
  - name: admin
    grants:
      - operations: ["*"]
        resources: ["*"]

resources:
  - type: tickets
    scope_levels: [tenant, org]
    unique_key: slug
    fields:
      - name: slug
        filterable: true
        sortable: true
        required: true
      - name: status
        filterable: true
        sortable: true
      - name: severity
        kind: int
        filterable: true
        sortable: true

principals:
  - id: user-editor
    role: editor
    password_hash: "%s"
    anchors:
      tenant: t1
      org: org-a
  - id: user-admin
    role: admin
    password_hash: "%s"
`, hash, hash)))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func testServer(t *testing.T) (*httptest.Server, *config.Config) {
	t.Helper()
	cfg := testConfig(t)

	registry, err := cfg.BuildRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	descs, err := cfg.BuildDescriptors()
	if err != nil {
		t.Fatalf("descriptors: %v", err)
	}
	eng, err := engine.New(registry, memory.New())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if err := eng.Register(descs...); err != nil {
		t.Fatalf("register: %v", err)
	}
	resolver, err := auth.NewResolver(
		auth.WithSecret([]byte(testSecret)),
		auth.WithKnownRoles(registry.RoleNames()...),
	)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}

	api := New(eng, resolver, cfg)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv, cfg
}

func obtainToken(t *testing.T, srv *httptest.Server, principal string) string {
	t.Helper()
	body := fmt.Sprintf(`{"principal_id":%q,"password":"hunter2"}`, principal)
	resp, err := http.Post(srv.URL+"/v1/auth/token", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("token request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token status = %d", resp.StatusCode)
	}
	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	return tr.Token
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func createTicket(t *testing.T, srv *httptest.Server, token, org, slug string, severity int) map[string]any {
	t.Helper()
	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/resources/tickets", token, map[string]any{
		"scope": []map[string]string{
			{"level": "tenant", "id": "t1"},
			{"level": "org", "id": org},
		},
		"fields": map[string]any{
			"slug":     slug,
			"status":   "open",
			"severity": severity,
		},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create %s status = %d", slug, resp.StatusCode)
	}
	var rec map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	return rec
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, _ := testServer(t)
	resp, err := http.Get(srv.URL + "/v1/resources/tickets")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestBadCredentials(t *testing.T) {
	srv, _ := testServer(t)
	for _, body := range []string{
		`{"principal_id":"user-editor","password":"wrong"}`,
		`{"principal_id":"nobody","password":"hunter2"}`,
	} {
		resp, err := http.Post(srv.URL+"/v1/auth/token", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", resp.StatusCode)
		}
	}
}

func TestCreateListFlow(t *testing.T) {
	srv, _ := testServer(t)
	admin := obtainToken(t, srv, "user-admin")
	editor := obtainToken(t, srv, "user-editor")

	createTicket(t, srv, admin, "org-a", "login-broken", 3)
	createTicket(t, srv, admin, "org-a", "slow-search", 1)
	createTicket(t, srv, admin, "org-b", "billing-bug", 5)

	// The org-anchored editor sees only its slice.
	resp := doJSON(t, http.MethodGet, srv.URL+"/v1/resources/tickets", editor, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var page struct {
		Data       []map[string]any `json:"data"`
		Pagination struct {
			Records int `json:"records"`
			Pages   int `json:"pages"`
			Current int `json:"current"`
		} `json:"pagination"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.Pagination.Records != 2 || len(page.Data) != 2 {
		t.Fatalf("editor sees %d records, want 2", page.Pagination.Records)
	}
	for _, rec := range page.Data {
		if rec["org_id"] != "org-a" {
			t.Fatalf("leaked record from %v", rec["org_id"])
		}
	}

	// Filter + sort via query params.
	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/resources/tickets?severity_min=2&sort=severity:desc", admin, nil)
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode filtered: %v", err)
	}
	if page.Pagination.Records != 2 {
		t.Fatalf("filtered records = %d, want 2", page.Pagination.Records)
	}
	if page.Data[0]["severity"].(float64) != 5 {
		t.Fatalf("sort broken: %v", page.Data[0])
	}
}

func TestValidationErrorsAre400(t *testing.T) {
	srv, _ := testServer(t)
	admin := obtainToken(t, srv, "user-admin")

	for _, path := range []string{
		"/v1/resources/tickets?bogus=1",
		"/v1/resources/tickets?page=0",
		"/v1/resources/tickets?limit=100000",
		"/v1/resources/tickets?sort=slug:sideways",
		"/v1/resources/tickets?severity=notanumber",
	} {
		resp := doJSON(t, http.MethodGet, srv.URL+path, admin, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s status = %d, want 400", path, resp.StatusCode)
		}
	}
}

func TestLifecycleOverHTTP(t *testing.T) {
	srv, _ := testServer(t)
	admin := obtainToken(t, srv, "user-admin")

	rec := createTicket(t, srv, admin, "org-a", "flaky-test", 2)
	id := rec["id"].(string)
	base := srv.URL + "/v1/resources/tickets/" + id

	// Duplicate slug in the same chain conflicts.
	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/resources/tickets", admin, map[string]any{
		"scope": []map[string]string{
			{"level": "tenant", "id": "t1"},
			{"level": "org", "id": "org-a"},
		},
		"fields": map[string]any{"slug": "flaky-test"},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", resp.StatusCode)
	}

	// Update.
	resp = doJSON(t, http.MethodPatch, base, admin, map[string]any{
		"fields": map[string]any{"status": "closed"},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}

	// Delete, then double delete conflicts.
	resp = doJSON(t, http.MethodDelete, base, admin, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodDelete, base, admin, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double delete status = %d, want 409", resp.StatusCode)
	}

	// Hidden from default list, visible with include_deleted.
	var page struct {
		Pagination struct {
			Records int `json:"records"`
		} `json:"pagination"`
	}
	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/resources/tickets", admin, nil)
	_ = json.NewDecoder(resp.Body).Decode(&page)
	resp.Body.Close()
	if page.Pagination.Records != 0 {
		t.Fatalf("deleted record still listed")
	}
	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/resources/tickets?include_deleted=true", admin, nil)
	_ = json.NewDecoder(resp.Body).Decode(&page)
	resp.Body.Close()
	if page.Pagination.Records != 1 {
		t.Fatalf("tombstone invisible to admin")
	}

	// Restore.
	resp = doJSON(t, http.MethodPost, base+"/restore", admin, map[string]any{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restore status = %d", resp.StatusCode)
	}
}

func TestTransferOverHTTP(t *testing.T) {
	srv, _ := testServer(t)
	admin := obtainToken(t, srv, "user-admin")
	editor := obtainToken(t, srv, "user-editor")

	rec := createTicket(t, srv, admin, "org-a", "moving", 1)
	id := rec["id"].(string)

	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/resources/tickets/"+id+"/transfer", admin, map[string]any{
		"scope": []map[string]string{
			{"level": "tenant", "id": "t1"},
			{"level": "org", "id": "org-b"},
		},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transfer status = %d", resp.StatusCode)
	}

	// Gone from the editor's org.
	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/resources/tickets/"+id, editor, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-org get status = %d, want 404", resp.StatusCode)
	}
}

func TestRevokedTokenRejected(t *testing.T) {
	srv, _ := testServer(t)
	editor := obtainToken(t, srv, "user-editor")

	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/auth/revoke", editor, map[string]any{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/resources/tickets", editor, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked token status = %d, want 401", resp.StatusCode)
	}
}

func TestParseListRequest(t *testing.T) {
	req, err := parseListRequest(mustQuery(t, "status=open&slug_like=bug&severity_min=1&severity_max=5&sort=severity:desc&page=3&limit=10"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(req.Filter) != 3 {
		t.Fatalf("filters = %d: %+v", len(req.Filter), req.Filter)
	}
	ops := map[query.PredOp]bool{}
	for _, c := range req.Filter {
		ops[c.Op] = true
	}
	if !ops[query.OpEq] || !ops[query.OpContains] || !ops[query.OpRange] {
		t.Fatalf("filter ops = %v", ops)
	}
	if req.Page.Page != 3 || req.Page.Limit != 10 {
		t.Fatalf("page = %+v", req.Page)
	}
	if len(req.Sort) != 1 || !req.Sort[0].Desc {
		t.Fatalf("sort = %+v", req.Sort)
	}

	if _, err := parseListRequest(mustQuery(t, "page=x")); err == nil {
		t.Fatal("non-numeric page accepted")
	}
	if _, err := parseListRequest(mustQuery(t, "owner_null=maybe")); err == nil {
		t.Fatal("bad null check accepted")
	}
}

func mustQuery(t *testing.T, raw string) map[string][]string {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "/?"+raw, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return req.URL.Query()
}
