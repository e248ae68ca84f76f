package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"scopegate.org/internal/auth"
	"scopegate.org/internal/engine"
	"scopegate.org/internal/query"
	"scopegate.org/internal/scope"
)

// Filter query parameters: exact match is the bare field name, the other
// predicates hang off suffixes.
//
//	?status=active          equality
//	?name_like=audit        substring
//	?priority_in=1,2,3      membership
//	?priority_min=1         range lower bound (inclusive)
//	?priority_max=9         range upper bound (inclusive)
//	?owner_null=true        null check
//	?sort=priority:desc,name
//	?page=2&limit=50
//	?include_deleted=true
const (
	suffixLike = "_like"
	suffixIn   = "_in"
	suffixMin  = "_min"
	suffixMax  = "_max"
	suffixNull = "_null"
)

var reservedParams = map[string]bool{
	"sort":            true,
	"page":            true,
	"limit":           true,
	"include_deleted": true,
}

func (a *API) handleResources(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/resources/")
	if rest == "" {
		writeError(w, r, http.StatusNotFound, "resource type is required")
		return
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing actor")
		return
	}
	resourceType := parts[0]

	switch len(parts) {
	case 1:
		switch r.Method {
		case http.MethodGet:
			a.listResources(w, r, actor, resourceType)
		case http.MethodPost:
			a.createResource(w, r, actor, resourceType)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}
	case 2:
		id := parts[1]
		switch r.Method {
		case http.MethodGet:
			a.getResource(w, r, actor, resourceType, id)
		case http.MethodPatch:
			a.updateResource(w, r, actor, resourceType, id)
		case http.MethodDelete:
			a.deleteResource(w, r, actor, resourceType, id)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
		}
	case 3:
		id, action := parts[1], parts[2]
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		switch action {
		case "restore":
			a.restoreResource(w, r, actor, resourceType, id)
		case "transfer":
			a.transferResource(w, r, actor, resourceType, id)
		default:
			writeError(w, r, http.StatusNotFound, "unknown action")
		}
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) listResources(w http.ResponseWriter, r *http.Request, actor *auth.Actor, resourceType string) {
	req, err := parseListRequest(r.URL.Query())
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	page, err := a.engine.List(r.Context(), actor, resourceType, req)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) getResource(w http.ResponseWriter, r *http.Request, actor *auth.Actor, resourceType, id string) {
	rec, err := a.engine.Get(r.Context(), actor, resourceType, id)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type createRequest struct {
	Scope  []scopeLink    `json:"scope"`
	Fields map[string]any `json:"fields"`
}

type scopeLink struct {
	Level string `json:"level"`
	ID    string `json:"id"`
}

func toChain(links []scopeLink) scope.Chain {
	chain := make(scope.Chain, 0, len(links))
	for _, l := range links {
		chain = append(chain, scope.Link{Level: scope.Level(l.Level), ID: l.ID})
	}
	return chain
}

func (a *API) createResource(w http.ResponseWriter, r *http.Request, actor *auth.Actor, resourceType string) {
	var req createRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := a.engine.Create(r.Context(), actor, resourceType, toChain(req.Scope), engine.Record(req.Fields))
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/resources/"+resourceType+"/"+rec.ID())
	writeJSON(w, http.StatusCreated, rec)
}

type updateRequest struct {
	Fields map[string]any `json:"fields"`
}

func (a *API) updateResource(w http.ResponseWriter, r *http.Request, actor *auth.Actor, resourceType, id string) {
	var req updateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := a.engine.Update(r.Context(), actor, resourceType, id, engine.Record(req.Fields))
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) deleteResource(w http.ResponseWriter, r *http.Request, actor *auth.Actor, resourceType, id string) {
	if err := a.engine.Delete(r.Context(), actor, resourceType, id); err != nil {
		handleEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) restoreResource(w http.ResponseWriter, r *http.Request, actor *auth.Actor, resourceType, id string) {
	rec, err := a.engine.Restore(r.Context(), actor, resourceType, id)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type transferRequest struct {
	Scope []scopeLink `json:"scope"`
}

func (a *API) transferResource(w http.ResponseWriter, r *http.Request, actor *auth.Actor, resourceType, id string) {
	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := a.engine.Transfer(r.Context(), actor, resourceType, id, toChain(req.Scope))
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// parseListRequest maps query parameters onto the engine's list request.
// Values stay strings here; the planner owns coercion and validation.
func parseListRequest(params url.Values) (engine.ListRequest, error) {
	var req engine.ListRequest

	for key, values := range params {
		if reservedParams[key] || len(values) == 0 {
			continue
		}
		raw := values[0]
		switch {
		case strings.HasSuffix(key, suffixLike):
			req.Filter = append(req.Filter, query.Condition{
				Field: strings.TrimSuffix(key, suffixLike), Op: query.OpContains, Value: raw,
			})
		case strings.HasSuffix(key, suffixIn):
			var members []any
			for _, v := range strings.Split(raw, ",") {
				members = append(members, strings.TrimSpace(v))
			}
			req.Filter = append(req.Filter, query.Condition{
				Field: strings.TrimSuffix(key, suffixIn), Op: query.OpIn, Values: members,
			})
		case strings.HasSuffix(key, suffixMin):
			field := strings.TrimSuffix(key, suffixMin)
			if to := params.Get(field + suffixMax); to != "" {
				req.Filter = append(req.Filter, query.Condition{
					Field: field, Op: query.OpRange, From: raw, To: to,
				})
			} else {
				req.Filter = append(req.Filter, query.Condition{
					Field: field, Op: query.OpRange, From: raw,
				})
			}
		case strings.HasSuffix(key, suffixMax):
			field := strings.TrimSuffix(key, suffixMax)
			if params.Get(field+suffixMin) != "" {
				continue // already folded into the min condition
			}
			req.Filter = append(req.Filter, query.Condition{
				Field: field, Op: query.OpRange, To: raw,
			})
		case strings.HasSuffix(key, suffixNull):
			wantNull, err := strconv.ParseBool(raw)
			if err != nil {
				return req, &query.ValidationError{
					Code: query.InvalidValue, Field: strings.TrimSuffix(key, suffixNull),
					Cause: "null check takes true or false",
				}
			}
			req.Filter = append(req.Filter, query.Condition{
				Field: strings.TrimSuffix(key, suffixNull), Op: query.OpNull, Value: wantNull,
			})
		default:
			req.Filter = append(req.Filter, query.Condition{
				Field: key, Op: query.OpEq, Value: raw,
			})
		}
	}

	if raw := params.Get("sort"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			key := query.SortKey{Field: part}
			if field, dir, found := strings.Cut(part, ":"); found {
				key.Field = field
				switch strings.ToLower(dir) {
				case "desc":
					key.Desc = true
				case "asc":
				default:
					return req, &query.ValidationError{
						Code: query.InvalidSort, Field: field,
						Cause: "sort direction must be asc or desc",
					}
				}
			}
			req.Sort = append(req.Sort, key)
		}
	}

	var err error
	if req.Page.Page, err = intParam(params, "page"); err != nil {
		return req, err
	}
	if req.Page.Limit, err = intParam(params, "limit"); err != nil {
		return req, err
	}
	if raw := params.Get("include_deleted"); raw != "" {
		req.IncludeDeleted, err = strconv.ParseBool(raw)
		if err != nil {
			return req, &query.ValidationError{
				Code: query.InvalidValue, Field: "include_deleted",
				Cause: "include_deleted takes true or false",
			}
		}
	}
	return req, nil
}

func intParam(params url.Values, name string) (int, error) {
	raw := params.Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &query.ValidationError{
			Code: query.InvalidPagination, Field: name,
			Cause: "must be an integer",
		}
	}
	return n, nil
}

func handleEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *query.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, r, http.StatusBadRequest, verr.Error())
	case errors.Is(err, engine.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, engine.ErrDuplicateKey),
		errors.Is(err, engine.ErrAlreadyDeleted),
		errors.Is(err, engine.ErrNotDeleted):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
