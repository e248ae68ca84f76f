package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"scopegate.org/internal/audit"
	"scopegate.org/internal/auth"
	"scopegate.org/internal/scope"
)

type tokenRequest struct {
	PrincipalID string `json:"principal_id"`
	Password    string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Role      string    `json:"role"`
}

func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := strings.TrimSpace(req.PrincipalID)
	if id == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "principal_id and password are required")
		return
	}

	principal, ok := a.cfg.FindPrincipal(id)
	if !ok {
		// Burn the same hashing cost for unknown principals.
		_ = auth.VerifyPassword(req.Password, "$argon2id$v=19$m=65536,t=2,p=1$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
		writeError(w, r, http.StatusUnauthorized, "bad credentials")
		return
	}
	if err := auth.VerifyPassword(req.Password, principal.PasswordHash); err != nil {
		writeError(w, r, http.StatusUnauthorized, "bad credentials")
		return
	}

	anchors := make(map[scope.Level]string, len(principal.Anchors))
	for level, anchorID := range principal.Anchors {
		anchors[scope.Level(level)] = anchorID
	}
	token, expiresAt, err := a.resolver.Generate(principal.ID, principal.Role, anchors, a.cfg.Auth.TokenTTL())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.token.issue", map[string]any{
		"principal": principal.ID,
		"role":      principal.Role,
	})
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Role:      principal.Role,
	})
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	// withAuth already resolved the token; revoke the one presented.
	token, ok := auth.TokenFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing token")
		return
	}
	if err := a.resolver.Revoke(r.Context(), token); err != nil {
		writeError(w, r, http.StatusInternalServerError, "revocation failed")
		return
	}
	actor, _ := auth.ActorFromContext(r.Context())
	fields := map[string]any{}
	if actor != nil {
		fields["principal"] = actor.ID
	}
	_ = audit.LogEvent(r.Context(), "auth.token.revoke", fields)
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
