// Package auth resolves bearer credentials into typed actors. Resolution is a
// pure verify-and-decode: it never mutates session state, so any number of
// concurrent resolutions of the same token agree until the token expires or
// is revoked.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"scopegate.org/internal/scope"
)

const (
	defaultIssuer     = "scopegate"
	secretEnvVariable = "SCOPEGATE_AUTH_SECRET"

	// Tolerated clock skew when validating issued-at.
	issuedAtSkew = 5 * time.Second
)

var (
	// ErrInvalidToken indicates a missing, garbled or badly signed token.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrTokenExpired indicates a well-formed token past its expiry.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenRevoked indicates an explicitly revoked session.
	ErrTokenRevoked = errors.New("auth: token revoked")

	// ErrRoleMismatch indicates a token issued for a role namespace this
	// deployment does not recognize.
	ErrRoleMismatch = errors.New("auth: role mismatch")

	errMissingSecret = errors.New("auth: signing secret is not configured")
)

// Claims is the JWT payload: role and scope anchors on top of the registered
// claim set.
type Claims struct {
	Role    string            `json:"role"`
	Anchors map[string]string `json:"anchors,omitempty"`
	jwt.RegisteredClaims
}

// Resolver verifies bearer tokens and produces actors. A ristretto cache
// memoizes resolved actors keyed by raw token so the hot path skips signature
// verification; expiry and revocation are still checked on every call.
type Resolver struct {
	secret       []byte
	issuer       string
	knownRoles   map[string]struct{}
	cache        *ristretto.Cache
	cacheEntries int64
	revoked      RevocationList
	now          func() time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithSecret overrides the env-provided signing secret.
func WithSecret(secret []byte) ResolverOption {
	return func(r *Resolver) { r.secret = secret }
}

// WithIssuer overrides the token issuer.
func WithIssuer(issuer string) ResolverOption {
	return func(r *Resolver) {
		if issuer != "" {
			r.issuer = issuer
		}
	}
}

// WithKnownRoles restricts accepted tokens to the given role names. A valid
// token carrying any other role resolves to ErrRoleMismatch.
func WithKnownRoles(roles ...string) ResolverOption {
	return func(r *Resolver) {
		r.knownRoles = make(map[string]struct{}, len(roles))
		for _, role := range roles {
			r.knownRoles[strings.TrimSpace(strings.ToLower(role))] = struct{}{}
		}
	}
}

// WithRevocationList plugs in a revocation backend.
func WithRevocationList(list RevocationList) ResolverOption {
	return func(r *Resolver) {
		if list != nil {
			r.revoked = list
		}
	}
}

// WithCacheEntries sizes the session cache.
func WithCacheEntries(n int64) ResolverOption {
	return func(r *Resolver) {
		if n > 0 {
			r.cacheEntries = n
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// NewResolver builds a resolver. The signing secret comes from
// SCOPEGATE_AUTH_SECRET unless WithSecret is given.
func NewResolver(opts ...ResolverOption) (*Resolver, error) {
	r := &Resolver{
		issuer:       defaultIssuer,
		cacheEntries: 1_000,
		revoked:      NewMemoryRevocations(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if len(r.secret) == 0 {
		raw := strings.TrimSpace(os.Getenv(secretEnvVariable))
		if raw == "" {
			return nil, errMissingSecret
		}
		r.secret = []byte(raw)
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: r.cacheEntries * 10,
		MaxCost:     r.cacheEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("auth: session cache: %w", err)
	}
	r.cache = cache
	return r, nil
}

// Generate signs a token for the given identity, role and anchors.
func (r *Resolver) Generate(actorID, role string, anchors map[scope.Level]string, ttl time.Duration) (string, time.Time, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return "", time.Time{}, errors.New("auth: actor id is required")
	}
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		return "", time.Time{}, errors.New("auth: role is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("auth: ttl must be greater than zero")
	}

	now := r.now().UTC()
	expires := now.Add(ttl)
	claims := Claims{
		Role:    role,
		Anchors: anchorClaims(anchors),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    r.issuer,
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(r.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, expires, nil
}

// Resolve verifies the credential and returns the actor it identifies.
func (r *Resolver) Resolve(ctx context.Context, token string) (*Actor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	if cached, ok := r.cache.Get(token); ok {
		if sess, yes := cached.(*cachedSession); yes {
			return r.recheck(ctx, token, sess)
		}
	}

	claims, err := r.parse(token)
	if err != nil {
		return nil, err
	}
	actor := &Actor{
		ID:        claims.Subject,
		Role:      strings.TrimSpace(strings.ToLower(claims.Role)),
		Anchors:   anchorsFromClaims(claims.Anchors),
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if len(r.knownRoles) > 0 {
		if _, ok := r.knownRoles[actor.Role]; !ok {
			return nil, ErrRoleMismatch
		}
	}
	if err := r.checkRevoked(ctx, claims.ID); err != nil {
		return nil, err
	}

	r.cache.SetWithTTL(token, &cachedSession{actor: actor, jti: claims.ID}, 1, time.Until(actor.ExpiresAt))
	return actor, nil
}

// cachedSession keeps the jti next to the actor so revocation is re-checked
// on every cache hit.
type cachedSession struct {
	actor *Actor
	jti   string
}

// Revoke invalidates the session identified by the credential.
func (r *Resolver) Revoke(ctx context.Context, token string) error {
	claims, err := r.parse(strings.TrimSpace(token))
	if err != nil {
		return err
	}
	return r.revoked.Revoke(ctx, claims.ID, claims.ExpiresAt.Time)
}

// recheck revisits expiry and revocation for a cache hit. Both can flip after
// the session was cached, so a hit never bypasses them.
func (r *Resolver) recheck(ctx context.Context, token string, sess *cachedSession) (*Actor, error) {
	if r.now().UTC().After(sess.actor.ExpiresAt) {
		r.cache.Del(token)
		return nil, ErrTokenExpired
	}
	if err := r.checkRevoked(ctx, sess.jti); err != nil {
		r.cache.Del(token)
		return nil, err
	}
	return sess.actor, nil
}

func (r *Resolver) checkRevoked(ctx context.Context, jti string) error {
	revoked, err := r.revoked.Revoked(ctx, jti)
	if err != nil {
		return fmt.Errorf("auth: revocation check: %w", err)
	}
	if revoked {
		return ErrTokenRevoked
	}
	return nil
}

func (r *Resolver) parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return r.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return r.now().UTC() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := r.validateClaims(claims); err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (r *Resolver) validateClaims(claims *Claims) error {
	if claims.Issuer != r.issuer {
		return fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if strings.TrimSpace(claims.Role) == "" {
		return errors.New("role missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := r.now().UTC()
	if now.After(claims.ExpiresAt.Time) {
		return ErrTokenExpired
	}
	if claims.IssuedAt.Time.After(now.Add(issuedAtSkew)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	if strings.TrimSpace(claims.ID) == "" {
		return errors.New("token id missing")
	}
	return nil
}

func anchorClaims(anchors map[scope.Level]string) map[string]string {
	if len(anchors) == 0 {
		return nil
	}
	out := make(map[string]string, len(anchors))
	for level, id := range anchors {
		out[string(level)] = id
	}
	return out
}

func anchorsFromClaims(raw map[string]string) map[scope.Level]string {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[scope.Level]string, len(raw))
	for level, id := range raw {
		out[scope.Level(level)] = id
	}
	return out
}
