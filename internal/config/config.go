// Package config loads the YAML deployment file: server knobs, auth
// settings, store selection, and the declarative role and resource catalogs
// the engine is built from.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"scopegate.org/internal/access"
	"scopegate.org/internal/query"
	"scopegate.org/internal/scope"
)

type Config struct {
	Server     Server      `yaml:"server"`
	Auth       Auth        `yaml:"auth"`
	Store      Store       `yaml:"store"`
	Redis      Redis       `yaml:"redis"`
	Roles      []Role      `yaml:"roles"`
	Resources  []Resource  `yaml:"resources"`
	Principals []Principal `yaml:"principals"`
}

type Server struct {
	Addr              string `yaml:"addr"`
	ReadTimeoutMS     int64  `yaml:"read_timeout_ms"`
	WriteTimeoutMS    int64  `yaml:"write_timeout_ms"`
	ShutdownTimeoutMS int64  `yaml:"shutdown_timeout_ms"`
	MaxBodyBytes      int64  `yaml:"max_body_bytes"`
	RateLimitRPS      int    `yaml:"rate_limit_rps"`
	RateLimitBurst    int    `yaml:"rate_limit_burst"`
}

func (s Server) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutMS) * time.Millisecond
}

type Auth struct {
	// Secret may stay empty here and come from SCOPEGATE_AUTH_SECRET.
	Secret       string `yaml:"secret"`
	Issuer       string `yaml:"issuer"`
	TokenTTLMS   int64  `yaml:"token_ttl_ms"`
	CacheEntries int64  `yaml:"cache_entries"`
}

func (a Auth) TokenTTL() time.Duration { return time.Duration(a.TokenTTLMS) * time.Millisecond }

type Store struct {
	// Driver is memory, postgres or sqlite.
	Driver        string `yaml:"driver"`
	DSN           string `yaml:"dsn"`
	Path          string `yaml:"path"`
	MigrationsDir string `yaml:"migrations_dir"`
	SeedsDir      string `yaml:"seeds_dir"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Role struct {
	Name    string   `yaml:"name"`
	Extends []string `yaml:"extends"`
	Grants  []Grant  `yaml:"grants"`
}

type Grant struct {
	Operations []string `yaml:"operations"`
	Resources  []string `yaml:"resources"`
}

type Resource struct {
	Type         string   `yaml:"type"`
	Table        string   `yaml:"table"`
	ScopeLevels  []string `yaml:"scope_levels"`
	Fields       []Field  `yaml:"fields"`
	UniqueKey    string   `yaml:"unique_key"`
	UniquePolicy string   `yaml:"unique_policy"`
	DefaultLimit int      `yaml:"default_limit"`
	MaxLimit     int      `yaml:"max_limit"`
}

type Field struct {
	Name          string `yaml:"name"`
	Column        string `yaml:"column"`
	Kind          string `yaml:"kind"`
	Filterable    bool   `yaml:"filterable"`
	Sortable      bool   `yaml:"sortable"`
	CaseSensitive bool   `yaml:"case_sensitive"`
	Required      bool   `yaml:"required"`
}

type Principal struct {
	ID           string            `yaml:"id"`
	Role         string            `yaml:"role"`
	PasswordHash string            `yaml:"password_hash"`
	Anchors      map[string]string `yaml:"anchors"`
}

// Load reads and validates the config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes, applies defaults and validates.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeoutMS == 0 {
		c.Server.ReadTimeoutMS = 10_000
	}
	if c.Server.WriteTimeoutMS == 0 {
		c.Server.WriteTimeoutMS = 30_000
	}
	if c.Server.ShutdownTimeoutMS == 0 {
		c.Server.ShutdownTimeoutMS = 15_000
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Server.RateLimitRPS == 0 {
		c.Server.RateLimitRPS = 50
	}
	if c.Server.RateLimitBurst == 0 {
		c.Server.RateLimitBurst = 100
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "scopegate"
	}
	if c.Auth.TokenTTLMS == 0 {
		c.Auth.TokenTTLMS = int64(time.Hour / time.Millisecond)
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("config: store.dsn is required for postgres")
		}
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("config: store.path is required for sqlite")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	for _, p := range c.Principals {
		if p.ID == "" || p.Role == "" {
			return fmt.Errorf("config: principal needs id and role")
		}
		if p.PasswordHash == "" {
			return fmt.Errorf("config: principal %s has no password_hash", p.ID)
		}
	}
	return nil
}

// BuildRegistry converts the role catalog into the authorization registry.
// A role may only extend roles declared before it.
func (c *Config) BuildRegistry() (*access.Registry, error) {
	reg := access.NewRegistry()
	built := make(map[string]*access.Role, len(c.Roles))
	for _, rc := range c.Roles {
		name := strings.ToLower(strings.TrimSpace(rc.Name))
		if name == "" {
			return nil, fmt.Errorf("config: role without a name")
		}
		role := access.NewRole(name)
		for _, parent := range rc.Extends {
			p, ok := built[strings.ToLower(strings.TrimSpace(parent))]
			if !ok {
				return nil, fmt.Errorf("config: role %s extends undeclared role %s", name, parent)
			}
			role.Extend(p)
		}
		for _, g := range rc.Grants {
			for _, op := range g.Operations {
				op = strings.ToLower(strings.TrimSpace(op))
				if op == "*" {
					role.GrantAll(g.Resources...)
					continue
				}
				operation := access.Operation(op)
				if !access.ValidOperation(operation) {
					return nil, fmt.Errorf("config: role %s grants unknown operation %q", name, op)
				}
				role.Grant(operation, g.Resources...)
			}
		}
		built[name] = role
		if err := reg.Register(role); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// BuildDescriptors converts the resource catalog into validated descriptors.
func (c *Config) BuildDescriptors() ([]*query.Descriptor, error) {
	out := make([]*query.Descriptor, 0, len(c.Resources))
	for _, rc := range c.Resources {
		d := &query.Descriptor{
			Type:         rc.Type,
			Table:        rc.Table,
			UniqueKey:    rc.UniqueKey,
			DefaultLimit: rc.DefaultLimit,
			MaxLimit:     rc.MaxLimit,
		}
		switch strings.ToLower(strings.TrimSpace(rc.UniquePolicy)) {
		case "", "reserve":
			d.Unique = query.UniqueReserve
		case "release":
			d.Unique = query.UniqueRelease
		default:
			return nil, fmt.Errorf("config: resource %s has unknown unique_policy %q", rc.Type, rc.UniquePolicy)
		}
		for _, level := range rc.ScopeLevels {
			d.ScopeLevels = append(d.ScopeLevels, scope.Level(strings.ToLower(strings.TrimSpace(level))))
		}
		for _, fc := range rc.Fields {
			kind, err := fieldKind(fc.Kind)
			if err != nil {
				return nil, fmt.Errorf("config: resource %s field %s: %w", rc.Type, fc.Name, err)
			}
			d.Fields = append(d.Fields, query.Field{
				Name:          fc.Name,
				Column:        fc.Column,
				Kind:          kind,
				Filterable:    fc.Filterable,
				Sortable:      fc.Sortable,
				CaseSensitive: fc.CaseSensitive,
				Required:      fc.Required,
			})
		}
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("config: resource %s: %w", rc.Type, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func fieldKind(raw string) (query.Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "string":
		return query.KindString, nil
	case "int":
		return query.KindInt, nil
	case "float":
		return query.KindFloat, nil
	case "bool":
		return query.KindBool, nil
	case "time":
		return query.KindTime, nil
	}
	return "", fmt.Errorf("unknown kind %q", raw)
}

// FindPrincipal looks up a configured principal by id.
func (c *Config) FindPrincipal(id string) (*Principal, bool) {
	for i := range c.Principals {
		if c.Principals[i].ID == id {
			return &c.Principals[i], true
		}
	}
	return nil, false
}
