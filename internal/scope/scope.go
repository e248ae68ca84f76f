// Package scope models the ownership path attached to every record (tenant →
// organization → department → ...) and narrows queries to the slice of it an
// actor is anchored to.
package scope

import (
	"fmt"
	"strings"
)

// Level names one step of the ownership path.
type Level string

// Link binds a level to a concrete owner id.
type Link struct {
	Level Level  `json:"level"`
	ID    string `json:"id"`
}

// Chain is the ordered ownership path of a record, outermost level first.
type Chain []Link

// Value returns the owner id at the given level.
func (c Chain) Value(level Level) (string, bool) {
	for _, l := range c {
		if l.Level == level {
			return l.ID, true
		}
	}
	return "", false
}

// Validate checks the chain against the declared level order for a resource:
// same levels, same order, no blanks.
func (c Chain) Validate(levels []Level) error {
	if len(c) != len(levels) {
		return fmt.Errorf("scope: chain has %d levels, resource declares %d", len(c), len(levels))
	}
	for i, want := range levels {
		if c[i].Level != want {
			return fmt.Errorf("scope: level %d is %q, want %q", i, c[i].Level, want)
		}
		if strings.TrimSpace(c[i].ID) == "" {
			return fmt.Errorf("scope: level %q has empty owner id", want)
		}
	}
	return nil
}

// Constraint is one level==id condition a query must satisfy.
type Constraint struct {
	Level Level
	ID    string
}

// Predicate is the conjunction of constraints derived from an actor's anchors.
// The zero value matches everything (an actor with global scope).
type Predicate struct {
	constraints []Constraint
	none        bool
}

// All returns the predicate that matches every record.
func All() Predicate { return Predicate{} }

// None returns the fail-closed predicate that matches no record.
func None() Predicate { return Predicate{none: true} }

// MatchesNothing reports whether the predicate can never be satisfied.
func (p Predicate) MatchesNothing() bool { return p.none }

// Constraints returns the level==id conditions, outermost level first.
func (p Predicate) Constraints() []Constraint {
	out := make([]Constraint, len(p.constraints))
	copy(out, p.constraints)
	return out
}

// Covers reports whether a record's chain satisfies the predicate. Used after
// single-record fetches; a miss is reported to the caller as not-found so
// record existence never leaks across scope boundaries.
func (p Predicate) Covers(c Chain) bool {
	if p.none {
		return false
	}
	for _, want := range p.constraints {
		got, ok := c.Value(want.Level)
		if !ok || got != want.ID {
			return false
		}
	}
	return true
}

// Narrow builds the predicate for an actor's anchors against a resource's
// declared levels. Every anchor naming a declared level becomes a constraint:
// an organization admin (org anchor only) is constrained to the organization
// and unconstrained below it, a department head (org + department anchors)
// gets the conjunction. An actor with no anchors is globally scoped.
//
// Anchors fail closed: a blank anchor id, or anchors that name none of the
// resource's levels while others exist, produce the match-nothing predicate
// rather than an open query.
func Narrow(anchors map[Level]string, levels []Level) Predicate {
	if len(anchors) == 0 {
		return All()
	}
	var constraints []Constraint
	for _, level := range levels {
		id, ok := anchors[level]
		if !ok {
			continue
		}
		if strings.TrimSpace(id) == "" {
			return None()
		}
		constraints = append(constraints, Constraint{Level: level, ID: id})
	}
	if len(constraints) == 0 {
		// The actor is anchored somewhere, just nowhere on this resource's
		// ownership path. Showing everything would cross scope boundaries.
		return None()
	}
	return Predicate{constraints: constraints}
}
