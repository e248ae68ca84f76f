package scope

import "testing"

var ticketLevels = []Level{"organization", "department"}

func TestNarrowConjunction(t *testing.T) {
	p := Narrow(map[Level]string{"organization": "org-1", "department": "dep-9"}, ticketLevels)
	cs := p.Constraints()
	if len(cs) != 2 {
		t.Fatalf("expected 2 constraints, got %d", len(cs))
	}
	if cs[0].Level != "organization" || cs[0].ID != "org-1" {
		t.Fatalf("unexpected first constraint: %+v", cs[0])
	}
	if cs[1].Level != "department" || cs[1].ID != "dep-9" {
		t.Fatalf("unexpected second constraint: %+v", cs[1])
	}
}

func TestNarrowTopLevelOnly(t *testing.T) {
	p := Narrow(map[Level]string{"organization": "org-1"}, ticketLevels)
	if len(p.Constraints()) != 1 {
		t.Fatalf("org-wide actor should constrain only the top level: %+v", p.Constraints())
	}
	if !p.Covers(Chain{{"organization", "org-1"}, {"department", "dep-2"}}) {
		t.Fatal("any department inside the org should be covered")
	}
	if p.Covers(Chain{{"organization", "org-2"}, {"department", "dep-2"}}) {
		t.Fatal("other organizations must not be covered")
	}
}

func TestNarrowGlobalActor(t *testing.T) {
	p := Narrow(nil, ticketLevels)
	if p.MatchesNothing() {
		t.Fatal("anchorless actor is globally scoped")
	}
	if !p.Covers(Chain{{"organization", "org-7"}, {"department", "dep-7"}}) {
		t.Fatal("global predicate should cover everything")
	}
}

func TestNarrowFailsClosed(t *testing.T) {
	// Blank anchor id.
	if p := Narrow(map[Level]string{"organization": "  "}, ticketLevels); !p.MatchesNothing() {
		t.Fatal("blank anchor must produce the match-nothing predicate")
	}
	// Anchored actor whose anchors name no declared level.
	if p := Narrow(map[Level]string{"project": "p-1"}, ticketLevels); !p.MatchesNothing() {
		t.Fatal("inapplicable anchors must fail closed, not open")
	}
}

func TestCoversNone(t *testing.T) {
	if None().Covers(Chain{{"organization", "org-1"}}) {
		t.Fatal("None must cover nothing")
	}
	if !None().MatchesNothing() {
		t.Fatal("None must report MatchesNothing")
	}
}

func TestChainValidate(t *testing.T) {
	good := Chain{{"organization", "org-1"}, {"department", "dep-1"}}
	if err := good.Validate(ticketLevels); err != nil {
		t.Fatalf("valid chain rejected: %v", err)
	}
	cases := []Chain{
		{{"organization", "org-1"}},                           // missing level
		{{"department", "dep-1"}, {"organization", "org-1"}},  // wrong order
		{{"organization", "org-1"}, {"department", ""}},       // blank id
	}
	for i, c := range cases {
		if err := c.Validate(ticketLevels); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}
