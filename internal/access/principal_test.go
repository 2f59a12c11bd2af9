package access

import "testing"

func TestCompile_AdminSeesAll(t *testing.T) {
	pr := Compile(Principal{ID: "admin-1", IsAdmin: true})
	if !pr.Allows("someone-else", "other@example.com", false, nil, nil) {
		t.Fatalf("admin predicate must allow any document")
	}
}

func TestAllows_Ownership(t *testing.T) {
	pr := Compile(Principal{ID: "u1", Email: "u1@example.com"})
	if !pr.Allows("u1", "other@example.com", false, nil, nil) {
		t.Fatalf("expected owner_id match to allow access")
	}
	if !pr.Allows("other", "u1@example.com", false, nil, nil) {
		t.Fatalf("expected owner_email match to allow access")
	}
}

func TestAllows_Public(t *testing.T) {
	pr := Compile(Principal{ID: "u1"})
	if !pr.Allows("other", "other@example.com", true, nil, nil) {
		t.Fatalf("expected public document to be allowed")
	}
}

func TestAllows_SharedWith(t *testing.T) {
	pr := Compile(Principal{ID: "u1"})
	if !pr.Allows("other", "other@example.com", false, []string{"u1"}, nil) {
		t.Fatalf("expected shared_with match to allow access")
	}
}

func TestAllows_GroupIntersection(t *testing.T) {
	pr := Compile(Principal{ID: "u2", Groups: []string{"g1", "g2"}})
	if !pr.Allows("other", "other@example.com", false, nil, []string{"g2"}) {
		t.Fatalf("expected group intersection to allow access")
	}
	if pr.Allows("other", "other@example.com", false, nil, []string{"g3"}) {
		t.Fatalf("expected disjoint groups to deny access")
	}
}

func TestAllows_PrivateDenied(t *testing.T) {
	pr := Compile(Principal{ID: "u1", Email: "u1@example.com"})
	if pr.Allows("other", "other@example.com", false, nil, nil) {
		t.Fatalf("expected private document owned by someone else to be denied")
	}
}

func TestEmptyPrincipal_OnlyPublic(t *testing.T) {
	pr := Compile(Principal{})
	if pr.Allows("other", "other@example.com", false, nil, nil) {
		t.Fatalf("empty principal must not match a private document")
	}
	if !pr.Allows("other", "other@example.com", true, nil, nil) {
		t.Fatalf("empty principal must match public documents")
	}
}

// Scenario 4 from spec.md §8: U1 owner of D1 (private), U2 in group G with
// D2 group-scoped, D3 public. Non-admin U1 sees {D1,D3}; U2 sees {D2,D3};
// admin sees {D1,D2,D3}.
func TestScenario_AccessFilter(t *testing.T) {
	type doc struct {
		name                string
		ownerID             string
		isPublic            bool
		groupIDs            []string
	}
	d1 := doc{"D1", "u1", false, nil}
	d2 := doc{"D2", "someone-else", false, []string{"G"}}
	d3 := doc{"D3", "someone-else", true, nil}
	docs := []doc{d1, d2, d3}

	visibleTo := func(pr Predicate) []string {
		var got []string
		for _, d := range docs {
			if pr.Allows(d.ownerID, "", d.isPublic, nil, d.groupIDs) {
				got = append(got, d.name)
			}
		}
		return got
	}

	u1 := Compile(Principal{ID: "u1"})
	if got := visibleTo(u1); !equalSet(got, []string{"D1", "D3"}) {
		t.Fatalf("U1 expected {D1,D3}, got %v", got)
	}

	u2 := Compile(Principal{ID: "u2", Groups: []string{"G"}})
	if got := visibleTo(u2); !equalSet(got, []string{"D2", "D3"}) {
		t.Fatalf("U2 expected {D2,D3}, got %v", got)
	}

	admin := Compile(Principal{ID: "admin", IsAdmin: true})
	if got := visibleTo(admin); !equalSet(got, []string{"D1", "D2", "D3"}) {
		t.Fatalf("admin expected {D1,D2,D3}, got %v", got)
	}
}

func equalSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, x := range a {
		seen[x] = true
	}
	for _, x := range b {
		if !seen[x] {
			return false
		}
	}
	return true
}
