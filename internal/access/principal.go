// Package access implements the Access Filter (C2): compiling a resolved
// principal into a predicate that every searcher applies in-store, before
// results ever leave the store.
package access

// Principal is the resolved acting identity used for authorization. RIC
// never resolves identity itself; it receives a Principal from an external
// collaborator (spec.md §1).
type Principal struct {
	ID      string
	Email   string
	Groups  []string
	IsAdmin bool
}

// Empty reports whether the principal carries no claims at all (no id, no
// email, no groups, non-admin). An empty principal matches only public
// documents.
func (p Principal) Empty() bool {
	return p.ID == "" && p.Email == "" && len(p.Groups) == 0 && !p.IsAdmin
}

// Ownable is the minimal set of document fields the predicate needs to
// evaluate access. store.Document carries these as plain fields rather than
// methods, so it does not satisfy this interface.
type Ownable interface {
	OwnerID() string
	OwnerEmail() string
	IsPublic() bool
	SharedWith() []string
	GroupIDs() []string
}

// Predicate is the compiled form of a Principal: data, not a query-language
// string, so each store backend can translate it to its native filter
// (spec.md §4.2 "expressed as data").
type Predicate struct {
	Admin      bool
	PrincipalID    string
	PrincipalEmail string
	Groups         []string
}

// Compile builds the AccessPredicate for a principal per the spec.md §4.2
// formula:
//
//	is_admin ⇒ ALL
//	otherwise: owner_id == principal.id
//	         ∨ owner_email == principal.email
//	         ∨ is_public
//	         ∨ principal.id ∈ shared_with
//	         ∨ (group_ids ∩ principal.groups) ≠ ∅
func Compile(p Principal) Predicate {
	return Predicate{
		Admin:          p.IsAdmin,
		PrincipalID:    p.ID,
		PrincipalEmail: p.Email,
		Groups:         append([]string(nil), p.Groups...),
	}
}

// Allows evaluates the predicate against a document's access fields
// in-process. Store backends should prefer translating Predicate into a
// native query (SQL WHERE, Mongo $match, etc.) so filtering happens before
// rows leave the store; this method exists for the in-memory backend and
// for tests.
func (pr Predicate) Allows(ownerID, ownerEmail string, isPublic bool, sharedWith, groupIDs []string) bool {
	if pr.Admin {
		return true
	}
	if pr.PrincipalID != "" && ownerID == pr.PrincipalID {
		return true
	}
	if pr.PrincipalEmail != "" && ownerEmail == pr.PrincipalEmail {
		return true
	}
	if isPublic {
		return true
	}
	if pr.PrincipalID != "" && contains(sharedWith, pr.PrincipalID) {
		return true
	}
	if intersects(groupIDs, pr.Groups) {
		return true
	}
	return false
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, x := range a {
		set[x] = struct{}{}
	}
	for _, x := range b {
		if _, ok := set[x]; ok {
			return true
		}
	}
	return false
}
