package pairing

// Scope is one operator permission grantable to a paired node.
type Scope string

const (
	ScopeRead      Scope = "operator.read"
	ScopeWrite     Scope = "operator.write"
	ScopeApprovals Scope = "operator.approvals"
	ScopePairing   Scope = "operator.pairing"
	ScopeAdmin     Scope = "operator.admin"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeRead, ScopeWrite, ScopeApprovals, ScopePairing, ScopeAdmin:
		return true
	}
	return false
}

// Authorized is the per-request predicate: admin passes every check, write
// satisfies read, and an empty requirement (an unclassified method) admits
// admin only.
func Authorized(required Scope, granted []Scope) bool {
	for _, g := range granted {
		if g == ScopeAdmin {
			return true
		}
	}
	if required == "" || required == ScopeAdmin {
		return false
	}
	for _, g := range granted {
		if g == required {
			return true
		}
		if required == ScopeRead && g == ScopeWrite {
			return true
		}
	}
	return false
}
