package authn

import (
	"time"
)

// Principal is the verified identity resolved for one request.
// It is built from verified token claims only and never persisted;
// an empty role set is a valid (anonymous) principal.
type Principal struct {
	Subject   string
	OrgID     string
	TeamID    string
	Roles     []string
	ExpiresAt time.Time
}

// HasRole reports whether the expanded role set contains role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Anonymous returns a principal with no identity and no roles.
func Anonymous() Principal {
	return Principal{}
}

// ExpandRoles computes the transitive closure of roles over the
// inheritance map. Holding a role implies every role reachable from it,
// so the result is always a superset of the input. Input order is
// preserved; implied roles follow in discovery order.
func ExpandRoles(roles []string, inherits map[string][]string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(roles)*2)
	out := make([]string, 0, len(roles)*2)

	queue := make([]string, 0, len(roles))
	for _, r := range roles {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
		queue = append(queue, r)
	}

	for len(queue) > 0 {
		r := queue[0]
		queue = queue[1:]
		for _, implied := range inherits[r] {
			if implied == "" || seen[implied] {
				continue
			}
			seen[implied] = true
			out = append(out, implied)
			queue = append(queue, implied)
		}
	}
	return out
}
