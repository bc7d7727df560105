package rbac

import (
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/parabit/memgate/internal/cryptoutil"
	"github.com/parabit/memgate/internal/xerrors"
)

// Permission names a (resource, action) pair as "resource:action".
type Permission string

func PermissionOf(resource, action string) Permission {
	return Permission(resource + ":" + action)
}

// policyFile is the on-disk YAML shape.
type policyFile struct {
	Roles map[string]struct {
		Inherits    []string `yaml:"inherits"`
		Permissions []string `yaml:"permissions"`
	} `yaml:"roles"`
	Resources map[string]struct {
		Sensitive bool `yaml:"sensitive"`
	} `yaml:"resources"`
}

// Policy is the immutable role/permission model loaded at startup.
// After Load it is never mutated; reload builds a fresh Policy.
type Policy struct {
	// grants maps each role to its full permission set with inheritance
	// already folded in
	grants map[string]map[Permission]bool

	// inherits keeps the raw parent edges for principal role expansion
	inherits map[string][]string

	sensitive map[string]bool
	hash      string
}

// Load reads a policy file and verifies its content hash against the
// checked-in baseline. A baseline mismatch is a release-time failure:
// the process must not start on a silently-changed policy. An empty
// baseline skips the check (dev profile only).
func Load(path, baselineHash string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read policy %s", path)
	}
	return Parse(raw, baselineHash)
}

// Parse builds a Policy from raw YAML bytes.
func Parse(raw []byte, baselineHash string) (*Policy, error) {
	hash := cryptoutil.SHA256Hex(raw)
	if baselineHash != "" && !cryptoutil.HashEqual(hash, strings.ToLower(baselineHash)) {
		return nil, xerrors.Newf("policy content hash %s does not match baseline %s", hash, baselineHash)
	}

	var pf policyFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, xerrors.Wrap(err, "parse policy yaml")
	}
	if len(pf.Roles) == 0 {
		return nil, xerrors.New("policy defines no roles")
	}

	inherits := make(map[string][]string, len(pf.Roles))
	direct := make(map[string][]Permission, len(pf.Roles))
	for role, spec := range pf.Roles {
		for _, parent := range spec.Inherits {
			if _, ok := pf.Roles[parent]; !ok {
				return nil, xerrors.Newf("role %q inherits undefined role %q", role, parent)
			}
		}
		inherits[role] = append([]string(nil), spec.Inherits...)
		perms := make([]Permission, 0, len(spec.Permissions))
		for _, p := range spec.Permissions {
			if !strings.Contains(p, ":") {
				return nil, xerrors.Newf("role %q: permission %q is not resource:action", role, p)
			}
			perms = append(perms, Permission(p))
		}
		direct[role] = perms
	}

	grants := make(map[string]map[Permission]bool, len(pf.Roles))
	for role := range pf.Roles {
		set := make(map[Permission]bool)
		collect(role, inherits, direct, set, make(map[string]bool))
		grants[role] = set
	}

	sensitive := make(map[string]bool, len(pf.Resources))
	for res, spec := range pf.Resources {
		sensitive[res] = spec.Sensitive
	}

	return &Policy{
		grants:    grants,
		inherits:  inherits,
		sensitive: sensitive,
		hash:      hash,
	}, nil
}

// collect folds role's own permissions and everything reachable through
// inheritance into set.
func collect(role string, inherits map[string][]string, direct map[string][]Permission, set map[Permission]bool, seen map[string]bool) {
	if seen[role] {
		return
	}
	seen[role] = true
	for _, p := range direct[role] {
		set[p] = true
	}
	for _, parent := range inherits[role] {
		collect(parent, inherits, direct, set, seen)
	}
}

// Hash is the content hash of the loaded policy bytes.
func (p *Policy) Hash() string { return p.hash }

// Inherits returns the role inheritance edges for principal expansion.
// Callers must not mutate the result.
func (p *Policy) Inherits() map[string][]string { return p.inherits }

// Sensitive reports whether checks on resource are always audited.
func (p *Policy) Sensitive(resource string) bool { return p.sensitive[resource] }

// Grants reports whether role (with inheritance folded in) holds perm.
// Unmapped roles and permissions grant nothing.
func (p *Policy) Grants(role string, perm Permission) bool {
	set, ok := p.grants[role]
	if !ok {
		return false
	}
	return set[perm]
}

// Roles lists the defined roles, sorted, for the config endpoint.
func (p *Policy) Roles() []string {
	out := make([]string, 0, len(p.grants))
	for r := range p.grants {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
