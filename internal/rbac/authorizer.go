package rbac

import (
	"context"

	"github.com/parabit/memgate/internal/authn"
	"github.com/parabit/memgate/internal/log"
)

// DenyReason is a stable, enumerable authorization denial code.
type DenyReason string

const (
	DenyNone             DenyReason = ""
	DenyAnonymous        DenyReason = "anonymous"
	DenyInsufficientRole DenyReason = "insufficient_role"
)

// Decision is the outcome of one authorization check.
type Decision struct {
	Allowed    bool
	Reason     DenyReason
	PolicyHash string
}

// Authorizer checks a Principal's expanded role set against the
// immutable policy. Deny is the default for everything unmapped.
type Authorizer struct {
	policy *Policy
	logger log.Logger
}

func NewAuthorizer(policy *Policy, logger log.Logger) *Authorizer {
	if logger == nil {
		logger = log.Nop()
	}
	return &Authorizer{policy: policy, logger: logger}
}

// Check returns Allow/Deny for the required (resource, action) pair.
// Every Deny and every check on a sensitive resource is audited.
func (a *Authorizer) Check(ctx context.Context, p authn.Principal, resource, action string) Decision {
	d := a.decide(p, resource, action)
	if !d.Allowed || a.policy.Sensitive(resource) {
		a.audit(ctx, p, resource, action, d)
	}
	return d
}

func (a *Authorizer) decide(p authn.Principal, resource, action string) Decision {
	d := Decision{PolicyHash: a.policy.Hash()}
	if len(p.Roles) == 0 {
		d.Reason = DenyAnonymous
		return d
	}
	perm := PermissionOf(resource, action)
	for _, role := range p.Roles {
		if a.policy.Grants(role, perm) {
			d.Allowed = true
			return d
		}
	}
	d.Reason = DenyInsufficientRole
	return d
}

func (a *Authorizer) audit(ctx context.Context, p authn.Principal, resource, action string, d Decision) {
	decision := "deny"
	if d.Allowed {
		decision = "allow"
	}
	a.logger.Info(ctx, "authz decision",
		"subject_id", p.Subject,
		"org_id", p.OrgID,
		"resource", resource,
		"action", action,
		"decision", decision,
		"reason", string(d.Reason),
		"policy_hash", d.PolicyHash,
	)
}

// Sensitive reports whether resource is flagged sensitive in the policy.
func (a *Authorizer) Sensitive(resource string) bool {
	return a.policy.Sensitive(resource)
}
