// Package authz decides which chat users may change appointments in which
// clinic. Policies are casbin rules over (user, tenant, action).
package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	casbin "github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"

	"github.com/hackgods/dental-chat-scheduling/pkg/logging"
)

// Actions a policy can grant.
const (
	ActionBook       = "book"
	ActionReschedule = "reschedule"
	ActionCancel     = "cancel"
)

const modelText = `
[request_definition]
r = sub, dom, act

[policy_definition]
p = sub, dom, act, eft

[role_definition]
g = _, _, _

[policy_effect]
e = some(where (p.eft == allow)) && !some(where (p.eft == deny))

[matchers]
m = (p.sub == "*" || r.sub == p.sub || g(r.sub, p.sub, r.dom)) && (p.dom == "*" || p.dom == r.dom) && (p.act == "*" || p.act == r.act)
`

// defaultPolicy lets any identified user manage appointments in each of the
// given tenants and nowhere else.
func defaultPolicy(tenants []string) [][]string {
	rules := make([][]string, 0, 3*len(tenants))
	for _, tenant := range tenants {
		for _, action := range []string{ActionBook, ActionReschedule, ActionCancel} {
			rules = append(rules, []string{"*", tenant, action, "allow"})
		}
	}
	return rules
}

// CasbinAuthorizer enforces mutation rights and logs every decision.
type CasbinAuthorizer struct {
	enforcer *casbin.SyncedEnforcer
	logger   *logging.Logger
}

// NewCasbinAuthorizer loads policy lines from policyPath, a casbin CSV file.
// With an empty path identified users may mutate in the listed tenants only.
func NewCasbinAuthorizer(policyPath string, tenants []string, logger *logging.Logger) (*CasbinAuthorizer, error) {
	if logger == nil {
		logger = logging.Default()
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("authz: parse model: %w", err)
	}

	var e *casbin.SyncedEnforcer
	if policyPath != "" {
		e, err = casbin.NewSyncedEnforcer(m, fileadapter.NewAdapter(policyPath))
	} else {
		e, err = casbin.NewSyncedEnforcer(m)
	}
	if err != nil {
		return nil, fmt.Errorf("authz: create enforcer: %w", err)
	}
	if policyPath == "" {
		if len(tenants) == 0 {
			return nil, errors.New("authz: default policy needs at least one tenant")
		}
		if _, err := e.AddPolicies(defaultPolicy(tenants)); err != nil {
			return nil, fmt.Errorf("authz: load default policy: %w", err)
		}
	}
	return &CasbinAuthorizer{enforcer: e, logger: logger}, nil
}

// CanMutate reports whether userID may run action in tenantID. Anonymous
// users are always refused.
func (a *CasbinAuthorizer) CanMutate(ctx context.Context, userID, tenantID, action string) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		a.logger.Warn("authz_decision", "subject", "", "domain", tenantID, "action", action, "allowed", false, "reason", "anonymous")
		return false, nil
	}
	start := time.Now()
	allowed, err := a.enforcer.Enforce(userID, tenantID, action)
	attrs := []any{
		"subject", userID,
		"domain", tenantID,
		"action", action,
		"allowed", allowed,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	switch {
	case err != nil:
		a.logger.Error("authz_decision", append(attrs, "error", err.Error())...)
		return false, fmt.Errorf("authz: enforce: %w", err)
	case allowed:
		a.logger.Debug("authz_decision", attrs...)
	default:
		a.logger.Warn("authz_decision", attrs...)
	}
	return allowed, nil
}

// AssignRole gives userID a role inside tenantID.
func (a *CasbinAuthorizer) AssignRole(userID, role, tenantID string) error {
	if _, err := a.enforcer.AddRoleForUserInDomain(userID, role, tenantID); err != nil {
		return fmt.Errorf("authz: assign role: %w", err)
	}
	a.logger.Info("authz_role_change", "operation", "add_role", "subject", userID, "role", role, "domain", tenantID)
	return nil
}

// Allow adds an allow rule for subject, which may be a user, a role or "*".
func (a *CasbinAuthorizer) Allow(subject, tenantID, action string) error {
	_, err := a.enforcer.AddPolicy(subject, tenantID, action, "allow")
	return err
}

// Deny adds a deny rule; denies win over allows.
func (a *CasbinAuthorizer) Deny(subject, tenantID, action string) error {
	_, err := a.enforcer.AddPolicy(subject, tenantID, action, "deny")
	return err
}
