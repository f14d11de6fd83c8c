package authz

import (
	"log/slog"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

// DefaultModel is an RBAC model: subjects are "user:<id>" or "role:<name>",
// objects are resources ("execution_request"), actions the permission verb.
const DefaultModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && keyMatch(r.obj, p.obj) && (r.act == p.act || p.act == "*")
`

// CoarsePolicy is the role-based layer that owns every permission the
// Evaluator defers on.
type CoarsePolicy interface {
	Can(user string, roles []string, perm Permission) bool
}

// AllowAll is used when no role policy is configured.
type AllowAll struct{}

func (AllowAll) Can(string, []string, Permission) bool { return true }

// CasbinPolicy wraps a Casbin enforcer.
type CasbinPolicy struct {
	enforcer *casbin.Enforcer
}

// NewCasbinPolicy loads a model file and a CSV policy file.
func NewCasbinPolicy(modelPath, policyPath string) (*CasbinPolicy, error) {
	slog.Info("loading casbin policy", "model", modelPath, "policy", policyPath)
	e, err := casbin.NewEnforcer(modelPath, policyPath)
	if err != nil {
		return nil, err
	}
	return &CasbinPolicy{enforcer: e}, nil
}

// NewCasbinPolicyFromModel builds an enforcer with no persisted policy; rules are
// added with AddPolicy / AddRoleForUser.
func NewCasbinPolicyFromModel(text string) (*CasbinPolicy, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultModel
	}
	m, err := model.NewModelFromString(text)
	if err != nil {
		return nil, err
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}
	return &CasbinPolicy{enforcer: e}, nil
}

// Can checks the user subject first, then each role.
func (p *CasbinPolicy) Can(user string, roles []string, perm Permission) bool {
	obj, act := splitPermission(perm)
	subjects := make([]string, 0, len(roles)+1)
	subjects = append(subjects, "user:"+user)
	for _, r := range roles {
		subjects = append(subjects, "role:"+r)
	}
	for _, sub := range subjects {
		ok, err := p.enforcer.Enforce(sub, obj, act)
		if err != nil {
			slog.Warn("casbin enforce failed", "sub", sub, "obj", obj, "act", act, "error", err)
			continue
		}
		if ok {
			slog.Debug("rbac allowed", "sub", sub, "obj", obj, "act", act)
			return true
		}
	}
	slog.Debug("rbac denied", "user", user, "roles", roles, "obj", obj, "act", act)
	return false
}

// splitPermission turns "execution_request:execute" into object and action.
func splitPermission(perm Permission) (string, string) {
	s := string(perm)
	if s == "*" {
		return "*", "*"
	}
	obj, act, ok := strings.Cut(s, ":")
	if !ok {
		return s, "*"
	}
	return obj, act
}

func (p *CasbinPolicy) AddPolicy(sub, obj, act string) error {
	_, err := p.enforcer.AddPolicy(sub, obj, act)
	return err
}

func (p *CasbinPolicy) AddRoleForUser(user, role string) error {
	_, err := p.enforcer.AddRoleForUser(user, role)
	return err
}
