package auth

import (
	_ "embed"
	"fmt"

	"github.com/cedar-policy/cedar-go"
	"github.com/cedar-policy/cedar-go/types"

	"github.com/kohakuhub/hub/internal/models"
)

// policySrc declares the permission rules of spec.md §4.1 as a Cedar
// policy set, one of the teacher's own direct dependencies, repurposed
// here from MCP-server access control to repository ACLs.
//
//go:embed policy.cedar
var policySrc []byte

// Engine evaluates repository permission decisions against a fixed
// Cedar policy set built once at startup.
type Engine struct {
	policySet *cedar.PolicySet
}

// NewEngine parses the embedded policy document.
func NewEngine() (*Engine, error) {
	ps, err := cedar.NewPolicySetFromBytes("permissions.cedar", policySrc)
	if err != nil {
		return nil, fmt.Errorf("parse cedar policy set: %w", err)
	}
	return &Engine{policySet: ps}, nil
}

// action names the Cedar actions the policy distinguishes.
type action string

const (
	actionRead      action = "read"
	actionWrite     action = "write"
	actionDelete    action = "delete"
	actionNamespace action = "namespace_use"
)

func principalEntityUID(p *models.Principal) types.EntityUID {
	if p == nil {
		return types.NewEntityUID("Anonymous", "anonymous")
	}
	kind := "User"
	if p.Kind == models.PrincipalOrg {
		kind = "Organization"
	}
	return types.NewEntityUID(types.EntityType(kind), types.String(p.Username))
}

func repoEntityUID(r *models.Repository) types.EntityUID {
	return types.NewEntityUID("Repository", types.String(r.FullID()))
}

// evaluate builds the request/entity graph for one decision and asks the
// policy set whether it is allowed.
func (e *Engine) evaluate(act action, principal *models.Principal, repo *models.Repository, membership models.MembershipRole, hasMembership bool) bool {
	entities := types.EntityMap{}

	repoUID := repoEntityUID(repo)
	repoAttrs := types.NewRecord(types.RecordMap{
		"private":        types.Boolean(repo.Private),
		"ownerNamespace": types.String(repo.Namespace),
	})
	entities[repoUID] = types.Entity{UID: repoUID, Attributes: repoAttrs}

	principalUID := principalEntityUID(principal)
	principalAttrs := types.RecordMap{}
	if principal != nil {
		principalAttrs["namespace"] = types.String(principal.Username)
	}
	if hasMembership {
		principalAttrs["orgRole"] = types.String(string(membership))
		principalAttrs["memberOf"] = types.String(repo.Namespace)
	}
	entities[principalUID] = types.Entity{UID: principalUID, Attributes: types.NewRecord(principalAttrs)}

	req := cedar.Request{
		Principal: principalUID,
		Action:    types.NewEntityUID("Action", types.String(act)),
		Resource:  repoUID,
		Context:   types.NewRecord(types.RecordMap{}),
	}

	decision, _ := e.policySet.IsAuthorized(entities, req)
	return decision == types.Allow
}
