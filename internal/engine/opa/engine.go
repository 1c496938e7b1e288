package opa

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/asimihsan/routegate/pkg/gate"
)

// DefaultQuery is the rule the bundled policy exposes.
const DefaultQuery = "data.routegate.outcome"

// OpaPolicyBundle is a concrete implementation of gate.PolicyBundle for OPA policies
type OpaPolicyBundle struct {
	BundleID      string
	PreparedQuery rego.PreparedEvalQuery
}

var _ gate.PolicyBundle = (*OpaPolicyBundle)(nil)

// ID implements gate.PolicyBundle
func (b *OpaPolicyBundle) ID() string {
	return b.BundleID
}

// Input is the document the Rego policy evaluates. Field names must match
// policy/input.schema.json.
type Input struct {
	Policy  PolicyInput  `json:"policy"`
	Session SessionInput `json:"session"`
}

// PolicyInput carries the requirements the rules inspect.
type PolicyInput struct {
	RequiredRole        string   `json:"required_role"`
	AllowedRoles        []string `json:"allowed_roles"`
	RequiredPermissions []string `json:"required_permissions"`
	RequiredTenant      string   `json:"required_tenant"`
	AllowCrossTenant    bool     `json:"allow_cross_tenant"`
}

// SessionInput carries the session facts the rules inspect.
type SessionInput struct {
	Role        string   `json:"role"`
	TenantID    string   `json:"tenant_id"`
	Permissions []string `json:"permissions"`
}

// NewInput flattens a policy and session into the Rego input document.
func NewInput(policy gate.PolicyRequest, session gate.Session) Input {
	return Input{
		Policy: PolicyInput{
			RequiredRole:        policy.RequiredRole,
			AllowedRoles:        nonNil(policy.AllowedRoles),
			RequiredPermissions: nonNil(policy.RequiredPermissions),
			RequiredTenant:      policy.RequiredTenant,
			AllowCrossTenant:    policy.AllowCrossTenant,
		},
		Session: SessionInput{
			Role:        session.Role,
			TenantID:    session.TenantID(),
			Permissions: nonNil(session.Permissions),
		},
	}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// Engine implements gate.RuleEngine using OPA
type Engine struct {
	policies gate.PolicyProvider
	bundleID atomic.Value
}

var _ gate.RuleEngine = (*Engine)(nil)

// NewEngine creates a new OPA rule engine that evaluates the bundle served by policies.
func NewEngine(policies gate.PolicyProvider) *Engine {
	return &Engine{policies: policies}
}

// Decide implements gate.RuleEngine
func (e *Engine) Decide(ctx context.Context, policy gate.PolicyRequest, session gate.Session) (gate.Outcome, error) {
	bundle, err := e.policies.GetPolicyBundle(ctx)
	if err != nil {
		return gate.Outcome{}, fmt.Errorf("%w: %v", gate.ErrPolicyEvaluation, err)
	}
	e.bundleID.Store(bundle.ID())
	return e.Evaluate(ctx, bundle, NewInput(policy, session))
}

// PolicyID returns the id of the bundle used by the most recent Decide, or
// "" before the first one.
func (e *Engine) PolicyID() string {
	id, _ := e.bundleID.Load().(string)
	return id
}

// Evaluate runs the prepared query of bundle against input.
func (e *Engine) Evaluate(ctx context.Context, bundle gate.PolicyBundle, input Input) (gate.Outcome, error) {
	opaBundle, ok := bundle.(*OpaPolicyBundle)
	if !ok {
		return gate.Outcome{}, fmt.Errorf("%w: invalid policy bundle type: %T", gate.ErrPolicyEvaluation, bundle)
	}

	resultSet, err := opaBundle.PreparedQuery.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return gate.Outcome{}, fmt.Errorf("%w: evaluation failed: %v", gate.ErrPolicyEvaluation, err)
	}
	if len(resultSet) == 0 || len(resultSet[0].Expressions) == 0 {
		return gate.Outcome{}, fmt.Errorf("%w: policy result set is empty or malformed", gate.ErrPolicyEvaluation)
	}

	result, ok := resultSet[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return gate.Outcome{}, fmt.Errorf("%w: unexpected result format", gate.ErrPolicyEvaluation)
	}

	allow, ok := result["allow"].(bool)
	if !ok {
		return gate.Outcome{}, fmt.Errorf("%w: result has no boolean allow", gate.ErrPolicyEvaluation)
	}
	if allow {
		return gate.Outcome{Allow: true}, nil
	}

	// A denial must name both its reason and its redirect.
	reason, _ := result["reason"].(string)
	redirect, _ := result["redirect"].(string)
	if reason == "" || redirect == "" {
		return gate.Outcome{}, fmt.Errorf("%w: denial without reason or redirect", gate.ErrPolicyEvaluation)
	}
	return gate.Outcome{Reason: gate.Reason(reason), Redirect: redirect}, nil
}
