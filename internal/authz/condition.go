package authz

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	sessiondomain "dineops/backend/internal/session/domain"
)

// ConditionQuery is the rule a condition module must define. An undefined result denies.
const ConditionQuery = "data.dineops.authz.allow"

// ErrConditionResult is returned when the condition rule evaluates to a non-boolean.
var ErrConditionResult = errors.New("authz condition: allow must be a boolean")

// Condition narrows a role grant. It is consulted only after the role policy has allowed
// the request, so it can deny but never grant.
type Condition interface {
	Permit(ctx context.Context, in ConditionInput) (bool, error)
}

// ConditionInput is the document exposed to the condition as `input`.
type ConditionInput struct {
	TenantID string   `json:"tenant_id"`
	UserID   string   `json:"user_id"`
	Email    string   `json:"email"`
	Roles    []string `json:"roles"`
	Resource string   `json:"resource"`
	Action   string   `json:"action"`
}

func conditionInput(view *sessiondomain.View, resource, action string) ConditionInput {
	return ConditionInput{
		TenantID: view.TenantID,
		UserID:   view.UserID,
		Email:    view.Email,
		Roles:    view.Roles,
		Resource: normalize(resource),
		Action:   normalize(action),
	}
}

// RegoCondition evaluates a Rego module with OPA. The query is prepared once.
type RegoCondition struct {
	query rego.PreparedEvalQuery
}

// NewRegoCondition compiles module, which must be in package dineops.authz and define allow.
func NewRegoCondition(ctx context.Context, module string) (*RegoCondition, error) {
	compiler, err := ast.CompileModules(map[string]string{"condition.rego": module})
	if err != nil {
		return nil, fmt.Errorf("compile condition: %w", err)
	}
	q, err := rego.New(
		rego.Query(ConditionQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare condition: %w", err)
	}
	return &RegoCondition{query: q}, nil
}

// LoadRegoCondition reads and compiles a Rego module from path.
func LoadRegoCondition(ctx context.Context, path string) (*RegoCondition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewRegoCondition(ctx, string(b))
}

// Permit evaluates allow for in.
func (c *RegoCondition) Permit(ctx context.Context, in ConditionInput) (bool, error) {
	rs, err := c.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return false, fmt.Errorf("eval condition: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	allowed, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, ErrConditionResult
	}
	return allowed, nil
}
