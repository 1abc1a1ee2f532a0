package authz

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"dineops/backend/internal/autherr"
)

const readOrAdminRule = `package dineops.authz

default allow := false

allow if {
	input.action == "read"
}

allow if {
	"admin" in input.roles
}
`

type fixedCondition struct {
	ok    bool
	err   error
	calls int
}

func (f *fixedCondition) Permit(context.Context, ConditionInput) (bool, error) {
	f.calls++
	return f.ok, f.err
}

func TestRegoCondition_Permit(t *testing.T) {
	ctx := context.Background()
	c, err := NewRegoCondition(ctx, readOrAdminRule)
	if err != nil {
		t.Fatalf("NewRegoCondition: %v", err)
	}
	tests := []struct {
		name string
		in   ConditionInput
		want bool
	}{
		{"read allowed", ConditionInput{Roles: []string{"staff"}, Resource: "orders", Action: "read"}, true},
		{"write denied", ConditionInput{Roles: []string{"staff"}, Resource: "orders", Action: "update"}, false},
		{"admin allowed", ConditionInput{Roles: []string{"admin"}, Resource: "orders", Action: "delete"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Permit(ctx, tt.in)
			if err != nil {
				t.Fatalf("Permit: %v", err)
			}
			if got != tt.want {
				t.Errorf("Permit = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegoCondition_UndefinedDenies(t *testing.T) {
	ctx := context.Background()
	c, err := NewRegoCondition(ctx, "package dineops.authz\n\nallow if {\n\tinput.action == \"read\"\n}\n")
	if err != nil {
		t.Fatalf("NewRegoCondition: %v", err)
	}
	got, err := c.Permit(ctx, ConditionInput{Action: "update"})
	if err != nil || got {
		t.Fatalf("Permit = %v, %v; want false, nil", got, err)
	}
}

func TestRegoCondition_NonBoolean(t *testing.T) {
	ctx := context.Background()
	c, err := NewRegoCondition(ctx, "package dineops.authz\n\nallow := \"yes\"\n")
	if err != nil {
		t.Fatalf("NewRegoCondition: %v", err)
	}
	if _, err := c.Permit(ctx, ConditionInput{}); !errors.Is(err, ErrConditionResult) {
		t.Fatalf("err = %v, want ErrConditionResult", err)
	}
}

func TestRegoCondition_CompileError(t *testing.T) {
	if _, err := NewRegoCondition(context.Background(), "package dineops.authz\n\nallow if {"); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestLoadRegoCondition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "condition.rego")
	if err := os.WriteFile(path, []byte(readOrAdminRule), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRegoCondition(context.Background(), path); err != nil {
		t.Fatalf("LoadRegoCondition: %v", err)
	}
	if _, err := LoadRegoCondition(context.Background(), filepath.Join(t.TempDir(), "missing.rego")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestGuard_ConditionNarrowsGrant(t *testing.T) {
	ctx := context.Background()
	audit := &recordingAudit{}
	cond := &fixedCondition{ok: false}
	g := NewGuard(mustPolicy(t, DefaultRoles()), nil, audit).WithCondition(cond)

	d := g.Check(ctx, view("t1", "staff"), "t1", "orders", "read")
	if d.Allowed || d.Reason != ReasonCondition {
		t.Fatalf("decision = %+v, want condition denial", d)
	}

	// Not consulted when the role policy already denies.
	d = g.Check(ctx, view("t1", "staff"), "t1", "sessions", "revoke")
	if d.Allowed || d.Reason != ReasonNotGranted || cond.calls != 1 {
		t.Fatalf("decision = %+v calls = %d", d, cond.calls)
	}

	cond.ok = true
	if d := g.Check(ctx, view("t1", "staff"), "t1", "orders", "read"); !d.Allowed {
		t.Fatalf("decision = %+v, want allowed", d)
	}
	if len(audit.events) != 2 {
		t.Fatalf("audited %d denials, want 2", len(audit.events))
	}
}

func TestGuard_ConditionErrorFailsClosed(t *testing.T) {
	g := NewGuard(mustPolicy(t, DefaultRoles()), nil, nil).WithCondition(&fixedCondition{ok: true, err: errors.New("boom")})
	d := g.Check(context.Background(), view("t1", "staff"), "t1", "orders", "read")
	if d.Allowed || autherr.KindOf(d.Err) != autherr.KindInternal {
		t.Fatalf("decision = %+v, want internal denial", d)
	}
}
