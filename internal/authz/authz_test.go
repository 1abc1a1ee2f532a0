package authz

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	auditdomain "dineops/backend/internal/audit/domain"
	"dineops/backend/internal/autherr"
	sessiondomain "dineops/backend/internal/session/domain"
)

type recordingAudit struct {
	mu     sync.Mutex
	events []*auditdomain.AuthEvent
}

func (r *recordingAudit) Record(_ context.Context, e *auditdomain.AuthEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

type fakeLockout struct {
	locked map[string]bool
	err    error
}

func (f *fakeLockout) CheckLockout(_ context.Context, keys ...string) error {
	if f.err != nil {
		return f.err
	}
	for _, k := range keys {
		if f.locked[k] {
			return autherr.ErrRateLimited
		}
	}
	return nil
}

func mustPolicy(t *testing.T, roles []Role) *Policy {
	t.Helper()
	p, err := CompilePolicy(roles)
	if err != nil {
		t.Fatalf("CompilePolicy: %v", err)
	}
	return p
}

func view(tenant string, roles ...string) *sessiondomain.View {
	return &sessiondomain.View{SessionID: "sess-1", UserID: "user-1", TenantID: tenant, Email: "Chef@Example.com", Roles: roles}
}

func TestCompilePolicy_ExpandsInheritance(t *testing.T) {
	p := mustPolicy(t, DefaultRoles())
	if !p.Allows([]string{"admin"}, "orders", "read") {
		t.Error("admin should inherit staff orders:read")
	}
	if !p.Allows([]string{"manager"}, "menu", "delete") {
		t.Error("manager menu:* should grant menu:delete")
	}
	if p.Allows([]string{"staff"}, "menu", "delete") {
		t.Error("staff must not delete menu")
	}
	if p.Allows([]string{"manager"}, "audit", "read") {
		t.Error("manager must not inherit from admin")
	}
	if p.Allows([]string{"ghost"}, "orders", "read") {
		t.Error("unknown role granted a permission")
	}
}

func TestCompilePolicy_Errors(t *testing.T) {
	tests := []struct {
		name  string
		roles []Role
		want  error
	}{
		{"cycle", []Role{{Name: "a", Inherits: []string{"b"}}, {Name: "b", Inherits: []string{"a"}}}, ErrRoleCycle},
		{"self", []Role{{Name: "a", Inherits: []string{"a"}}}, ErrRoleCycle},
		{"unknown parent", []Role{{Name: "a", Inherits: []string{"nope"}}}, ErrUnknownRole},
		{"duplicate", []Role{{Name: "a"}, {Name: "A"}}, ErrDuplicateRole},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := CompilePolicy(tt.roles); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPolicy_Wildcards(t *testing.T) {
	p := mustPolicy(t, []Role{{Name: "root", Permissions: []string{"*"}}, {Name: "ops", Permissions: []string{"tables:*"}}})
	if !p.Allows([]string{"root"}, "anything", "goes") {
		t.Error("* should grant everything")
	}
	if !p.Allows([]string{"ops"}, "tables", "assign") || p.Allows([]string{"ops"}, "orders", "read") {
		t.Error("resource wildcard scope wrong")
	}
	if p.Allows([]string{"root"}, "", "read") {
		t.Error("empty resource must be denied")
	}
}

func TestGuard_TenantCheckedFirst(t *testing.T) {
	audit := &recordingAudit{}
	lock := &fakeLockout{err: errors.New("must not be consulted")}
	g := NewGuard(mustPolicy(t, DefaultRoles()), lock, audit)

	d := g.Check(context.Background(), view("tenant-a", "admin"), "tenant-b", "orders", "read")
	if d.Allowed || d.Reason != ReasonTenantMismatch {
		t.Fatalf("decision = %+v, want tenant_mismatch denial", d)
	}
	if len(audit.events) != 1 || audit.events[0].Kind != auditdomain.KindAccessDenied || audit.events[0].Reason != ReasonTenantMismatch {
		t.Fatalf("audit = %+v", audit.events)
	}
}

func TestGuard_DefaultDeny(t *testing.T) {
	audit := &recordingAudit{}
	g := NewGuard(mustPolicy(t, DefaultRoles()), nil, audit)
	ctx := context.Background()

	if d := g.Check(ctx, view("tenant-a", "staff"), "tenant-a", "orders", "create"); !d.Allowed {
		t.Fatalf("staff orders:create denied: %+v", d)
	}
	d := g.Check(ctx, view("tenant-a", "staff"), "tenant-a", "reports", "read")
	if d.Allowed || d.Reason != ReasonNotGranted {
		t.Fatalf("decision = %+v", d)
	}
	if d := g.Check(ctx, view("tenant-a"), "tenant-a", "orders", "read"); d.Allowed {
		t.Fatal("no roles must deny")
	}
	if d := g.Check(ctx, nil, "tenant-a", "orders", "read"); d.Allowed || d.Reason != ReasonNoSession {
		t.Fatalf("nil view: %+v", d)
	}
	if len(audit.events) != 3 {
		t.Errorf("denials audited = %d, want 3", len(audit.events))
	}
}

func TestGuard_LockedUserDenied(t *testing.T) {
	lock := &fakeLockout{locked: map[string]bool{"user:chef@example.com": true}}
	g := NewGuard(mustPolicy(t, DefaultRoles()), lock, nil)
	d := g.Check(context.Background(), view("tenant-a", "admin"), "tenant-a", "orders", "read")
	if d.Allowed || !errors.Is(d.Err, autherr.ErrRateLimited) {
		t.Fatalf("decision = %+v, want RateLimited", d)
	}
}

func TestGuard_CheckContext(t *testing.T) {
	g := NewGuard(mustPolicy(t, DefaultRoles()), nil, nil)
	ctx := WithSession(context.Background(), view("tenant-a", "manager"))
	if d := g.CheckContext(ctx, "tenant-a", "reports", "read"); !d.Allowed {
		t.Fatalf("decision = %+v", d)
	}
	if d := g.CheckContext(context.Background(), "tenant-a", "reports", "read"); d.Allowed {
		t.Fatal("missing session allowed")
	}
	if _, ok := SessionFrom(context.Background()); ok {
		t.Fatal("SessionFrom on empty context")
	}
}

func TestLoadRoles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	yaml := `roles:
  - name: host
    permissions: [tables:read, tables:assign]
  - name: floor_lead
    description: Runs the floor during service
    inherits: [host]
    permissions: ["orders:*"]
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	roles, err := LoadRoles(path)
	if err != nil {
		t.Fatalf("LoadRoles: %v", err)
	}
	p := mustPolicy(t, roles)
	if !p.Allows([]string{"floor_lead"}, "tables", "assign") {
		t.Error("floor_lead should inherit tables:assign")
	}
	if !p.Allows([]string{"floor_lead"}, "orders", "update") {
		t.Error("floor_lead should have orders:update")
	}
	if p.Allows([]string{"floor_lead"}, "menu", "read") {
		t.Error("floor_lead should not have menu:read")
	}
	if roles[1].Description != "Runs the floor during service" {
		t.Errorf("description = %q", roles[1].Description)
	}
}

func TestMethodPermission(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"/dineops.orders.v1.OrderService/ListOrders", "orders:read"},
		{"/dineops.orders.v1.OrderService/GetOrder", "orders:read"},
		{"/dineops.menu.v1.MenuService/CreateItem", "menus:create"},
		{"/dineops.tables.v1.TablesService/AssignTable", "tables:assigntable"},
		{"/dineops.session.v1.SessionService/RevokeSession", "sessions:revoke"},
		{"noslash", "unknown:unknown"},
	}
	for _, tt := range tests {
		if got := MethodPermission(tt.method).String(); got != tt.want {
			t.Errorf("MethodPermission(%q) = %q, want %q", tt.method, got, tt.want)
		}
	}
}
