package authz

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrRoleCycle is returned when role inheritance loops back on itself.
	ErrRoleCycle = errors.New("authz: role inheritance cycle")
	// ErrUnknownRole is returned when a role inherits from a role that is not defined.
	ErrUnknownRole = errors.New("authz: unknown parent role")
	// ErrDuplicateRole is returned when a role name is defined twice.
	ErrDuplicateRole = errors.New("authz: duplicate role")
)

// Wildcard grants every permission.
const Wildcard = "*"

// Role is a named set of permissions ("resource:action", "resource:*" or "*") plus the
// roles it inherits from.
type Role struct {
	Name        string   `mapstructure:"name"`
	Description string   `mapstructure:"description"`
	Inherits    []string `mapstructure:"inherits"`
	Permissions []string `mapstructure:"permissions"`
}

// DefaultRoles is the built-in role set used when no roles file is configured.
func DefaultRoles() []Role {
	return []Role{
		{
			Name:        "staff",
			Description: "Floor and kitchen staff",
			Permissions: []string{"orders:read", "orders:create", "menu:read", "tables:read", "session:read"},
		},
		{
			Name:        "manager",
			Description: "Dining hall manager",
			Inherits:    []string{"staff"},
			Permissions: []string{"orders:*", "menu:*", "tables:*", "reports:read", "staff:read"},
		},
		{
			Name:        "admin",
			Description: "Full administrative access",
			Inherits:    []string{"manager"},
			Permissions: []string{"staff:*", "sessions:*", "audit:read", "settings:*"},
		},
	}
}

// LoadRoles reads role definitions from a YAML file with a top-level "roles" list.
func LoadRoles(path string) ([]Role, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("authz: read roles file: %w", err)
	}
	var file struct {
		Roles []Role `mapstructure:"roles"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("authz: decode roles file: %w", err)
	}
	if len(file.Roles) == 0 {
		return nil, fmt.Errorf("authz: roles file %s defines no roles", path)
	}
	return file.Roles, nil
}

// Policy is the expanded permission set of each role. It is immutable after CompilePolicy.
type Policy struct {
	grants map[string]map[string]struct{}
}

// CompilePolicy expands role inheritance once. Cycles, duplicate names and unknown
// parents are configuration errors.
func CompilePolicy(roles []Role) (*Policy, error) {
	defs := make(map[string]Role, len(roles))
	for _, r := range roles {
		name := normalize(r.Name)
		if name == "" {
			return nil, errors.New("authz: role with empty name")
		}
		if _, ok := defs[name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRole, name)
		}
		defs[name] = r
	}

	p := &Policy{grants: make(map[string]map[string]struct{}, len(defs))}
	const (
		visiting = 1
		done     = 2
	)
	marks := map[string]int{}
	var expand func(name string, path []string) error
	expand = func(name string, path []string) error {
		switch marks[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: %s", ErrRoleCycle, strings.Join(append(path, name), " -> "))
		}
		marks[name] = visiting
		def := defs[name]
		set := map[string]struct{}{}
		for _, perm := range def.Permissions {
			if perm = normalize(perm); perm != "" {
				set[perm] = struct{}{}
			}
		}
		for _, parent := range def.Inherits {
			parent = normalize(parent)
			if _, ok := defs[parent]; !ok {
				return fmt.Errorf("%w: %s inherits %s", ErrUnknownRole, name, parent)
			}
			if err := expand(parent, append(path, name)); err != nil {
				return err
			}
			for perm := range p.grants[parent] {
				set[perm] = struct{}{}
			}
		}
		p.grants[name] = set
		marks[name] = done
		return nil
	}

	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := expand(name, nil); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Allows reports whether any of roles grants resource:action. Unknown roles grant nothing.
func (p *Policy) Allows(roles []string, resource, action string) bool {
	if p == nil {
		return false
	}
	resource, action = normalize(resource), normalize(action)
	if resource == "" || action == "" {
		return false
	}
	exact := resource + ":" + action
	all := resource + ":" + Wildcard
	for _, role := range roles {
		set := p.grants[normalize(role)]
		if _, ok := set[exact]; ok {
			return true
		}
		if _, ok := set[all]; ok {
			return true
		}
		if _, ok := set[Wildcard]; ok {
			return true
		}
	}
	return false
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
