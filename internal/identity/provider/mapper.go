// Package provider adapts identity-provider specifics: claim names per provider kind
// and endpoint discovery.
package provider

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"dineops/backend/internal/identity/domain"
)

// Provider kinds selectable by configuration.
const (
	KindEntra   = "entra"
	KindGeneric = "generic"
)

var (
	// ErrMissingClaim is returned when a required claim is absent or empty.
	ErrMissingClaim = errors.New("provider: required claim missing")
	// ErrUnknownProvider is returned by NewMapper for an unsupported kind.
	ErrUnknownProvider = errors.New("provider: unknown provider kind")
)

// ClaimsMapper turns verified ID-token claims into provider-neutral Claims.
type ClaimsMapper interface {
	Map(claims jwt.MapClaims) (*domain.Claims, error)
}

// MapperOptions configures claim names. Zero values use the provider's defaults.
type MapperOptions struct {
	TenantClaim string
	RolesClaim  string
}

// NewMapper returns the mapper for kind.
func NewMapper(kind string, opts MapperOptions) (ClaimsMapper, error) {
	switch strings.ToLower(kind) {
	case KindEntra, "":
		return &EntraMapper{RolesClaim: orDefault(opts.RolesClaim, "roles")}, nil
	case KindGeneric:
		return &GenericMapper{
			TenantClaim: orDefault(opts.TenantClaim, "tenant_id"),
			RolesClaim:  orDefault(opts.RolesClaim, "roles"),
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, kind)
}

// EntraMapper maps Microsoft Entra ID tokens: tid is the tenant, oid the stable subject,
// preferred_username (or email) the email, and app roles come from the roles claim.
type EntraMapper struct {
	RolesClaim string
}

// Map implements ClaimsMapper.
func (m *EntraMapper) Map(claims jwt.MapClaims) (*domain.Claims, error) {
	tenant := stringClaim(claims, "tid")
	if tenant == "" {
		return nil, fmt.Errorf("%w: tid", ErrMissingClaim)
	}
	subject := stringClaim(claims, "oid")
	if subject == "" {
		return nil, fmt.Errorf("%w: oid", ErrMissingClaim)
	}
	email := stringClaim(claims, "preferred_username")
	if email == "" {
		email = stringClaim(claims, "email")
	}
	return &domain.Claims{
		Subject:  subject,
		TenantID: tenant,
		Email:    strings.ToLower(email),
		Name:     stringClaim(claims, "name"),
		Roles:    listClaim(claims, m.RolesClaim),
	}, nil
}

// GenericMapper maps standard OIDC claims with a configurable tenant claim.
type GenericMapper struct {
	TenantClaim string
	RolesClaim  string
}

// Map implements ClaimsMapper.
func (m *GenericMapper) Map(claims jwt.MapClaims) (*domain.Claims, error) {
	tenant := stringClaim(claims, m.TenantClaim)
	if tenant == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingClaim, m.TenantClaim)
	}
	subject := stringClaim(claims, "sub")
	if subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	roles := listClaim(claims, m.RolesClaim)
	if len(roles) == 0 {
		roles = listClaim(claims, "groups")
	}
	return &domain.Claims{
		Subject:  subject,
		TenantID: tenant,
		Email:    strings.ToLower(stringClaim(claims, "email")),
		Name:     stringClaim(claims, "name"),
		Roles:    roles,
	}, nil
}

func stringClaim(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return strings.TrimSpace(s)
}

// listClaim accepts a JSON array of strings or a single space-separated string.
func listClaim(claims jwt.MapClaims, name string) []string {
	var out []string
	switch v := claims[name].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case []string:
		for _, s := range v {
			if strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case string:
		out = strings.Fields(v)
	}
	return out
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
