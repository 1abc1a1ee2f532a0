package provider

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Endpoints are the provider URLs the broker talks to.
type Endpoints struct {
	Issuer   string
	AuthURL  string
	TokenURL string
	JWKSURL  string
}

// Complete reports whether every endpoint is set.
func (e Endpoints) Complete() bool {
	return e.AuthURL != "" && e.TokenURL != "" && e.JWKSURL != ""
}

// Discover resolves endpoints from the issuer's OpenID configuration document. The
// document's issuer must match issuer exactly.
func Discover(ctx context.Context, client *http.Client, issuer string) (Endpoints, error) {
	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}
	p, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return Endpoints{}, fmt.Errorf("discover %s: %w", issuer, err)
	}
	var doc struct {
		Issuer  string `json:"issuer"`
		JWKSURI string `json:"jwks_uri"`
	}
	if err := p.Claims(&doc); err != nil {
		return Endpoints{}, fmt.Errorf("discover %s: %w", issuer, err)
	}
	ep := p.Endpoint()
	return Endpoints{
		Issuer:   doc.Issuer,
		AuthURL:  ep.AuthURL,
		TokenURL: ep.TokenURL,
		JWKSURL:  doc.JWKSURI,
	}, nil
}

// Resolve returns explicit when it is complete, otherwise discovers the missing parts.
func Resolve(ctx context.Context, client *http.Client, issuer string, explicit Endpoints) (Endpoints, error) {
	explicit.Issuer = issuer
	if explicit.Complete() {
		return explicit, nil
	}
	found, err := Discover(ctx, client, issuer)
	if err != nil {
		return Endpoints{}, err
	}
	if explicit.AuthURL == "" {
		explicit.AuthURL = found.AuthURL
	}
	if explicit.TokenURL == "" {
		explicit.TokenURL = found.TokenURL
	}
	if explicit.JWKSURL == "" {
		explicit.JWKSURL = found.JWKSURL
	}
	return explicit, nil
}
