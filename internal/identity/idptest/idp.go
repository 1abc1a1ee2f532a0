// Package idptest provides an in-process OpenID Connect provider for tests: discovery,
// JWKS and a token endpoint that enforces PKCE. For tests only.
package idptest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/oauth2"
)

// ClientID and ClientSecret are the credentials the provider accepts.
const (
	ClientID     = "dineops-test-client"
	ClientSecret = "dineops-test-secret"
)

type grant struct {
	challenge string
	claims    jwt.MapClaims
	kid       string
}

// Provider is a fake identity provider backed by httptest.Server.
type Provider struct {
	Server *httptest.Server
	t      testing.TB

	mu          sync.Mutex
	keys        map[string]*rsa.PrivateKey
	published   []string
	grants      map[string]grant
	tokenFails  int
	tokenStatus int
	codeSeq     int

	// TokenCalls counts requests to the token endpoint.
	TokenCalls atomic.Int32
	// JWKSCalls counts requests to the JWKS endpoint.
	JWKSCalls atomic.Int32
}

// New starts a provider publishing one signing key with kid "key-1".
func New(t testing.TB) *Provider {
	t.Helper()
	p := &Provider{t: t, keys: map[string]*rsa.PrivateKey{}, grants: map[string]grant{}}
	p.AddKey("key-1")
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", p.discovery)
	mux.HandleFunc("/keys", p.jwks)
	mux.HandleFunc("/token", p.token)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

// Issuer is the provider's issuer URL.
func (p *Provider) Issuer() string { return p.Server.URL }

// AuthURL is the authorization endpoint. It is never served; tests read the redirect URL.
func (p *Provider) AuthURL() string { return p.Server.URL + "/authorize" }

// TokenURL is the token endpoint.
func (p *Provider) TokenURL() string { return p.Server.URL + "/token" }

// JWKSURL is the key set endpoint.
func (p *Provider) JWKSURL() string { return p.Server.URL + "/keys" }

// AddKey generates and publishes a signing key.
func (p *Provider) AddKey(kid string) {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		p.t.Fatalf("idptest: generate key: %v", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[kid] = k
	p.published = append(p.published, kid)
}

// Publish replaces the published key ids. Unpublished keys can still sign.
func (p *Provider) Publish(kids ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append([]string(nil), kids...)
}

// FailToken makes the next n token requests fail with status.
func (p *Provider) FailToken(n, status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenFails = n
	p.tokenStatus = status
}

// Sign returns a JWT with claims signed by kid.
func (p *Provider) Sign(kid string, claims jwt.MapClaims) string {
	p.mu.Lock()
	key := p.keys[kid]
	p.mu.Unlock()
	if key == nil {
		p.t.Fatalf("idptest: unknown key %q", kid)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	raw, err := tok.SignedString(key)
	if err != nil {
		p.t.Fatalf("idptest: sign: %v", err)
	}
	return raw
}

// IDTokenClaims returns well-formed claims for this provider and ClientID at now.
func (p *Provider) IDTokenClaims(now time.Time, nonce string, extra jwt.MapClaims) jwt.MapClaims {
	c := jwt.MapClaims{
		"iss":   p.Issuer(),
		"aud":   ClientID,
		"iat":   now.Unix(),
		"nbf":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"nonce": nonce,
	}
	for k, v := range extra {
		c[k] = v
	}
	return c
}

// Authorize registers a code for the PKCE challenge; the token endpoint returns an ID
// token with claims signed by kid when the matching verifier is presented.
func (p *Provider) Authorize(challenge string, claims jwt.MapClaims, kid string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.codeSeq++
	code := fmt.Sprintf("code-%d", p.codeSeq)
	p.grants[code] = grant{challenge: challenge, claims: claims, kid: kid}
	return code
}

func (p *Provider) discovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                p.Issuer(),
		"authorization_endpoint":                p.AuthURL(),
		"token_endpoint":                        p.TokenURL(),
		"jwks_uri":                              p.JWKSURL(),
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
	})
}

func (p *Provider) jwks(w http.ResponseWriter, r *http.Request) {
	p.JWKSCalls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	set := jwk.NewSet()
	for _, kid := range p.published {
		k, err := jwk.Import(&p.keys[kid].PublicKey)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = k.Set(jwk.KeyIDKey, kid)
		_ = k.Set(jwk.AlgorithmKey, "RS256")
		_ = k.Set(jwk.KeyUsageKey, "sig")
		_ = set.AddKey(k)
	}
	writeJSON(w, http.StatusOK, set)
}

func (p *Provider) token(w http.ResponseWriter, r *http.Request) {
	p.TokenCalls.Add(1)
	p.mu.Lock()
	if p.tokenFails > 0 {
		p.tokenFails--
		status := p.tokenStatus
		p.mu.Unlock()
		writeJSON(w, status, map[string]string{"error": "temporarily_unavailable"})
		return
	}
	p.mu.Unlock()

	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	id, secret, ok := r.BasicAuth()
	if !ok {
		id, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if id != ClientID || secret != ClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	code := r.PostForm.Get("code")
	p.mu.Lock()
	g, found := p.grants[code]
	delete(p.grants, code)
	p.mu.Unlock()
	if r.PostForm.Get("grant_type") != "authorization_code" || !found ||
		oauth2.S256ChallengeFromVerifier(r.PostForm.Get("code_verifier")) != g.challenge {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_grant",
			"error_description": "AADSTS70008: code invalid or PKCE verification failed",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": "access-" + code,
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     p.Sign(g.kid, g.claims),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
