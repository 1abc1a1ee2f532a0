package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"dineops/backend/internal/audit"
	"dineops/backend/internal/audit/lockout"
	auditrepo "dineops/backend/internal/audit/repository"
	"dineops/backend/internal/autherr"
	"dineops/backend/internal/authz"
	"dineops/backend/internal/clientip"
	"dineops/backend/internal/health"
	"dineops/backend/internal/identity/idptest"
	"dineops/backend/internal/identity/provider"
	identityrepo "dineops/backend/internal/identity/repository"
	identityservice "dineops/backend/internal/identity/service"
	sessiondomain "dineops/backend/internal/session/domain"
	sessionrepo "dineops/backend/internal/session/repository"
	sessionservice "dineops/backend/internal/session/service"
	"dineops/backend/internal/tokencache"
	userrepo "dineops/backend/internal/user/repository"
)

const testTenant = "tenant-1"

type testServer struct {
	idp      *idptest.Provider
	srv      *httptest.Server
	sessions *sessionservice.Manager
	roles    []any
	client   *http.Client
}

func newTestServer(t *testing.T, cfg Config, roles ...any) *testServer {
	t.Helper()
	idp := idptest.New(t)
	lo := lockout.New(lockout.NewMemoryCounter(), lockout.Policy{Threshold: 5, Window: 10 * time.Minute, Duration: 15 * time.Minute})
	events := auditrepo.NewMemoryRepository()
	rec := audit.NewRecorder(audit.Options{BufferSize: 64, Lockout: lo}, audit.NewRepositorySink(events))
	t.Cleanup(func() { _ = rec.Close(context.Background()) })

	keys := tokencache.NewKeyCache(tokencache.KeyCacheConfig{JWKSURL: idp.JWKSURL(), TTL: time.Hour, MinRefreshInterval: time.Second})
	claims, err := tokencache.NewClaimsCache(16, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	mapper, err := provider.NewMapper(provider.KindEntra, provider.MapperOptions{})
	if err != nil {
		t.Fatal(err)
	}
	broker := identityservice.NewBroker(identityservice.Config{
		ClientID:     idptest.ClientID,
		ClientSecret: idptest.ClientSecret,
		RedirectURI:  "https://dineops.example.com/auth/callback",
		Issuer:       idp.Issuer(),
		Endpoints:    provider.Endpoints{AuthURL: idp.AuthURL(), TokenURL: idp.TokenURL(), JWKSURL: idp.JWKSURL()},
		ClockSkew:    time.Minute,
		AttemptTTL:   10 * time.Minute,
		MaxRetries:   1,
	}, keys, claims, mapper, identityrepo.NewMemoryPendingStore(), userrepo.NewMemoryRepository(), rec)

	sessions := sessionservice.NewManager(sessionrepo.NewMemoryRepository(), rec, sessionservice.Config{
		AbsoluteLifetime: 8 * time.Hour,
		SlidingIncrement: time.Hour,
		ReuseDetection:   true,
		FamilyRevocation: true,
	})
	policy, err := authz.CompilePolicy(authz.DefaultRoles())
	if err != nil {
		t.Fatal(err)
	}
	guard := authz.NewGuard(policy, rec, rec)

	checker := health.NewChecker(time.Second)
	h := NewHandler(cfg, broker, sessions, guard, checker).WithAuditEvents(events)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)

	if len(roles) == 0 {
		roles = []any{"staff"}
	}
	return &testServer{
		idp:      idp,
		srv:      srv,
		sessions: sessions,
		roles:    roles,
		client:   &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }},
	}
}

// login runs /auth/login and /auth/callback and returns the session cookie and refresh token.
func (ts *testServer) login(t *testing.T) (*http.Cookie, callbackResponse) {
	t.Helper()
	resp, err := ts.client.Get(ts.srv.URL + "/auth/login?tenant=" + testTenant + "&login_hint=chef@example.com&return_to=/orders")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	u, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	claims := ts.idp.IDTokenClaims(time.Now(), q.Get("nonce"), jwt.MapClaims{
		"tid": testTenant, "oid": "oid-chef", "preferred_username": "chef@example.com", "roles": ts.roles,
	})
	code := ts.idp.Authorize(q.Get("code_challenge"), claims, "key-1")

	resp, err = ts.client.Get(ts.srv.URL + "/auth/callback?code=" + url.QueryEscape(code) + "&state=" + url.QueryEscape(q.Get("state")))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback status = %d", resp.StatusCode)
	}
	var body callbackResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	for _, c := range resp.Cookies() {
		if c.Name == "dineops_session" {
			if !c.HttpOnly {
				t.Error("session cookie is not HttpOnly")
			}
			return c, body
		}
	}
	t.Fatal("no session cookie")
	return nil, body
}

func (ts *testServer) do(t *testing.T, method, path string, cookie *http.Cookie, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := ts.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) doHeader(t *testing.T, method, path string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := ts.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func forwardedFor(addr string) http.Header {
	return http.Header{"X-Forwarded-For": {addr}, "X-Real-Ip": {addr}}
}

func errorKind(t *testing.T, resp *http.Response) string {
	t.Helper()
	var b errorBody
	_ = json.NewDecoder(resp.Body).Decode(&b)
	return b.Error
}

func TestLoginCallbackSessionFlow(t *testing.T) {
	ts := newTestServer(t, Config{})
	cookie, body := ts.login(t)
	if body.RefreshToken == "" || body.Session == nil || body.Session.TenantID != testTenant {
		t.Fatalf("callback body = %+v", body)
	}
	if body.ReturnTo != "/orders" {
		t.Errorf("return_to = %q", body.ReturnTo)
	}

	resp := ts.do(t, http.MethodGet, "/auth/session", cookie, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session status = %d", resp.StatusCode)
	}
	var view sessiondomain.View
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.Email != "chef@example.com" || len(view.Roles) != 1 || view.Roles[0] != "staff" {
		t.Fatalf("view = %+v", view)
	}
}

func TestRefreshAndReplay(t *testing.T) {
	ts := newTestServer(t, Config{})
	cookie, body := ts.login(t)

	resp := ts.do(t, http.MethodPost, "/auth/refresh", cookie, `{"refresh_token":"`+body.RefreshToken+`"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d", resp.StatusCode)
	}
	var rr refreshResponse
	_ = json.NewDecoder(resp.Body).Decode(&rr)
	if rr.RefreshToken == "" || rr.RefreshToken == body.RefreshToken {
		t.Fatalf("rotated token = %q", rr.RefreshToken)
	}

	resp = ts.do(t, http.MethodPost, "/auth/refresh", cookie, `{"refresh_token":"`+body.RefreshToken+`"}`)
	if resp.StatusCode != http.StatusUnauthorized || errorKind(t, resp) != string(autherr.KindReplayDetected) {
		t.Fatalf("replay status = %d", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodGet, "/auth/session", cookie, "")
	if resp.StatusCode != http.StatusUnauthorized || errorKind(t, resp) != string(autherr.KindRevokedSession) {
		t.Fatalf("session after replay = %d", resp.StatusCode)
	}
}

func TestLogout(t *testing.T) {
	ts := newTestServer(t, Config{})
	cookie, _ := ts.login(t)
	if resp := ts.do(t, http.MethodPost, "/auth/logout", cookie, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}
	resp := ts.do(t, http.MethodGet, "/auth/session", cookie, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("session after logout = %d", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodPost, "/auth/logout", nil, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("anonymous logout = %d", resp.StatusCode)
	}
}

func TestSessionRequiresToken(t *testing.T) {
	ts := newTestServer(t, Config{})
	resp := ts.do(t, http.MethodGet, "/auth/session", nil, "")
	if resp.StatusCode != http.StatusUnauthorized || errorKind(t, resp) != string(autherr.KindInvalidCredentials) {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestCallbackBadState(t *testing.T) {
	ts := newTestServer(t, Config{})
	resp := ts.do(t, http.MethodGet, "/auth/callback?code=x&state=unknown", nil, "")
	if resp.StatusCode != http.StatusBadRequest || errorKind(t, resp) != string(autherr.KindInvalidState) {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRevokeSessionRoute(t *testing.T) {
	ts := newTestServer(t, Config{}, "admin")
	admin, _ := ts.login(t)

	ts.roles = []any{"staff"}
	staff, staffBody := ts.login(t)
	path := "/tenants/" + testTenant + "/sessions/" + staffBody.Session.SessionID

	if resp := ts.do(t, http.MethodDelete, path, staff, ""); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("staff revoke = %d, want 403", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodDelete, "/tenants/other/sessions/"+staffBody.Session.SessionID, admin, ""); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-tenant revoke = %d, want 403", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodDelete, path, admin, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("admin revoke = %d", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodGet, "/auth/session", staff, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked session still valid: %d", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodDelete, "/tenants/"+testTenant+"/sessions/unknown", admin, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session = %d", resp.StatusCode)
	}
}

func TestAuditEventsRoute(t *testing.T) {
	ts := newTestServer(t, Config{}, "admin")
	admin, _ := ts.login(t)
	ts.roles = []any{"staff"}
	staff, _ := ts.login(t)

	path := "/tenants/" + testTenant + "/audit-events?limit=10"
	if resp := ts.do(t, http.MethodGet, path, staff, ""); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("staff audit read = %d, want 403", resp.StatusCode)
	}

	// Events reach the repository asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp := ts.do(t, http.MethodGet, path, admin, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("admin audit read = %d", resp.StatusCode)
		}
		var got []auditEventView
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		if len(got) > 0 {
			for _, e := range got {
				if e.Kind == "" || e.ID == "" {
					t.Fatalf("incomplete event %+v", e)
				}
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no audit events listed")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestLoginRateLimited(t *testing.T) {
	ts := newTestServer(t, Config{LoginRatePerSecond: 0.001, LoginRateBurst: 2})
	for i := 0; i < 2; i++ {
		if resp := ts.do(t, http.MethodGet, "/auth/login?tenant="+testTenant, nil, ""); resp.StatusCode != http.StatusFound {
			t.Fatalf("attempt %d = %d", i, resp.StatusCode)
		}
	}
	resp := ts.do(t, http.MethodGet, "/auth/login?tenant="+testTenant, nil, "")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third attempt = %d, want 429", resp.StatusCode)
	}
}

func TestLoginRateLimitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	ts := newTestServer(t, Config{LoginRatePerSecond: 0.001, LoginRateBurst: 2})
	for i, addr := range []string{"203.0.113.1", "203.0.113.2"} {
		resp := ts.doHeader(t, http.MethodGet, "/auth/login?tenant="+testTenant, forwardedFor(addr))
		if resp.StatusCode != http.StatusFound {
			t.Fatalf("attempt %d = %d", i, resp.StatusCode)
		}
	}
	resp := ts.doHeader(t, http.MethodGet, "/auth/login?tenant="+testTenant, forwardedFor("203.0.113.3"))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("fresh X-Forwarded-For got %d, want 429", resp.StatusCode)
	}
}

func TestAddressLockIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	ts := newTestServer(t, Config{})
	for i := 0; i < 5; i++ {
		addr := "198.51.100." + strconv.Itoa(i+1)
		resp := ts.doHeader(t, http.MethodGet, "/auth/callback?code=x&state=bogus", forwardedFor(addr))
		if resp.StatusCode == http.StatusOK {
			t.Fatalf("bogus callback %d succeeded", i)
		}
	}
	resp := ts.doHeader(t, http.MethodGet, "/auth/login?tenant="+testTenant, forwardedFor("198.51.100.99"))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("login after address lock = %d, want 429", resp.StatusCode)
	}
	if kind := errorKind(t, resp); kind != string(autherr.KindRateLimited) {
		t.Fatalf("error = %q", kind)
	}
}

func TestTrustedProxyForwardedForHonoured(t *testing.T) {
	proxies, err := clientip.NewResolver([]string{"127.0.0.0/8", "::1"})
	if err != nil {
		t.Fatal(err)
	}
	ts := newTestServer(t, Config{LoginRatePerSecond: 0.001, LoginRateBurst: 1, ClientIP: proxies})
	for _, addr := range []string{"203.0.113.1", "203.0.113.2"} {
		if resp := ts.doHeader(t, http.MethodGet, "/auth/login?tenant="+testTenant, forwardedFor(addr)); resp.StatusCode != http.StatusFound {
			t.Fatalf("%s first attempt = %d", addr, resp.StatusCode)
		}
	}
	if resp := ts.doHeader(t, http.MethodGet, "/auth/login?tenant="+testTenant, forwardedFor("203.0.113.1")); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("repeat from 203.0.113.1 = %d, want 429", resp.StatusCode)
	}
}

func TestSessionCookieSameSite(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want http.SameSite
	}{
		{"default lax", Config{}, http.SameSiteLaxMode},
		{"strict", Config{CookieSameSite: SameSite("strict")}, http.SameSiteStrictMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.cfg)
			cookie, _ := ts.login(t)
			if cookie.SameSite != tt.want {
				t.Fatalf("SameSite = %v, want %v", cookie.SameSite, tt.want)
			}
		})
	}
}

func TestSameSite(t *testing.T) {
	tests := map[string]http.SameSite{
		"lax":    http.SameSiteLaxMode,
		"Strict": http.SameSiteStrictMode,
		"none":   http.SameSiteNoneMode,
		"":       http.SameSiteLaxMode,
		"bogus":  http.SameSiteLaxMode,
	}
	for in, want := range tests {
		if got := SameSite(in); got != want {
			t.Errorf("SameSite(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, Config{CORSAllowedOrigins: []string{"https://app.dineops.example.com"}, CORSMaxAgeSeconds: 600})
	preflight := func(origin string) *http.Response {
		return ts.doHeader(t, http.MethodOptions, "/auth/refresh", http.Header{
			"Origin":                        {origin},
			"Access-Control-Request-Method": {http.MethodPost},
		})
	}
	resp := preflight("https://app.dineops.example.com")
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.dineops.example.com" {
		t.Fatalf("allowed origin header = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("allow credentials = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Max-Age"); got != "600" {
		t.Fatalf("max age = %q", got)
	}
	resp = preflight("https://evil.example.com")
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("disallowed origin got Access-Control-Allow-Origin %q", got)
	}
}

func TestCORSDisabledByDefault(t *testing.T) {
	ts := newTestServer(t, Config{})
	resp := ts.doHeader(t, http.MethodGet, "/healthz", http.Header{"Origin": {"https://app.dineops.example.com"}})
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, Config{})
	if resp := ts.do(t, http.MethodGet, "/healthz", nil, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
}

type failingReady struct{}

func (failingReady) Check(context.Context) health.Report {
	return health.Report{Failed: []string{"postgres"}}
}

func TestHealthzUnavailable(t *testing.T) {
	h := NewHandler(Config{}, nil, nil, nil, failingReady{})
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSafeReturnTo(t *testing.T) {
	for in, want := range map[string]string{
		"/orders":           "/orders",
		"//evil.example":    "",
		"https://evil.test": "",
		`/\evil`:            "",
		"":                  "",
	} {
		if got := safeReturnTo(in); got != want {
			t.Errorf("safeReturnTo(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIPRateLimiter_Sweep(t *testing.T) {
	l := NewIPRateLimiter(1, 1, time.Minute)
	now := time.Now()
	l.now = func() time.Time { return now }
	if !l.Allow("a") || l.Allow("a") {
		t.Fatal("burst of 1 not enforced")
	}
	l.Allow("b")
	now = now.Add(2 * time.Minute)
	if n := l.Sweep(); n != 0 {
		t.Fatalf("remaining = %d", n)
	}
}
