package oauth2_test

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	jose "github.com/go-jose/go-jose/v4"
	oauth2lib "golang.org/x/oauth2"

	sa "github.com/panyam/socialauth"
	"github.com/panyam/socialauth/oauth2"
)

// mockOAuthServer creates a mock OAuth provider server that handles:
// - /token endpoint for token exchange
// - /userinfo endpoint for user data retrieval
// - /emails endpoint listing github style addresses
type mockOAuthServer struct {
	server   *httptest.Server
	endpoint oauth2lib.Endpoint

	// Configuration for responses
	tokenResponse    map[string]any
	userInfoResponse map[string]any
	emailsResponse   []map[string]any
	tokenError       bool
	userInfoError    bool

	lastAuthHeader string
}

func newMockOAuthServer() *mockOAuthServer {
	mock := &mockOAuthServer{
		tokenResponse: map[string]any{
			"access_token":  "mock_access_token",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "mock_refresh_token",
		},
		userInfoResponse: map[string]any{
			"id":    "12345",
			"email": "testuser@example.com",
			"name":  "Test User",
		},
	}

	mux := http.NewServeMux()

	// Token endpoint
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if mock.tokenError {
			http.Error(w, "token exchange failed", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mock.tokenResponse)
	})

	// User info endpoint
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		mock.lastAuthHeader = r.Header.Get("Authorization")
		if mock.userInfoError {
			http.Error(w, "user info failed", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mock.userInfoResponse)
	})

	mux.HandleFunc("/emails", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mock.emailsResponse)
	})

	// bitbucket pages its list under "values"
	mux.HandleFunc("/paged/emails", func(w http.ResponseWriter, r *http.Request) {
		if mock.emailsResponse == nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"values": mock.emailsResponse})
	})

	mock.server = httptest.NewServer(mux)
	mock.endpoint = oauth2lib.Endpoint{
		AuthURL:  mock.server.URL + "/auth",
		TokenURL: mock.server.URL + "/token",
	}
	return mock
}

func (m *mockOAuthServer) Close() {
	m.server.Close()
}

// callbackRequest builds a provider redirect back to us with a matching state cookie
func callbackRequest(state, code string) *http.Request {
	q := url.Values{}
	q.Set("state", state)
	q.Set("code", code)
	req := httptest.NewRequest("GET", "/callback/?"+q.Encode(), nil)
	req.AddCookie(&http.Cookie{Name: "oauthstate", Value: state})
	return req
}

func assertFetchError(t *testing.T, err error, provider string) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	var pfe *sa.ProviderFetchError
	if !errors.As(err, &pfe) {
		t.Fatalf("expected a ProviderFetchError, got %T: %v", err, err)
	}
	if pfe.Provider != provider {
		t.Errorf("expected provider %q, got %q", provider, pfe.Provider)
	}
}

func TestOauthRedirector(t *testing.T) {
	config := &oauth2lib.Config{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		RedirectURL:  "http://localhost:8080/callback",
		Scopes:       []string{"email", "profile"},
		Endpoint: oauth2lib.Endpoint{
			AuthURL:  "https://provider.example.com/auth",
			TokenURL: "https://provider.example.com/token",
		},
	}
	handler := oauth2.OauthRedirector(config)

	t.Run("RedirectsToProviderWithState", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/login", nil)
		w := httptest.NewRecorder()
		handler(w, req)

		if w.Code != http.StatusFound {
			t.Fatalf("expected status %d, got %d", http.StatusFound, w.Code)
		}
		location, err := url.Parse(w.Header().Get("Location"))
		if err != nil {
			t.Fatalf("bad location: %v", err)
		}
		if !strings.HasPrefix(location.String(), "https://provider.example.com/auth") {
			t.Errorf("expected redirect to the provider, got %s", location)
		}
		if location.Query().Get("client_id") != "test-client-id" {
			t.Errorf("expected client_id in redirect, got %s", location.RawQuery)
		}

		var stateCookie *http.Cookie
		for _, c := range w.Result().Cookies() {
			if c.Name == "oauthstate" {
				stateCookie = c
			}
		}
		if stateCookie == nil {
			t.Fatal("expected oauthstate cookie to be set")
		}
		if !stateCookie.HttpOnly {
			t.Error("expected oauthstate cookie to be HttpOnly")
		}
		if location.Query().Get("state") != stateCookie.Value {
			t.Errorf("state param %q does not match cookie %q", location.Query().Get("state"), stateCookie.Value)
		}
	})

	t.Run("StoresCallbackURL", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/login?callbackURL=/dashboard", nil)
		w := httptest.NewRecorder()
		handler(w, req)

		found := false
		for _, c := range w.Result().Cookies() {
			if c.Name == sa.CallbackURLCookie {
				found = true
				if c.Value != "/dashboard" {
					t.Errorf("expected callback cookie /dashboard, got %q", c.Value)
				}
			}
		}
		if !found {
			t.Error("expected oauthCallbackURL cookie to be set")
		}
	})

	t.Run("StateIsRandom", func(t *testing.T) {
		seen := map[string]bool{}
		for i := 0; i < 10; i++ {
			w := httptest.NewRecorder()
			handler(w, httptest.NewRequest("GET", "/login", nil))
			for _, c := range w.Result().Cookies() {
				if c.Name == "oauthstate" {
					if seen[c.Value] {
						t.Fatalf("state %q generated twice", c.Value)
					}
					seen[c.Value] = true
				}
			}
		}
	})
}

func TestGoogleFetchIdentity(t *testing.T) {
	mock := newMockOAuthServer()
	defer mock.Close()

	newClient := func() *oauth2.GoogleOAuth2 {
		g := oauth2.NewGoogleOAuth2("client", "secret", "http://localhost/google/callback/")
		g.SetOAuthEndpoint(mock.endpoint)
		g.UserInfoURL = mock.server.URL + "/userinfo"
		return g
	}

	t.Run("Success", func(t *testing.T) {
		mock.userInfoResponse = map[string]any{
			"id":             "g-1",
			"email":          "alice@example.com",
			"verified_email": true,
			"name":           "Alice",
			"picture":        "https://example.com/a.png",
		}
		assertion, err := newClient().FetchIdentity(callbackRequest("s1", "code"))
		if err != nil {
			t.Fatalf("FetchIdentity failed: %v", err)
		}
		if assertion.Provider != "google" || assertion.ExternalID != "g-1" {
			t.Errorf("unexpected identity %s/%s", assertion.Provider, assertion.ExternalID)
		}
		if assertion.Email != "alice@example.com" || assertion.DisplayName != "Alice" || assertion.AvatarURL != "https://example.com/a.png" {
			t.Errorf("unexpected profile %+v", assertion)
		}
		if mock.lastAuthHeader != "Bearer mock_access_token" {
			t.Errorf("expected bearer token on userinfo call, got %q", mock.lastAuthHeader)
		}
	})

	t.Run("UnverifiedEmailDropped", func(t *testing.T) {
		mock.userInfoResponse = map[string]any{"id": "g-2", "email": "bob@example.com", "verified_email": false}
		assertion, err := newClient().FetchIdentity(callbackRequest("s2", "code"))
		if err != nil {
			t.Fatalf("FetchIdentity failed: %v", err)
		}
		if assertion.Email != "" {
			t.Errorf("expected unverified email to be dropped, got %q", assertion.Email)
		}
	})

	t.Run("StateMismatch", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/callback/?state=wrong&code=code", nil)
		req.AddCookie(&http.Cookie{Name: "oauthstate", Value: "right"})
		_, err := newClient().FetchIdentity(req)
		assertFetchError(t, err, "google")
	})

	t.Run("MissingStateCookie", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/callback/?state=s&code=code", nil)
		_, err := newClient().FetchIdentity(req)
		assertFetchError(t, err, "google")
	})

	t.Run("ConsentDenied", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/callback/?state=s&error=access_denied", nil)
		req.AddCookie(&http.Cookie{Name: "oauthstate", Value: "s"})
		_, err := newClient().FetchIdentity(req)
		assertFetchError(t, err, "google")
		if !strings.Contains(err.Error(), "access_denied") {
			t.Errorf("expected access_denied in error, got %v", err)
		}
	})

	t.Run("TokenExchangeFails", func(t *testing.T) {
		mock.tokenError = true
		defer func() { mock.tokenError = false }()
		_, err := newClient().FetchIdentity(callbackRequest("s3", "code"))
		assertFetchError(t, err, "google")
	})

	t.Run("UserInfoFails", func(t *testing.T) {
		mock.userInfoError = true
		defer func() { mock.userInfoError = false }()
		_, err := newClient().FetchIdentity(callbackRequest("s4", "code"))
		assertFetchError(t, err, "google")
	})

	t.Run("MissingSubject", func(t *testing.T) {
		mock.userInfoResponse = map[string]any{"email": "nobody@example.com"}
		_, err := newClient().FetchIdentity(callbackRequest("s5", "code"))
		assertFetchError(t, err, "google")
		if !errors.Is(err, sa.ErrInvalidAssertion) {
			t.Errorf("expected ErrInvalidAssertion, got %v", err)
		}
	})
}

func TestGithubFetchIdentity(t *testing.T) {
	mock := newMockOAuthServer()
	defer mock.Close()

	newClient := func() *oauth2.GithubOAuth2 {
		g := oauth2.NewGithubOAuth2("client", "secret", "http://localhost/github/callback/")
		g.SetOAuthEndpoint(mock.endpoint)
		g.UserInfoURL = mock.server.URL + "/userinfo"
		g.EmailsURL = mock.server.URL + "/emails"
		return g
	}

	t.Run("NumericIdAndPrimaryEmail", func(t *testing.T) {
		mock.userInfoResponse = map[string]any{
			"id":         12345,
			"login":      "octocat",
			"name":       "The Octocat",
			"avatar_url": "https://github.com/octocat.png",
			"email":      nil,
		}
		mock.emailsResponse = []map[string]any{
			{"email": "work@example.com", "primary": false, "verified": true},
			{"email": "octo@example.com", "primary": true, "verified": true},
		}
		assertion, err := newClient().FetchIdentity(callbackRequest("s1", "code"))
		if err != nil {
			t.Fatalf("FetchIdentity failed: %v", err)
		}
		if assertion.ExternalID != "12345" {
			t.Errorf("expected external id 12345, got %q", assertion.ExternalID)
		}
		if assertion.Handle != "octocat" {
			t.Errorf("expected handle octocat, got %q", assertion.Handle)
		}
		if assertion.Email != "octo@example.com" {
			t.Errorf("expected primary email, got %q", assertion.Email)
		}
	})

	t.Run("UnverifiedPrimaryIgnored", func(t *testing.T) {
		mock.userInfoResponse = map[string]any{"id": 7, "login": "x", "email": "public@example.com"}
		mock.emailsResponse = []map[string]any{
			{"email": "public@example.com", "primary": true, "verified": false},
		}
		assertion, err := newClient().FetchIdentity(callbackRequest("s2", "code"))
		if err != nil {
			t.Fatalf("FetchIdentity failed: %v", err)
		}
		if assertion.Email != "" {
			t.Errorf("expected no email, got %q", assertion.Email)
		}
	})

	t.Run("EmailsURLDisabled", func(t *testing.T) {
		mock.userInfoResponse = map[string]any{"id": 8, "login": "y", "email": "y@example.com"}
		g := newClient()
		g.EmailsURL = ""
		assertion, err := g.FetchIdentity(callbackRequest("s3", "code"))
		if err != nil {
			t.Fatalf("FetchIdentity failed: %v", err)
		}
		if assertion.Email != "y@example.com" {
			t.Errorf("expected profile email, got %q", assertion.Email)
		}
	})
}

func TestBaseOAuth2HTTPClient(t *testing.T) {
	mock := newMockOAuthServer()
	defer mock.Close()

	calls := 0
	g := oauth2.NewGoogleOAuth2("client", "secret", "http://localhost/cb")
	g.SetOAuthEndpoint(mock.endpoint)
	g.UserInfoURL = mock.server.URL + "/userinfo"
	g.HTTPClient = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls++
		return http.DefaultTransport.RoundTrip(r)
	})}

	if _, err := g.FetchIdentity(callbackRequest("s", "code")); err != nil {
		t.Fatalf("FetchIdentity failed: %v", err)
	}
	// token exchange and userinfo
	if calls != 2 {
		t.Errorf("expected 2 calls through the custom client, got %d", calls)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestEnvironmentVariableDefaults(t *testing.T) {
	t.Setenv("OAUTH2_GOOGLE_CLIENT_ID", "env-google-id")
	t.Setenv("OAUTH2_GOOGLE_CLIENT_SECRET", "env-google-secret")
	t.Setenv("OAUTH2_GOOGLE_CALLBACK_URL", "http://env/google")
	t.Setenv("OAUTH2_GITHUB_CLIENT_ID", "env-github-id")

	g := oauth2.NewGoogleOAuth2("", "", "")
	if g.ClientId != "env-google-id" || g.ClientSecret != "env-google-secret" || g.CallbackURL != "http://env/google" {
		t.Errorf("google client did not read env defaults: %+v", g.BaseOAuth2)
	}
	if g.OAuthConfig().RedirectURL != "http://env/google" {
		t.Errorf("expected redirect url from env, got %q", g.OAuthConfig().RedirectURL)
	}

	gh := oauth2.NewGithubOAuth2("", "", "")
	if gh.ClientId != "env-github-id" {
		t.Errorf("expected github client id from env, got %q", gh.ClientId)
	}
	if gh.Name() != "github" || g.Name() != "google" {
		t.Errorf("unexpected provider names %q %q", gh.Name(), g.Name())
	}
}

// oidcFixture signs id tokens the way an OpenID provider would
type oidcFixture struct {
	mock     *mockOAuthServer
	issuer   string
	key      *rsa.PrivateKey
	verifier *oidc.IDTokenVerifier
}

func newOIDCFixture(t *testing.T) *oidcFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := &oidcFixture{mock: newMockOAuthServer(), issuer: "https://idp.example.com", key: key}
	keySet := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{key.Public()}}
	f.verifier = oidc.NewVerifier(f.issuer, keySet, &oidc.Config{ClientID: "client"})
	t.Cleanup(f.mock.Close)
	return f
}

func (f *oidcFixture) sign(t *testing.T, claims map[string]any) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: f.key}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	payload, _ := json.Marshal(claims)
	obj, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	raw, err := obj.CompactSerialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return raw
}

func (f *oidcFixture) claims(sub string) map[string]any {
	return map[string]any{
		"iss":   f.issuer,
		"aud":   "client",
		"sub":   sub,
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Unix(),
		"email": sub + "@example.com",
		"name":  "OIDC User",
	}
}

func (f *oidcFixture) client() *oauth2.OIDCProvider {
	return oauth2.NewOIDCProviderWithVerifier("acme", f.mock.endpoint, f.verifier, "client", "secret", "http://localhost/acme/callback/")
}

func TestOIDCFetchIdentity(t *testing.T) {
	t.Run("VerifiedIDToken", func(t *testing.T) {
		f := newOIDCFixture(t)
		claims := f.claims("subject-1")
		claims["email_verified"] = true
		f.mock.tokenResponse["id_token"] = f.sign(t, claims)

		assertion, err := f.client().FetchIdentity(callbackRequest("s", "code"))
		if err != nil {
			t.Fatalf("FetchIdentity failed: %v", err)
		}
		if assertion.Provider != "acme" || assertion.ExternalID != "subject-1" {
			t.Errorf("unexpected identity %s/%s", assertion.Provider, assertion.ExternalID)
		}
		if assertion.Email != "subject-1@example.com" || assertion.DisplayName != "OIDC User" {
			t.Errorf("unexpected profile %+v", assertion)
		}
	})

	t.Run("UnverifiedEmailDropped", func(t *testing.T) {
		f := newOIDCFixture(t)
		claims := f.claims("subject-2")
		claims["email_verified"] = false
		f.mock.tokenResponse["id_token"] = f.sign(t, claims)

		assertion, err := f.client().FetchIdentity(callbackRequest("s", "code"))
		if err != nil {
			t.Fatalf("FetchIdentity failed: %v", err)
		}
		if assertion.Email != "" {
			t.Errorf("expected email to be dropped, got %q", assertion.Email)
		}
	})

	t.Run("WrongAudience", func(t *testing.T) {
		f := newOIDCFixture(t)
		claims := f.claims("subject-3")
		claims["aud"] = "someone-else"
		f.mock.tokenResponse["id_token"] = f.sign(t, claims)

		_, err := f.client().FetchIdentity(callbackRequest("s", "code"))
		assertFetchError(t, err, "acme")
	})

	t.Run("ForeignSigningKey", func(t *testing.T) {
		f := newOIDCFixture(t)
		other := newOIDCFixture(t)
		f.mock.tokenResponse["id_token"] = other.sign(t, f.claims("subject-4"))

		_, err := f.client().FetchIdentity(callbackRequest("s", "code"))
		assertFetchError(t, err, "acme")
	})

	t.Run("MissingIDToken", func(t *testing.T) {
		f := newOIDCFixture(t)
		_, err := f.client().FetchIdentity(callbackRequest("s", "code"))
		assertFetchError(t, err, "acme")
	})
}

func TestFacebookFetchIdentity(t *testing.T) {
	mock := newMockOAuthServer()
	defer mock.Close()

	f := oauth2.NewFacebookOAuth2("client", "secret", "http://localhost/facebook/callback/")
	f.SetOAuthEndpoint(mock.endpoint)
	f.UserInfoURL = mock.server.URL + "/userinfo"

	t.Run("Success", func(t *testing.T) {
		mock.userInfoResponse = map[string]any{
			"id":      "10158",
			"name":    "Ann Example",
			"email":   "ann@example.com",
			"picture": map[string]any{"data": map[string]any{"url": "https://fb.example/ann.jpg"}},
		}
		assertion, err := f.FetchIdentity(callbackRequest("fb1", "code"))
		if err != nil {
			t.Fatalf("FetchIdentity failed: %v", err)
		}
		if assertion.Provider != "facebook" || assertion.ExternalID != "10158" {
			t.Errorf("unexpected identity %s/%s", assertion.Provider, assertion.ExternalID)
		}
		if assertion.Email != "ann@example.com" || assertion.DisplayName != "Ann Example" {
			t.Errorf("unexpected profile %+v", assertion)
		}
		if assertion.AvatarURL != "https://fb.example/ann.jpg" {
			t.Errorf("expected the nested picture url, got %q", assertion.AvatarURL)
		}
		if mock.lastAuthHeader != "Bearer mock_access_token" {
			t.Errorf("unexpected auth header %q", mock.lastAuthHeader)
		}
	})

	t.Run("MissingId", func(t *testing.T) {
		mock.userInfoResponse = map[string]any{"name": "No Id"}
		_, err := f.FetchIdentity(callbackRequest("fb2", "code"))
		assertFetchError(t, err, "facebook")
	})
}

func TestBitbucketFetchIdentity(t *testing.T) {
	mock := newMockOAuthServer()
	defer mock.Close()

	newClient := func() *oauth2.BitbucketOAuth2 {
		b := oauth2.NewBitbucketOAuth2("client", "secret", "http://localhost/bitbucket/callback/")
		b.SetOAuthEndpoint(mock.endpoint)
		b.UserInfoURL = mock.server.URL + "/userinfo"
		b.EmailsURL = mock.server.URL + "/paged/emails"
		return b
	}
	profile := map[string]any{
		"uuid":         "{b6f1c1e2-0000-4000-8000-000000000001}",
		"account_id":   "557058:abc",
		"username":     "annb",
		"display_name": "Ann B",
		"links":        map[string]any{"avatar": map[string]any{"href": "https://bb.example/ann.png"}},
	}

	t.Run("UuidAndConfirmedPrimaryEmail", func(t *testing.T) {
		mock.userInfoResponse = profile
		mock.emailsResponse = []map[string]any{
			{"email": "old@example.com", "is_primary": false, "is_confirmed": true},
			{"email": "ann@example.com", "is_primary": true, "is_confirmed": true},
		}
		assertion, err := newClient().FetchIdentity(callbackRequest("bb1", "code"))
		if err != nil {
			t.Fatalf("FetchIdentity failed: %v", err)
		}
		if assertion.ExternalID != "{b6f1c1e2-0000-4000-8000-000000000001}" {
			t.Errorf("expected the account uuid, got %q", assertion.ExternalID)
		}
		if assertion.Handle != "annb" || assertion.DisplayName != "Ann B" {
			t.Errorf("unexpected profile %+v", assertion)
		}
		if assertion.AvatarURL != "https://bb.example/ann.png" {
			t.Errorf("unexpected avatar %q", assertion.AvatarURL)
		}
		if assertion.Email != "ann@example.com" {
			t.Errorf("expected the confirmed primary email, got %q", assertion.Email)
		}
	})

	t.Run("UnconfirmedPrimaryIgnored", func(t *testing.T) {
		mock.userInfoResponse = profile
		mock.emailsResponse = []map[string]any{
			{"email": "ann@example.com", "is_primary": true, "is_confirmed": false},
		}
		assertion, err := newClient().FetchIdentity(callbackRequest("bb2", "code"))
		if err != nil {
			t.Fatalf("FetchIdentity failed: %v", err)
		}
		if assertion.Email != "" {
			t.Errorf("expected no email, got %q", assertion.Email)
		}
	})

	t.Run("EmailsUnavailable", func(t *testing.T) {
		mock.userInfoResponse = profile
		mock.emailsResponse = nil
		assertion, err := newClient().FetchIdentity(callbackRequest("bb3", "code"))
		if err != nil {
			t.Fatalf("FetchIdentity failed: %v", err)
		}
		if assertion.Email != "" {
			t.Errorf("expected no email, got %q", assertion.Email)
		}
	})
}
