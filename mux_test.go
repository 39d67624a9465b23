package socialauth_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"

	sa "github.com/panyam/socialauth"
	"github.com/panyam/socialauth/stores/memory"
)

func newSocialAuth(t *testing.T, authn sa.Authenticator) *sa.SocialAuth {
	t.Helper()
	store := memory.New()
	r, err := sa.NewReconciler(sa.ReconcilerConfig{Links: store, Users: store})
	if err != nil {
		t.Fatalf("NewReconciler failed: %v", err)
	}
	auth, err := sa.New(r, authn)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return auth
}

func TestNewRequiresCollaborators(t *testing.T) {
	store := memory.New()
	r, _ := sa.NewReconciler(sa.ReconcilerConfig{Links: store, Users: store})
	var ce *sa.ConfigurationError
	if _, err := sa.New(nil, &recordingAuthenticator{}); !errors.As(err, &ce) {
		t.Errorf("expected ConfigurationError without a reconciler, got %v", err)
	}
	if _, err := sa.New(r, nil); !errors.As(err, &ce) {
		t.Errorf("expected ConfigurationError without an authenticator, got %v", err)
	}
}

func TestAddProviderRoutes(t *testing.T) {
	authn := &recordingAuthenticator{}
	auth := newSocialAuth(t, authn)
	github := &fakeProvider{name: "github", assertion: &sa.IdentityAssertion{Provider: "github", ExternalID: "42"}}
	if err := auth.AddProvider(github); err != nil {
		t.Fatalf("AddProvider failed: %v", err)
	}
	h := auth.Handler()

	t.Run("Login", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", "/github/", nil))
		if w.Code != http.StatusFound || w.Header().Get("Location") != "https://idp.example.com/authorize?provider=github" {
			t.Errorf("expected the provider login redirect, got %d %q", w.Code, w.Header().Get("Location"))
		}
	})

	t.Run("TrailingSlashRedirect", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("POST", "/github?x=1", nil))
		if w.Code != http.StatusPermanentRedirect || w.Header().Get("Location") != "/github/?x=1" {
			t.Errorf("expected a 308 to /github/?x=1, got %d %q", w.Code, w.Header().Get("Location"))
		}
	})

	t.Run("Callback", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", "/github/callback/?code=abc", nil))
		if w.Code != http.StatusFound || w.Header().Get("Location") != "/" {
			t.Errorf("expected login and redirect, got %d %q", w.Code, w.Header().Get("Location"))
		}
		if len(authn.users) != 1 {
			t.Errorf("expected one login, got %d", len(authn.users))
		}
	})

	t.Run("UnknownProvider", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", "/gitlab/", nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
	})
}

func TestProviderRegistry(t *testing.T) {
	auth := newSocialAuth(t, &recordingAuthenticator{})
	for _, name := range []string{"google", "github", "acme"} {
		if err := auth.AddProvider(&fakeProvider{name: name}); err != nil {
			t.Fatalf("AddProvider(%s) failed: %v", name, err)
		}
	}
	if got := auth.Providers(); !slices.Equal(got, []string{"acme", "github", "google"}) {
		t.Errorf("expected sorted providers, got %v", got)
	}
	if p, ok := auth.Provider("github"); !ok || p.Name() != "github" {
		t.Errorf("expected to find github, got %v %v", p, ok)
	}
	if _, ok := auth.Provider("gitlab"); ok {
		t.Error("gitlab was never registered")
	}

	var ce *sa.ConfigurationError
	if err := auth.AddProvider(&fakeProvider{name: "github"}); !errors.As(err, &ce) {
		t.Errorf("expected a duplicate provider error, got %v", err)
	}
	for _, bad := range []string{"", "a/b"} {
		if err := auth.AddProvider(&fakeProvider{name: bad}); !errors.As(err, &ce) {
			t.Errorf("expected invalid name %q to be rejected, got %v", bad, err)
		}
	}
}

func TestLogoutRoute(t *testing.T) {
	t.Run("SessionAuthenticator", func(t *testing.T) {
		authn := newSessionAuthenticator()
		auth := newSocialAuth(t, authn)
		w := httptest.NewRecorder()
		authn.Session.LoadAndSave(auth.Handler()).ServeHTTP(w, httptest.NewRequest("GET", "/logout?to=/", nil))
		if w.Code != http.StatusFound {
			t.Errorf("expected logout redirect, got %d", w.Code)
		}
	})

	t.Run("WithoutLogoutSupport", func(t *testing.T) {
		auth := newSocialAuth(t, &recordingAuthenticator{})
		w := httptest.NewRecorder()
		auth.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/logout", nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
	})
}
