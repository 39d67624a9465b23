package socialauth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	sa "github.com/panyam/socialauth"
)

func TestHooksEnsureDefaults(t *testing.T) {
	h := (&sa.Hooks{}).EnsureDefaults()
	if h.AttributeMapper == nil || h.FirstLinkHook == nil || h.FetchFailureHandler == nil {
		t.Fatalf("expected all hooks to be set, got %+v", h)
	}

	attrs, err := h.AttributeMapper.MapAttributes(context.Background(), &sa.IdentityAssertion{
		Provider: "github", ExternalID: "1", Email: "a@x.com", DisplayName: "Ann", AvatarURL: "https://a", Handle: "ann",
	})
	if err != nil {
		t.Fatalf("MapAttributes failed: %v", err)
	}
	if attrs.Email != "a@x.com" || attrs.DisplayName != "Ann" || attrs.AvatarURL != "https://a" || attrs.Handle != "ann" {
		t.Errorf("expected a field copy, got %+v", attrs)
	}
}

func TestRedirectOnFetchFailure(t *testing.T) {
	for target, expected := range map[string]string{"": "/login", "/signin": "/signin"} {
		w := httptest.NewRecorder()
		(&sa.RedirectOnFetchFailure{URL: target}).HandleFetchFailure(w, httptest.NewRequest("GET", "/cb", nil), sa.NewProviderFetchError("p", context.Canceled))
		if w.Code != http.StatusFound || w.Header().Get("Location") != expected {
			t.Errorf("expected redirect to %s, got %d %q", expected, w.Code, w.Header().Get("Location"))
		}
	}
}

type recordingSender struct {
	sent []string
}

func (s *recordingSender) SendWelcomeEmail(to string, provider string) error {
	s.sent = append(s.sent, to+"/"+provider)
	return nil
}

func TestWelcomeEmailHook(t *testing.T) {
	sender := &recordingSender{}
	hook := sa.WelcomeEmailHook(sender)
	a := &sa.IdentityAssertion{Provider: "google", ExternalID: "7"}

	if err := hook.BeforeFirstLink(context.Background(), sa.NewBasicUser("u1", sa.UserAttributes{Email: "a@x.com"}), a); err != nil {
		t.Fatalf("hook failed: %v", err)
	}
	if err := hook.BeforeFirstLink(context.Background(), sa.NewBasicUser("u2", sa.UserAttributes{}), a); err != nil {
		t.Fatalf("hook failed: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0] != "a@x.com/google" {
		t.Errorf("expected one welcome email, got %v", sender.sent)
	}
	if err := (&sa.ConsoleEmailSender{}).SendWelcomeEmail("a@x.com", "google"); err != nil {
		t.Errorf("console sender failed: %v", err)
	}
}
