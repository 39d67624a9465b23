package socialauth_test

import (
	"errors"
	"reflect"
	"testing"

	sa "github.com/panyam/socialauth"
)

func TestNewIdentityAssertion(t *testing.T) {
	cases := []struct {
		name     string
		userInfo map[string]any
		expected sa.IdentityAssertion
	}{
		{
			name:     "OIDC",
			userInfo: map[string]any{"sub": "abc", "email": "a@x.com", "name": "Ann", "picture": "https://p/a.png", "preferred_username": "ann"},
			expected: sa.IdentityAssertion{Provider: "p", ExternalID: "abc", Email: "a@x.com", DisplayName: "Ann", AvatarURL: "https://p/a.png", Handle: "ann"},
		},
		{
			name:     "GithubNumericId",
			userInfo: map[string]any{"id": float64(583231), "login": "octocat", "avatar_url": "https://a/o.png"},
			expected: sa.IdentityAssertion{Provider: "p", ExternalID: "583231", AvatarURL: "https://a/o.png", Handle: "octocat"},
		},
		{
			name:     "LargeNumericId",
			userInfo: map[string]any{"id": float64(12345678901)},
			expected: sa.IdentityAssertion{Provider: "p", ExternalID: "12345678901"},
		},
		{
			name:     "SubPreferredOverId",
			userInfo: map[string]any{"sub": "s", "id": "i"},
			expected: sa.IdentityAssertion{Provider: "p", ExternalID: "s"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := sa.NewIdentityAssertion("p", tc.userInfo)
			got.Raw = nil
			if !reflect.DeepEqual(*got, tc.expected) {
				t.Errorf("expected %+v, got %+v", tc.expected, *got)
			}
		})
	}
}

func TestIdentityAssertionValidate(t *testing.T) {
	if err := (&sa.IdentityAssertion{Provider: "github", ExternalID: "42"}).Validate(); err != nil {
		t.Errorf("expected a valid assertion, got %v", err)
	}
	for _, a := range []*sa.IdentityAssertion{nil, {ExternalID: "1"}, {Provider: "github"}, {Provider: " ", ExternalID: "1"}} {
		if err := a.Validate(); !errors.Is(err, sa.ErrInvalidAssertion) {
			t.Errorf("expected ErrInvalidAssertion for %+v, got %v", a, err)
		}
	}
}

func TestProviderFetchErrorWrapping(t *testing.T) {
	cause := errors.New("denied")
	err := sa.NewProviderFetchError("google", cause)
	if !errors.Is(err, cause) {
		t.Error("expected the cause to be unwrapped")
	}
	if again := sa.NewProviderFetchError("github", err); again != err {
		t.Error("an existing ProviderFetchError must not be wrapped twice")
	}
}
