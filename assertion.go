package socialauth

import (
	"fmt"
	"strconv"
	"strings"
)

// IdentityAssertion is the normalized, already verified result of a provider
// handshake. Only Provider and ExternalID are guaranteed.
type IdentityAssertion struct {
	Provider    string
	ExternalID  string
	Email       string
	DisplayName string
	AvatarURL   string
	Handle      string

	// Raw holds the provider profile the assertion was built from
	Raw map[string]any
}

// Validate checks the fields the reconciler depends on
func (a *IdentityAssertion) Validate() error {
	if a == nil {
		return fmt.Errorf("%w: nil assertion", ErrInvalidAssertion)
	}
	if strings.TrimSpace(a.Provider) == "" {
		return fmt.Errorf("%w: provider is required", ErrInvalidAssertion)
	}
	if strings.TrimSpace(a.ExternalID) == "" {
		return fmt.Errorf("%w: external id is required", ErrInvalidAssertion)
	}
	return nil
}

// NewIdentityAssertion builds an assertion from a raw provider profile.
// Recognizes the common OAuth2/OIDC userinfo keys.
func NewIdentityAssertion(provider string, userInfo map[string]any) *IdentityAssertion {
	return &IdentityAssertion{
		Provider:    provider,
		ExternalID:  firstString(userInfo, "sub", "id", "user_id"),
		Email:       firstString(userInfo, "email"),
		DisplayName: firstString(userInfo, "name", "display_name"),
		AvatarURL:   firstString(userInfo, "picture", "avatar_url"),
		Handle:      firstString(userInfo, "preferred_username", "login", "nickname", "username"),
		Raw:         userInfo,
	}
}

// firstString returns the first non empty value for keys. Numeric ids (github
// returns a number) are formatted without an exponent.
func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			return strconv.Itoa(v)
		case int64:
			return strconv.FormatInt(v, 10)
		}
	}
	return ""
}
