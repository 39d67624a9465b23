package oauth2

import (
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2/google"

	sa "github.com/panyam/socialauth"
)

const GoogleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

type GoogleOAuth2 struct {
	*BaseOAuth2

	// UserInfoURL is the URL to fetch user info from. Can be overridden for testing.
	UserInfoURL string
}

var _ sa.ProviderClient = (*GoogleOAuth2)(nil)

// NewGoogleOAuth2 creates a google client. Empty arguments are read from
// OAUTH2_GOOGLE_CLIENT_ID, OAUTH2_GOOGLE_CLIENT_SECRET and OAUTH2_GOOGLE_CALLBACK_URL.
func NewGoogleOAuth2(clientId string, clientSecret string, callbackUrl string) *GoogleOAuth2 {
	if clientId == "" {
		clientId = strings.TrimSpace(os.Getenv("OAUTH2_GOOGLE_CLIENT_ID"))
	}
	if clientSecret == "" {
		clientSecret = strings.TrimSpace(os.Getenv("OAUTH2_GOOGLE_CLIENT_SECRET"))
	}
	if callbackUrl == "" {
		callbackUrl = strings.TrimSpace(os.Getenv("OAUTH2_GOOGLE_CALLBACK_URL"))
	}

	return &GoogleOAuth2{
		BaseOAuth2: NewBaseOAuth2("google", clientId, clientSecret, callbackUrl, google.Endpoint,
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
		),
		UserInfoURL: GoogleUserInfoURL,
	}
}

func (g *GoogleOAuth2) FetchIdentity(r *http.Request) (*sa.IdentityAssertion, error) {
	token, err := g.Exchange(r)
	if err != nil {
		return nil, sa.NewProviderFetchError(g.Name(), err)
	}

	var userInfo map[string]any
	if err := g.fetchJSON(r.Context(), g.UserInfoURL, token, &userInfo); err != nil {
		return nil, sa.NewProviderFetchError(g.Name(), err)
	}

	assertion := sa.NewIdentityAssertion(g.Name(), userInfo)
	// an unverified address must not be used to merge into an existing account
	if verified, ok := userInfo["verified_email"].(bool); ok && !verified {
		assertion.Email = ""
	}
	if err := assertion.Validate(); err != nil {
		return nil, sa.NewProviderFetchError(g.Name(), err)
	}
	return assertion, nil
}
