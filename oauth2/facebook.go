package oauth2

import (
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2/facebook"

	sa "github.com/panyam/socialauth"
)

const FacebookUserInfoURL = "https://graph.facebook.com/v19.0/me?fields=id,name,email,picture.type(large)"

type FacebookOAuth2 struct {
	*BaseOAuth2

	// UserInfoURL is the graph api profile url. Can be overridden for testing.
	UserInfoURL string
}

var _ sa.ProviderClient = (*FacebookOAuth2)(nil)

// NewFacebookOAuth2 creates a facebook client. Empty arguments are read from
// OAUTH2_FACEBOOK_CLIENT_ID, OAUTH2_FACEBOOK_CLIENT_SECRET and OAUTH2_FACEBOOK_CALLBACK_URL.
func NewFacebookOAuth2(clientId string, clientSecret string, callbackUrl string) *FacebookOAuth2 {
	if clientId == "" {
		clientId = strings.TrimSpace(os.Getenv("OAUTH2_FACEBOOK_CLIENT_ID"))
	}
	if clientSecret == "" {
		clientSecret = strings.TrimSpace(os.Getenv("OAUTH2_FACEBOOK_CLIENT_SECRET"))
	}
	if callbackUrl == "" {
		callbackUrl = strings.TrimSpace(os.Getenv("OAUTH2_FACEBOOK_CALLBACK_URL"))
	}

	return &FacebookOAuth2{
		BaseOAuth2:  NewBaseOAuth2("facebook", clientId, clientSecret, callbackUrl, facebook.Endpoint, "email", "public_profile"),
		UserInfoURL: FacebookUserInfoURL,
	}
}

// FetchIdentity reads the graph profile. The graph api only returns confirmed
// addresses, so the email is used as is.
func (f *FacebookOAuth2) FetchIdentity(r *http.Request) (*sa.IdentityAssertion, error) {
	token, err := f.Exchange(r)
	if err != nil {
		return nil, sa.NewProviderFetchError(f.Name(), err)
	}

	var userInfo map[string]any
	if err := f.fetchJSON(r.Context(), f.UserInfoURL, token, &userInfo); err != nil {
		return nil, sa.NewProviderFetchError(f.Name(), err)
	}

	assertion := sa.NewIdentityAssertion(f.Name(), userInfo)
	// picture is {"data": {"url": ...}}
	assertion.AvatarURL = nestedString(userInfo, "picture", "data", "url")
	if err := assertion.Validate(); err != nil {
		return nil, sa.NewProviderFetchError(f.Name(), err)
	}
	return assertion, nil
}

// nestedString walks a decoded json object along path
func nestedString(m map[string]any, path ...string) string {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = obj[key]
	}
	s, _ := cur.(string)
	return s
}
