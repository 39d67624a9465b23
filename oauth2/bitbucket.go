package oauth2

import (
	"log/slog"
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2/bitbucket"

	sa "github.com/panyam/socialauth"
)

type BitbucketOAuth2 struct {
	*BaseOAuth2

	// UserInfoURL and EmailsURL point at the 2.0 api. Can be overridden for testing.
	UserInfoURL string
	EmailsURL   string
}

var _ sa.ProviderClient = (*BitbucketOAuth2)(nil)

type bitbucketEmails struct {
	Values []struct {
		Email       string `json:"email"`
		IsPrimary   bool   `json:"is_primary"`
		IsConfirmed bool   `json:"is_confirmed"`
	} `json:"values"`
}

// NewBitbucketOAuth2 creates a bitbucket client. Empty arguments are read from
// OAUTH2_BITBUCKET_CLIENT_ID, OAUTH2_BITBUCKET_CLIENT_SECRET and OAUTH2_BITBUCKET_CALLBACK_URL.
func NewBitbucketOAuth2(clientId string, clientSecret string, callbackUrl string) *BitbucketOAuth2 {
	if clientId == "" {
		clientId = strings.TrimSpace(os.Getenv("OAUTH2_BITBUCKET_CLIENT_ID"))
	}
	if clientSecret == "" {
		clientSecret = strings.TrimSpace(os.Getenv("OAUTH2_BITBUCKET_CLIENT_SECRET"))
	}
	if callbackUrl == "" {
		callbackUrl = strings.TrimSpace(os.Getenv("OAUTH2_BITBUCKET_CALLBACK_URL"))
	}

	return &BitbucketOAuth2{
		BaseOAuth2:  NewBaseOAuth2("bitbucket", clientId, clientSecret, callbackUrl, bitbucket.Endpoint, "account", "email"),
		UserInfoURL: "https://api.bitbucket.org/2.0/user",
		EmailsURL:   "https://api.bitbucket.org/2.0/user/emails",
	}
}

func (b *BitbucketOAuth2) FetchIdentity(r *http.Request) (*sa.IdentityAssertion, error) {
	token, err := b.Exchange(r)
	if err != nil {
		return nil, sa.NewProviderFetchError(b.Name(), err)
	}

	var userInfo map[string]any
	if err := b.fetchJSON(r.Context(), b.UserInfoURL, token, &userInfo); err != nil {
		return nil, sa.NewProviderFetchError(b.Name(), err)
	}

	assertion := sa.NewIdentityAssertion(b.Name(), userInfo)
	// the account uuid is stable across username changes
	if uuid, _ := userInfo["uuid"].(string); uuid != "" {
		assertion.ExternalID = uuid
	}
	assertion.AvatarURL = nestedString(userInfo, "links", "avatar", "href")

	// the profile carries no email
	var emails bitbucketEmails
	if err := b.fetchJSON(r.Context(), b.EmailsURL, token, &emails); err != nil {
		slog.Info("could not list bitbucket emails", "err", err)
		emails.Values = nil
	}
	for _, e := range emails.Values {
		if e.IsPrimary && e.IsConfirmed {
			assertion.Email = e.Email
			break
		}
	}

	if err := assertion.Validate(); err != nil {
		return nil, sa.NewProviderFetchError(b.Name(), err)
	}
	return assertion, nil
}
