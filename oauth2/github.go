package oauth2

import (
	"log/slog"
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2/github"

	sa "github.com/panyam/socialauth"
)

type GithubOAuth2 struct {
	*BaseOAuth2

	// UserInfoURL is the URL to fetch user info from. Defaults to GitHub's API.
	// Can be overridden for testing.
	UserInfoURL string

	// EmailsURL lists the user's addresses, used when the profile email is private
	EmailsURL string
}

var _ sa.ProviderClient = (*GithubOAuth2)(nil)

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// NewGithubOAuth2 creates a github client. Empty arguments are read from
// OAUTH2_GITHUB_CLIENT_ID, OAUTH2_GITHUB_CLIENT_SECRET and OAUTH2_GITHUB_CALLBACK_URL.
func NewGithubOAuth2(clientId string, clientSecret string, callbackUrl string) *GithubOAuth2 {
	if clientId == "" {
		clientId = strings.TrimSpace(os.Getenv("OAUTH2_GITHUB_CLIENT_ID"))
	}
	if clientSecret == "" {
		clientSecret = strings.TrimSpace(os.Getenv("OAUTH2_GITHUB_CLIENT_SECRET"))
	}
	if callbackUrl == "" {
		callbackUrl = strings.TrimSpace(os.Getenv("OAUTH2_GITHUB_CALLBACK_URL"))
	}

	return &GithubOAuth2{
		BaseOAuth2:  NewBaseOAuth2("github", clientId, clientSecret, callbackUrl, github.Endpoint, "read:user", "user:email"),
		UserInfoURL: "https://api.github.com/user",
		EmailsURL:   "https://api.github.com/user/emails",
	}
}

func (g *GithubOAuth2) FetchIdentity(r *http.Request) (*sa.IdentityAssertion, error) {
	token, err := g.Exchange(r)
	if err != nil {
		return nil, sa.NewProviderFetchError(g.Name(), err)
	}

	var userInfo map[string]any
	if err := g.fetchJSON(r.Context(), g.UserInfoURL, token, &userInfo); err != nil {
		return nil, sa.NewProviderFetchError(g.Name(), err)
	}
	assertion := sa.NewIdentityAssertion(g.Name(), userInfo)

	// The profile email is the public one and can be empty. The emails api
	// also tells us whether the address was verified.
	if g.EmailsURL != "" {
		var emails []githubEmail
		if err := g.fetchJSON(r.Context(), g.EmailsURL, token, &emails); err != nil {
			slog.Info("could not list github emails", "err", err)
			assertion.Email = ""
		} else {
			assertion.Email = primaryVerifiedEmail(emails)
		}
	}

	if err := assertion.Validate(); err != nil {
		return nil, sa.NewProviderFetchError(g.Name(), err)
	}
	return assertion, nil
}

func primaryVerifiedEmail(emails []githubEmail) string {
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email
		}
	}
	return ""
}
