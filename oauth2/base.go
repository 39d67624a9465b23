package oauth2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"
)

// BaseOAuth2 has the parts shared by all authorization code providers: the
// login redirect, the state check and the code exchange.
type BaseOAuth2 struct {
	ProviderName string
	ClientId     string
	ClientSecret string
	CallbackURL  string

	// Used for the token exchange and profile calls. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	oauthConfig oauth2.Config
}

func NewBaseOAuth2(provider, clientId, clientSecret, callbackUrl string, endpoint oauth2.Endpoint, scopes ...string) *BaseOAuth2 {
	return &BaseOAuth2{
		ProviderName: provider,
		ClientId:     clientId,
		ClientSecret: clientSecret,
		CallbackURL:  callbackUrl,
		oauthConfig: oauth2.Config{
			ClientID:     clientId,
			ClientSecret: clientSecret,
			RedirectURL:  callbackUrl,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
	}
}

// Name is the provider recorded on account links
func (b *BaseOAuth2) Name() string { return b.ProviderName }

// LoginHandler redirects to the provider's consent page
func (b *BaseOAuth2) LoginHandler() http.HandlerFunc {
	return OauthRedirector(&b.oauthConfig)
}

// SetOAuthEndpoint overrides the provider endpoints (for tests and self hosted providers)
func (b *BaseOAuth2) SetOAuthEndpoint(endpoint oauth2.Endpoint) {
	b.oauthConfig.Endpoint = endpoint
}

// OAuthConfig returns a copy of the client configuration
func (b *BaseOAuth2) OAuthConfig() oauth2.Config {
	return b.oauthConfig
}

func (b *BaseOAuth2) getHTTPClient() *http.Client {
	if b.HTTPClient != nil {
		return b.HTTPClient
	}
	return http.DefaultClient
}

// ExchangeContext makes the oauth2 library use our http client
func (b *BaseOAuth2) ExchangeContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, b.getHTTPClient())
}

// Exchange validates the callback request and exchanges its code for a token
func (b *BaseOAuth2) Exchange(r *http.Request) (*oauth2.Token, error) {
	code, err := checkCallback(r)
	if err != nil {
		return nil, err
	}
	token, err := b.oauthConfig.Exchange(b.ExchangeContext(r.Context()), code)
	if err != nil {
		slog.Info("invalid code exchange", "provider", b.ProviderName, "err", err)
		return nil, fmt.Errorf("code exchange: %w", err)
	}
	return token, nil
}

// fetchJSON GETs url with the access token and decodes the JSON response into out
func (b *BaseOAuth2) fetchJSON(ctx context.Context, url string, token *oauth2.Token, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/json")

	response, err := b.getHTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("failed getting user info from %s: %w", b.ProviderName, err)
	}
	defer response.Body.Close()

	contents, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("failed read response: %w", err)
	}
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("user info request to %s failed with status %d", b.ProviderName, response.StatusCode)
	}
	if err := json.Unmarshal(contents, out); err != nil {
		return fmt.Errorf("failed to parse user info: %w", err)
	}
	return nil
}
