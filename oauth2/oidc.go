package oauth2

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	sa "github.com/panyam/socialauth"
)

// OIDCProvider signs users in with any OpenID Connect provider. The identity
// comes from the verified id token, no userinfo call is made.
type OIDCProvider struct {
	*BaseOAuth2
	verifier *oidc.IDTokenVerifier
}

var _ sa.ProviderClient = (*OIDCProvider)(nil)

// NewOIDCProvider discovers the provider configuration from issuerURL
func NewOIDCProvider(ctx context.Context, name, issuerURL, clientId, clientSecret, callbackUrl string) (*OIDCProvider, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discover oidc provider %s: %w", issuerURL, err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: clientId})
	return NewOIDCProviderWithVerifier(name, provider.Endpoint(), verifier, clientId, clientSecret, callbackUrl), nil
}

// NewOIDCProviderWithVerifier skips discovery, for providers configured by hand
func NewOIDCProviderWithVerifier(name string, endpoint oauth2.Endpoint, verifier *oidc.IDTokenVerifier, clientId, clientSecret, callbackUrl string) *OIDCProvider {
	return &OIDCProvider{
		BaseOAuth2: NewBaseOAuth2(name, clientId, clientSecret, callbackUrl, endpoint, oidc.ScopeOpenID, "email", "profile"),
		verifier:   verifier,
	}
}

func (o *OIDCProvider) FetchIdentity(r *http.Request) (*sa.IdentityAssertion, error) {
	token, err := o.Exchange(r)
	if err != nil {
		return nil, sa.NewProviderFetchError(o.Name(), err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, sa.NewProviderFetchError(o.Name(), fmt.Errorf("token response has no id_token"))
	}
	idToken, err := o.verifier.Verify(o.ExchangeContext(r.Context()), rawIDToken)
	if err != nil {
		return nil, sa.NewProviderFetchError(o.Name(), fmt.Errorf("verify id token: %w", err))
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, sa.NewProviderFetchError(o.Name(), fmt.Errorf("decode id token claims: %w", err))
	}
	assertion := sa.NewIdentityAssertion(o.Name(), claims)
	assertion.ExternalID = idToken.Subject
	if verified, ok := claims["email_verified"].(bool); ok && !verified {
		assertion.Email = ""
	}
	return assertion, nil
}
