// Package saml signs users in with a SAML 2.0 identity provider.
//
// The provider mounts like any other ProviderClient: the login handler starts
// an SP initiated flow, the IdP posts back to {root}/callback/ and
// {root}/metadata serves the service provider metadata.
package saml

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/crewjam/saml"
	"github.com/crewjam/saml/samlsp"
	"github.com/gorilla/mux"

	sa "github.com/panyam/socialauth"
)

type Config struct {
	// Provider name recorded on account links. Defaults to "saml".
	Name string

	// RootURL is where the provider routes are mounted, eg https://example.com/auth/saml/
	RootURL string

	Key         *rsa.PrivateKey
	Certificate *x509.Certificate

	// Either IDPMetadata or IDPMetadataURL must be set
	IDPMetadata    *saml.EntityDescriptor
	IDPMetadataURL string

	AllowIDPInitiated bool
	SignRequest       bool

	HTTPClient *http.Client
}

// Provider is a SAML service provider exposed as a sa.ProviderClient
type Provider struct {
	name       string
	middleware *samlsp.Middleware
	router     *mux.Router
}

var _ sa.ProviderClient = (*Provider)(nil)

// LoadKeyPair reads the service provider certificate and RSA key
func LoadKeyPair(certFile, keyFile string) (*rsa.PrivateKey, *x509.Certificate, error) {
	keyPair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load saml key pair: %w", err)
	}
	leaf, err := x509.ParseCertificate(keyPair.Certificate[0])
	if err != nil {
		return nil, nil, fmt.Errorf("parse saml certificate: %w", err)
	}
	key, ok := keyPair.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("saml key must be RSA, got %T", keyPair.PrivateKey)
	}
	return key, leaf, nil
}

func New(ctx context.Context, config Config) (*Provider, error) {
	if config.Name == "" {
		config.Name = "saml"
	}
	if config.Key == nil || config.Certificate == nil {
		return nil, &sa.ConfigurationError{Component: "saml.Provider", Reason: "a key and certificate are required"}
	}
	if !strings.HasSuffix(config.RootURL, "/") {
		config.RootURL += "/"
	}
	rootURL, err := url.Parse(config.RootURL)
	if err != nil || rootURL.Host == "" {
		return nil, &sa.ConfigurationError{Component: "saml.Provider", Reason: fmt.Sprintf("invalid root url %q", config.RootURL)}
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	idpMetadata := config.IDPMetadata
	if idpMetadata == nil {
		if config.IDPMetadataURL == "" {
			return nil, &sa.ConfigurationError{Component: "saml.Provider", Reason: "IDPMetadata or IDPMetadataURL is required"}
		}
		metadataURL, err := url.Parse(config.IDPMetadataURL)
		if err != nil {
			return nil, fmt.Errorf("parse idp metadata url: %w", err)
		}
		idpMetadata, err = samlsp.FetchMetadata(ctx, httpClient, *metadataURL)
		if err != nil {
			return nil, fmt.Errorf("fetch idp metadata: %w", err)
		}
	}

	m, err := samlsp.New(samlsp.Options{
		URL:               *rootURL,
		Key:               config.Key,
		Certificate:       config.Certificate,
		IDPMetadata:       idpMetadata,
		HTTPClient:        httpClient,
		AllowIDPInitiated: config.AllowIDPInitiated,
		SignRequest:       config.SignRequest,
	})
	if err != nil {
		return nil, fmt.Errorf("create saml service provider: %w", err)
	}
	// samlsp defaults to {root}/saml/acs and {root}/saml/metadata
	m.ServiceProvider.AcsURL = *rootURL.ResolveReference(&url.URL{Path: "callback/"})
	m.ServiceProvider.MetadataURL = *rootURL.ResolveReference(&url.URL{Path: "metadata"})

	p := &Provider{name: config.Name, middleware: m}
	p.router = mux.NewRouter()
	p.router.HandleFunc("/metadata", m.ServeMetadata).Methods(http.MethodGet)
	p.router.PathPrefix("/").HandlerFunc(p.startLogin).Methods(http.MethodGet)
	return p, nil
}

func (p *Provider) Name() string { return p.name }

// ServiceProvider exposes the underlying crewjam service provider
func (p *Provider) ServiceProvider() *saml.ServiceProvider {
	return &p.middleware.ServiceProvider
}

// LoginHandler serves the metadata and starts SP initiated logins
func (p *Provider) LoginHandler() http.HandlerFunc {
	return p.router.ServeHTTP
}

func (p *Provider) startLogin(w http.ResponseWriter, r *http.Request) {
	m := p.middleware
	if callbackURL := r.URL.Query().Get("callbackURL"); callbackURL != "" {
		http.SetCookie(w, &http.Cookie{Name: sa.CallbackURLCookie, Value: callbackURL, Path: "/", MaxAge: 120})
	}

	ssoURL := m.ServiceProvider.GetSSOBindingLocation(saml.HTTPRedirectBinding)
	if ssoURL == "" {
		http.Error(w, "identity provider has no redirect binding", http.StatusInternalServerError)
		return
	}
	authReq, err := m.ServiceProvider.MakeAuthenticationRequest(ssoURL, saml.HTTPRedirectBinding, saml.HTTPPostBinding)
	if err != nil {
		slog.Error("error creating saml authn request", "provider", p.name, "err", err)
		http.Error(w, "could not start login", http.StatusInternalServerError)
		return
	}
	relayState, err := m.RequestTracker.TrackRequest(w, r, authReq.ID)
	if err != nil {
		slog.Error("error tracking saml request", "provider", p.name, "err", err)
		http.Error(w, "could not start login", http.StatusInternalServerError)
		return
	}
	redirectURL, err := authReq.Redirect(relayState, &m.ServiceProvider)
	if err != nil {
		slog.Error("error creating saml redirect", "provider", p.name, "err", err)
		http.Error(w, "could not start login", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, redirectURL.String(), http.StatusFound)
}

// FetchIdentity validates the IdP's posted response (the ACS step)
func (p *Provider) FetchIdentity(r *http.Request) (*sa.IdentityAssertion, error) {
	m := p.middleware
	if err := r.ParseForm(); err != nil {
		return nil, sa.NewProviderFetchError(p.name, fmt.Errorf("parse acs form: %w", err))
	}

	possibleRequestIDs := []string{}
	if m.ServiceProvider.AllowIDPInitiated {
		possibleRequestIDs = append(possibleRequestIDs, "")
	}
	for _, tr := range m.RequestTracker.GetTrackedRequests(r) {
		possibleRequestIDs = append(possibleRequestIDs, tr.SAMLRequestID)
	}

	assertion, err := m.ServiceProvider.ParseResponse(r, possibleRequestIDs)
	if err != nil {
		if ire, ok := err.(*saml.InvalidResponseError); ok {
			slog.Info("invalid saml response", "provider", p.name, "err", ire.PrivateErr)
		}
		return nil, sa.NewProviderFetchError(p.name, err)
	}
	identity, err := AssertionToIdentity(p.name, assertion)
	if err != nil {
		return nil, sa.NewProviderFetchError(p.name, err)
	}
	return identity, nil
}

// AssertionToIdentity maps a validated SAML assertion onto an identity. The
// NameID is the external id, well known attribute names fill in the profile.
func AssertionToIdentity(provider string, assertion *saml.Assertion) (*sa.IdentityAssertion, error) {
	if assertion == nil || assertion.Subject == nil || assertion.Subject.NameID == nil {
		return nil, fmt.Errorf("%w: saml assertion has no subject", sa.ErrInvalidAssertion)
	}
	raw := map[string]any{"issuer": assertion.Issuer.Value}
	for _, statement := range assertion.AttributeStatements {
		for _, attr := range statement.Attributes {
			if len(attr.Values) == 0 {
				continue
			}
			values := make([]string, len(attr.Values))
			for i, v := range attr.Values {
				values[i] = v.Value
			}
			key := attr.Name
			if attr.FriendlyName != "" {
				key = attr.FriendlyName
			}
			if len(values) == 1 {
				raw[key] = values[0]
			} else {
				raw[key] = values
			}
			if field := wellKnownAttribute(attr.Name, attr.FriendlyName); field != "" {
				if _, seen := raw[field]; !seen {
					raw[field] = values[0]
				}
			}
		}
	}

	identity := &sa.IdentityAssertion{
		Provider:    provider,
		ExternalID:  strings.TrimSpace(assertion.Subject.NameID.Value),
		Email:       stringValue(raw, "email"),
		DisplayName: stringValue(raw, "name"),
		Handle:      stringValue(raw, "username"),
		Raw:         raw,
	}
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	return identity, nil
}

// Attribute names used by ADFS, Azure AD, Okta and the eduPerson schema
var attributeAliases = map[string]string{
	"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress": "email",
	"urn:oid:0.9.2342.19200300.100.1.3":                                  "email",
	"mail":                                                               "email",
	"email":                                                              "email",
	"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/name":         "name",
	"http://schemas.microsoft.com/identity/claims/displayname":           "name",
	"urn:oid:2.16.840.1.113730.3.1.241":                                  "name",
	"displayName":                                                        "name",
	"urn:oid:0.9.2342.19200300.100.1.1":                                  "username",
	"uid":                                                                "username",
}

func wellKnownAttribute(name, friendlyName string) string {
	if field, ok := attributeAliases[name]; ok {
		return field
	}
	return attributeAliases[friendlyName]
}

func stringValue(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
