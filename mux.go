package socialauth

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
)

// SocialAuth mounts the login and callback routes of a set of providers
// under one handler:
//
//	/{provider}/           starts the handshake
//	/{provider}/callback/  completes it and signs the user in
//	/logout                clears the session (when the authenticator supports it)
type SocialAuth struct {
	mux *http.ServeMux

	// Must be passed in
	Reconciler    *Reconciler
	Authenticator Authenticator

	// Optional
	FetchFailureHandler FetchFailureHandler
	BaseURL             string
	DefaultRedirectURL  string

	mu        sync.RWMutex
	providers map[string]ProviderClient
}

// New creates a SocialAuth for a reconciler and authenticator
func New(reconciler *Reconciler, authenticator Authenticator) (*SocialAuth, error) {
	if reconciler == nil {
		return nil, &ConfigurationError{Component: "SocialAuth", Reason: "a Reconciler is required"}
	}
	if authenticator == nil {
		return nil, &ConfigurationError{Component: "SocialAuth", Reason: "an Authenticator is required"}
	}
	return (&SocialAuth{Reconciler: reconciler, Authenticator: authenticator}).setupRoutes(), nil
}

func (a *SocialAuth) Handler() http.Handler {
	return a.setupRoutes().mux
}

// AddProvider registers a provider and mounts its routes under /{name}
func (a *SocialAuth) AddProvider(client ProviderClient) error {
	name := client.Name()
	if name == "" || strings.Contains(name, "/") {
		return &ConfigurationError{Component: "SocialAuth", Reason: fmt.Sprintf("invalid provider name %q", name)}
	}
	callback, err := NewCallbackHandler(CallbackConfig{
		Provider:            client,
		Reconciler:          a.Reconciler,
		Authenticator:       a.Authenticator,
		FetchFailureHandler: a.FetchFailureHandler,
		BaseURL:             a.BaseURL,
		DefaultRedirectURL:  a.DefaultRedirectURL,
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.providers == nil {
		a.providers = map[string]ProviderClient{}
	}
	if _, exists := a.providers[name]; exists {
		a.mu.Unlock()
		return &ConfigurationError{Component: "SocialAuth", Reason: fmt.Sprintf("provider %q registered twice", name)}
	}
	a.providers[name] = client
	a.mu.Unlock()

	sub := http.NewServeMux()
	sub.Handle("/callback/", callback)
	sub.HandleFunc("/", client.LoginHandler())
	a.AddAuth("/"+name, sub)
	return nil
}

// Provider returns a registered provider by name
func (a *SocialAuth) Provider(name string) (ProviderClient, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.providers[name]
	return p, ok
}

// Providers lists the registered provider names in sorted order
func (a *SocialAuth) Providers() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.providers))
	for name := range a.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// AddAuth mounts handler under prefix
func (a *SocialAuth) AddAuth(prefix string, handler http.Handler) *SocialAuth {
	a.setupRoutes()
	prefix = strings.TrimSuffix(prefix, "/")
	slog.Info("adding auth routes", "prefix", prefix)
	// Register the handler at prefix/ (with trailing slash) for subtree matching.
	// This allows the handler to receive requests like /google/, /google/callback/, etc.
	a.mux.Handle(prefix+"/", http.StripPrefix(prefix, handler))

	// Requests to prefix without the slash are redirected to prefix/.
	// r.RequestURI keeps any parent prefixes that were stripped before us.
	a.mux.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		origPath := r.RequestURI
		if idx := strings.Index(origPath, "?"); idx != -1 {
			origPath = origPath[:idx]
		}
		target := origPath + "/"
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		// 308 keeps the method, 301 would turn a POST (SAML ACS) into a GET
		http.Redirect(w, r, target, http.StatusPermanentRedirect)
	})
	return a
}

type logoutHandler interface {
	HandleLogout(w http.ResponseWriter, r *http.Request)
}

func (a *SocialAuth) setupRoutes() *SocialAuth {
	if a.mux == nil {
		a.mux = http.NewServeMux()
		if lh, ok := a.Authenticator.(logoutHandler); ok {
			a.mux.HandleFunc("/logout", lh.HandleLogout)
		}
	}
	return a
}
