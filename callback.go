package socialauth

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// CallbackURLCookie holds the page to return to after a successful login.
// Provider login handlers set it from the callbackURL query parameter.
const CallbackURLCookie = "oauthCallbackURL"

// ProviderClient runs the handshake with one identity provider
type ProviderClient interface {
	// Name is the provider name recorded on account links ("google", "github")
	Name() string

	// LoginHandler starts the handshake, usually by redirecting to the provider
	LoginHandler() http.HandlerFunc

	// FetchIdentity completes the handshake on the callback request. Failures are
	// returned as *ProviderFetchError.
	FetchIdentity(r *http.Request) (*IdentityAssertion, error)
}

// Authenticator establishes the application session once a user is known
type Authenticator interface {
	Login(w http.ResponseWriter, r *http.Request, user User) error
}

// CallbackConfig configures a CallbackHandler
type CallbackConfig struct {
	// Must be passed in
	Provider      ProviderClient
	Reconciler    *Reconciler
	Authenticator Authenticator

	// FetchFailureHandler defaults to RedirectOnFetchFailure
	FetchFailureHandler FetchFailureHandler

	// Where to go when no callback url cookie was set. Defaults to "/"
	DefaultRedirectURL string

	// Prefixed to relative callback urls when set
	BaseURL string

	Logger *slog.Logger
}

// CallbackHandler serves the provider callback: fetch the identity, reconcile
// it to a local user, log the user in and redirect to where they came from.
type CallbackHandler struct {
	config CallbackConfig
}

func NewCallbackHandler(config CallbackConfig) (*CallbackHandler, error) {
	if config.Provider == nil {
		return nil, &ConfigurationError{Component: "CallbackHandler", Reason: "a ProviderClient is required"}
	}
	if config.Reconciler == nil {
		return nil, &ConfigurationError{Component: "CallbackHandler", Reason: "a Reconciler is required"}
	}
	if config.Authenticator == nil {
		return nil, &ConfigurationError{Component: "CallbackHandler", Reason: "an Authenticator is required"}
	}
	if config.FetchFailureHandler == nil {
		config.FetchFailureHandler = config.Reconciler.hooks.FetchFailureHandler
	}
	if config.DefaultRedirectURL == "" {
		config.DefaultRedirectURL = "/"
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &CallbackHandler{config: config}, nil
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	provider := h.config.Provider.Name()
	assertion, err := h.config.Provider.FetchIdentity(r)
	if err == nil {
		err = assertion.Validate()
	}
	if err != nil {
		h.config.FetchFailureHandler.HandleFetchFailure(w, r, NewProviderFetchError(provider, err))
		return
	}

	user, err := h.config.Reconciler.Reconcile(r.Context(), assertion)
	if err != nil {
		h.config.Logger.Error("reconcile failed", "provider", provider, "err", err)
		status := http.StatusInternalServerError
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			status = http.StatusConflict
		}
		http.Error(w, "could not sign in", status)
		return
	}

	if err := h.config.Authenticator.Login(w, r, user); err != nil {
		h.config.Logger.Error("login failed", "provider", provider, "user_id", user.Id(), "err", err)
		http.Error(w, "could not sign in", http.StatusInternalServerError)
		return
	}

	callbackURL := h.callbackURL(r)
	// delete it so it wont be used for subsequent redirects
	http.SetCookie(w, &http.Cookie{
		Name:    CallbackURLCookie,
		Value:   "",
		Path:    "/",
		MaxAge:  -1,
		Expires: time.Now(),
	})
	http.Redirect(w, r, callbackURL, http.StatusFound)
}

func (h *CallbackHandler) callbackURL(r *http.Request) string {
	callbackURL := h.config.DefaultRedirectURL
	if cookie, _ := r.Cookie(CallbackURLCookie); cookie != nil && cookie.Value != "" {
		callbackURL = cookie.Value
	}
	if callbackURL == h.config.DefaultRedirectURL {
		return h.config.BaseURL + callbackURL
	}

	var base *url.URL
	if h.config.BaseURL != "" {
		var err error
		if base, err = url.Parse(h.config.BaseURL); err != nil || base.Host == "" {
			return h.config.DefaultRedirectURL
		}
	}

	if isLocalRedirect(callbackURL) {
		if base == nil {
			return callbackURL
		}
		target, err := url.Parse(strings.TrimSuffix(h.config.BaseURL, "/") + callbackURL)
		if err != nil || target.Host != base.Host {
			return h.config.DefaultRedirectURL
		}
		return target.String()
	}

	// absolute urls are only followed back to our own base url
	u, err := url.Parse(callbackURL)
	if err != nil || base == nil || strings.ContainsAny(callbackURL, "\\\t\r\n") {
		return h.config.DefaultRedirectURL
	}
	if (u.Scheme == "http" || u.Scheme == "https") && u.User == nil && u.Host == base.Host {
		return callbackURL
	}
	return h.config.DefaultRedirectURL
}

// isLocalRedirect reports whether target is a path on this host. Browsers
// read "//host" and "/\host" as host references and drop tabs and newlines.
func isLocalRedirect(target string) bool {
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
		return false
	}
	for _, c := range target {
		if c == '\\' || c < 0x20 || c == 0x7f {
			return false
		}
	}
	return true
}
