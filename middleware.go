package socialauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

type userParamNameKey string

// Middleware makes the logged in user's id available to downstream handlers
type Middleware struct {
	AuthTokenHeaderName string
	AuthTokenCookieName string
	UserParamName       string
	CallbackURLParam    string
	SessionGetter       func(r *http.Request, param string) any
	GetRedirURL         func(r *http.Request) string
	VerifyToken         func(tokenString string) (loggedInUserId string, token any, err error)
}

/**
 * Ensures that config values have reasonable defaults.
 */
func (a *Middleware) EnsureReasonableDefaults() {
	if a.UserParamName == "" {
		a.UserParamName = "loggedInUserId"
	}
	if a.CallbackURLParam == "" {
		a.CallbackURLParam = "callbackURL"
	}
	if a.AuthTokenHeaderName == "" {
		a.AuthTokenHeaderName = "Authorization"
	}
}

// Get the ID of the logged in user from the current request.
// Checks the request context, then the session, then auth tokens in the
// header and the auth cookie.
func (a *Middleware) GetLoggedInUserId(r *http.Request) string {
	a.EnsureReasonableDefaults()
	if v, ok := r.Context().Value(userParamNameKey(a.UserParamName)).(string); ok && v != "" {
		return v
	}

	if a.SessionGetter != nil {
		if userParam, ok := a.SessionGetter(r, a.UserParamName).(string); ok && userParam != "" {
			return userParam
		}
	}

	if a.VerifyToken == nil {
		return ""
	}

	var authTokens []string
	for _, v := range r.Header.Values(a.AuthTokenHeaderName) {
		if token := strings.TrimSpace(strings.TrimPrefix(v, "Bearer ")); token != "" {
			authTokens = append(authTokens, token)
		}
	}
	if a.AuthTokenCookieName != "" {
		for _, cookie := range r.CookiesNamed(a.AuthTokenCookieName) {
			if len(cookie.Value) > 0 {
				// see if a cookie was sent instead - as we may be making non-api calls
				authTokens = append(authTokens, cookie.Value)
			}
		}
	}

	for _, authToken := range authTokens {
		loggedInUserId, _, err := a.VerifyToken(authToken)
		if err == nil && loggedInUserId != "" {
			return loggedInUserId
		} else if err != nil {
			slog.Debug("error verifying auth token", "err", err)
		}
	}
	return ""
}

/**
 * Fetches the user from the request and loads the UserId variable for other
 * handlers.
 *
 * Note this does not perform any redirects if a valid user does not exist.
 * To also enforce a user exists, use the EnsureUser handler.
 */
func (a *Middleware) ExtractUser(next http.Handler) http.Handler {
	a.EnsureReasonableDefaults()
	return http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			userParam := a.GetLoggedInUserId(r)
			next.ServeHTTP(w, a.setLoggedInUserId(userParam, r))
		},
	)
}

// EnsureUser redirects to the login url (or fails with a 401) when no user is
// logged in.
func (a *Middleware) EnsureUser(next http.Handler) http.Handler {
	a.EnsureReasonableDefaults()
	return http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			userParam := a.GetLoggedInUserId(r)
			if userParam != "" {
				next.ServeHTTP(w, a.setLoggedInUserId(userParam, r))
				return
			}

			redirUrl := ""
			if a.GetRedirURL != nil {
				redirUrl = a.GetRedirURL(r)
			}
			if redirUrl == "" {
				http.Error(w, "Login Required", http.StatusUnauthorized)
				return
			}
			encodedUrl := strings.Replace(url.QueryEscape(r.URL.RequestURI()), "+", "%20", -1)
			fullRedirUrl := fmt.Sprintf("%s?%s=%s", redirUrl, a.CallbackURLParam, encodedUrl)
			http.Redirect(w, r, fullRedirUrl, http.StatusFound)
		},
	)
}

// Set the logged in user id into the request's variable set
// This will make it available to all other handlers downstream
func (a *Middleware) setLoggedInUserId(userId string, r *http.Request) *http.Request {
	if userId == "" {
		return r
	}
	contextWithUser := context.WithValue(r.Context(), userParamNameKey(a.UserParamName), userId)
	return r.WithContext(contextWithUser)
}
