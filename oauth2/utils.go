package oauth2

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	sa "github.com/panyam/socialauth"
)

const stateCookieName = "oauthstate"

func generateStateOauthCookie(w http.ResponseWriter) string {
	var expiration = time.Now().Add(10 * time.Minute)
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		slog.Error("error generating oauth state", "err", err)
	}
	state := base64.URLEncoding.EncodeToString(b)
	cookie := http.Cookie{Name: stateCookieName, Value: state, Path: "/", Expires: expiration, HttpOnly: true, SameSite: http.SameSiteLaxMode}
	http.SetCookie(w, &cookie)
	return state
}

// OauthRedirector starts an authorization code flow, remembering the
// callbackURL query param so the user can be sent back after login
func OauthRedirector(oauthConfig *oauth2.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Create oauthState cookie and callback url cookie so we know where to redirect back to
		callbackURL := r.URL.Query().Get("callbackURL")
		if callbackURL != "" {
			http.SetCookie(w, &http.Cookie{
				Name:    sa.CallbackURLCookie,
				Value:   callbackURL,
				Path:    "/",
				Expires: time.Now().Add(24 * time.Hour),
				MaxAge:  120, // keep this short
			})
		}
		oauthState := generateStateOauthCookie(w)
		u := oauthConfig.AuthCodeURL(oauthState)
		http.Redirect(w, r, u, http.StatusFound)
	}
}

// checkCallback validates the provider's redirect back to us and returns the auth code
func checkCallback(r *http.Request) (string, error) {
	if errCode := r.FormValue("error"); errCode != "" {
		// access_denied when the user declines consent
		return "", fmt.Errorf("provider returned %s: %s", errCode, r.FormValue("error_description"))
	}
	oauthState, _ := r.Cookie(stateCookieName)
	if oauthState == nil || oauthState.Value == "" {
		return "", fmt.Errorf("oauth state cookie missing")
	}
	if subtle.ConstantTimeCompare([]byte(r.FormValue("state")), []byte(oauthState.Value)) != 1 {
		return "", fmt.Errorf("invalid oauth state")
	}
	code := r.FormValue("code")
	if code == "" {
		return "", fmt.Errorf("authorization code missing")
	}
	return code, nil
}
