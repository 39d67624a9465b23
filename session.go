package socialauth

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/golang-jwt/jwt/v5"
)

// SessionAuthenticator is the default Authenticator. It stores the user id in
// an scs session and issues a signed JWT as a cookie for api and non session
// callers.
type SessionAuthenticator struct {
	// Must be passed in
	Session *scs.SessionManager

	// Optional name that can be used as a prefix for all required vars
	AppName string

	// Name of the session variable and cookie where the auth token is stored
	AuthTokenSessionVar string

	// Session key and cookie holding the logged in user id
	UserParamName string

	// All the domains where the auth token cookies will be set on a login success or logout
	CookieDomains []string

	JwtIssuer    string
	JWTSecretKey string

	// How long is a session cookie valid for. Defaults to 1 day
	SessionTimeoutInSeconds int
}

func (a *SessionAuthenticator) EnsureDefaults() *SessionAuthenticator {
	if a.AppName == "" {
		a.AppName = "SocialAuth"
	}
	if a.SessionTimeoutInSeconds <= 0 {
		a.SessionTimeoutInSeconds = 86400
	}
	if a.JwtIssuer == "" {
		a.JwtIssuer = fmt.Sprintf("%s-Issuer", a.AppName)
	}
	if a.AuthTokenSessionVar == "" {
		a.AuthTokenSessionVar = fmt.Sprintf("%sAuthToken", a.AppName)
	}
	if a.UserParamName == "" {
		a.UserParamName = "loggedInUserId"
	}
	if a.JWTSecretKey == "" {
		a.JWTSecretKey = strings.TrimSpace(os.Getenv("SOCIALAUTH_JWT_SECRET_KEY"))
		if a.JWTSecretKey == "" {
			a.JWTSecretKey = "MyTestJWTSecretKey123456"
		}
	}
	if a.Session == nil {
		a.Session = scs.New()
	}
	return a
}

// Login puts the user in the session and sets the auth token cookies
func (a *SessionAuthenticator) Login(w http.ResponseWriter, r *http.Request, user User) error {
	a.EnsureDefaults()
	if user == nil {
		return fmt.Errorf("login: nil user")
	}
	tokenString, err := a.IssueToken(user.Id())
	if err != nil {
		return err
	}
	if err := a.Session.RenewToken(r.Context()); err != nil {
		return fmt.Errorf("renew session token: %w", err)
	}
	a.Session.Put(r.Context(), a.UserParamName, user.Id())
	a.Session.Put(r.Context(), a.AuthTokenSessionVar, tokenString)

	expires := time.Now().Add(time.Second * time.Duration(a.SessionTimeoutInSeconds))
	for _, cookieDomain := range a.domains() {
		clearCookie(w, "oauthstate", cookieDomain)
		http.SetCookie(w, &http.Cookie{
			Name:     a.UserParamName,
			Value:    user.Id(),
			Domain:   cookieDomain,
			Path:     "/",
			Expires:  expires,
			MaxAge:   a.SessionTimeoutInSeconds,
			HttpOnly: true,
		})
		http.SetCookie(w, &http.Cookie{
			Name:     a.AuthTokenSessionVar,
			Value:    tokenString,
			Domain:   cookieDomain,
			Path:     "/",
			Expires:  expires,
			MaxAge:   a.SessionTimeoutInSeconds,
			HttpOnly: true,
		})
	}
	return nil
}

// Logout clears the session and the auth cookies on every cookie domain
func (a *SessionAuthenticator) Logout(w http.ResponseWriter, r *http.Request) {
	a.EnsureDefaults()
	if err := a.Session.Destroy(r.Context()); err != nil {
		slog.Warn("error clearing session", "err", err)
	}
	for _, cookieDomain := range a.domains() {
		clearCookie(w, "oauthstate", cookieDomain)
		clearCookie(w, a.UserParamName, cookieDomain)
		clearCookie(w, a.AuthTokenSessionVar, cookieDomain)
	}
}

// HandleLogout logs the user out and redirects to the "to" query param if given
func (a *SessionAuthenticator) HandleLogout(w http.ResponseWriter, r *http.Request) {
	a.Logout(w, r)
	toUrl := r.URL.Query().Get("to")
	if !isLocalRedirect(toUrl) {
		fmt.Fprintf(w, "Logged Out")
		return
	}
	http.Redirect(w, r, toUrl, http.StatusFound)
}

// IssueToken signs a JWT with the user id as subject
func (a *SessionAuthenticator) IssueToken(userID string) (string, error) {
	a.EnsureDefaults()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"iss": a.JwtIssuer,
		"exp": now.Add(time.Second * time.Duration(a.SessionTimeoutInSeconds)).Unix(),
		"iat": now.Unix(),
	})
	tokenString, err := token.SignedString([]byte(a.JWTSecretKey))
	if err != nil {
		return "", fmt.Errorf("sign auth token: %w", err)
	}
	return tokenString, nil
}

// VerifyToken checks a token issued by IssueToken and returns its subject
func (a *SessionAuthenticator) VerifyToken(tokenString string) (loggedInUserId string, t any, err error) {
	a.EnsureDefaults()
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return []byte(a.JWTSecretKey), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(a.JwtIssuer))
	if err != nil {
		return "", nil, err
	}
	if !token.Valid {
		return "", nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || claims == nil {
		return "", nil, fmt.Errorf("claims is not a map")
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", nil, err
	} else if sub == "" {
		return "", nil, fmt.Errorf("subject not found")
	}
	return sub, token, nil
}

// Middleware returns a Middleware reading users from this authenticator's
// session, cookies and tokens
func (a *SessionAuthenticator) Middleware() *Middleware {
	a.EnsureDefaults()
	return &Middleware{
		AuthTokenCookieName: a.AuthTokenSessionVar,
		UserParamName:       a.UserParamName,
		SessionGetter: func(r *http.Request, param string) any {
			return a.Session.GetString(r.Context(), param)
		},
		VerifyToken: a.VerifyToken,
	}
}

func (a *SessionAuthenticator) domains() []string {
	domains := a.CookieDomains
	if slices.Index(domains, "") < 0 { // default domain
		domains = append(slices.Clone(domains), "")
	}
	return domains
}

func clearCookie(w http.ResponseWriter, name, domain string) {
	http.SetCookie(w, &http.Cookie{
		Name:    name,
		Value:   "",
		Domain:  domain,
		Path:    "/",
		MaxAge:  -1,
		Expires: time.Now(),
	})
}
