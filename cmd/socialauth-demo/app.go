package main

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/alexedwards/scs/v2"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	sa "github.com/panyam/socialauth"
	sagrpc "github.com/panyam/socialauth/grpc"
	"github.com/panyam/socialauth/oauth2"
	"github.com/panyam/socialauth/saml"
)

type app struct {
	cfg     Config
	backend *backend
	authn   *sa.SessionAuthenticator
	auth    *sa.SocialAuth
	router  *mux.Router
}

func newApp(ctx context.Context, cfg Config, b *backend) (*app, error) {
	hooks := []sa.FirstLinkHook{sa.MarkEmailVerifiedHook(b.Verifier)}
	if cfg.SendWelcomeMail {
		hooks = append(hooks, sa.WelcomeEmailHook(&sa.ConsoleEmailSender{}))
	}
	reconciler, err := sa.NewReconciler(sa.ReconcilerConfig{
		Links: b.Links,
		Users: b.Users,
		Tx:    b.Tx,
		Hooks: sa.Hooks{
			FirstLinkHook:       sa.FirstLinkHooks(hooks...),
			FetchFailureHandler: &sa.RedirectOnFetchFailure{URL: cfg.LoginURL},
		},
	})
	if err != nil {
		return nil, err
	}

	session := scs.New()
	session.Lifetime = cfg.SessionLifetime
	authn := (&sa.SessionAuthenticator{
		Session:                 session,
		AppName:                 "SocialAuth",
		CookieDomains:           cfg.CookieDomains,
		JWTSecretKey:            cfg.JWTSecret,
		SessionTimeoutInSeconds: int(cfg.SessionLifetime.Seconds()),
	}).EnsureDefaults()

	auth, err := sa.New(reconciler, authn)
	if err != nil {
		return nil, err
	}
	auth.BaseURL = cfg.BaseURL
	if err := addProviders(ctx, cfg, auth); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, backend: b, authn: authn, auth: auth}
	a.setupRoutes()
	return a, nil
}

func addProviders(ctx context.Context, cfg Config, auth *sa.SocialAuth) error {
	var clients []sa.ProviderClient
	if cfg.Google.Enabled() {
		clients = append(clients, oauth2.NewGoogleOAuth2(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.callbackURL("google")))
	}
	if cfg.Github.Enabled() {
		clients = append(clients, oauth2.NewGithubOAuth2(cfg.Github.ClientID, cfg.Github.ClientSecret, cfg.callbackURL("github")))
	}
	if cfg.Facebook.Enabled() {
		clients = append(clients, oauth2.NewFacebookOAuth2(cfg.Facebook.ClientID, cfg.Facebook.ClientSecret, cfg.callbackURL("facebook")))
	}
	if cfg.Bitbucket.Enabled() {
		clients = append(clients, oauth2.NewBitbucketOAuth2(cfg.Bitbucket.ClientID, cfg.Bitbucket.ClientSecret, cfg.callbackURL("bitbucket")))
	}
	if cfg.OIDC.Enabled() {
		p, err := oauth2.NewOIDCProvider(ctx, cfg.OIDC.Name, cfg.OIDC.Issuer, cfg.OIDC.ClientID, cfg.OIDC.ClientSecret, cfg.callbackURL(cfg.OIDC.Name))
		if err != nil {
			return err
		}
		clients = append(clients, p)
	}
	if cfg.SAML.Enabled() {
		key, cert, err := saml.LoadKeyPair(cfg.SAML.CertFile, cfg.SAML.KeyFile)
		if err != nil {
			return err
		}
		p, err := saml.New(ctx, saml.Config{
			Name:           cfg.SAML.Name,
			RootURL:        cfg.BaseURL + "/auth/" + cfg.SAML.Name + "/",
			Key:            key,
			Certificate:    cert,
			IDPMetadataURL: cfg.SAML.MetadataURL,
		})
		if err != nil {
			return err
		}
		clients = append(clients, p)
	}
	for _, c := range clients {
		if err := auth.AddProvider(c); err != nil {
			return err
		}
		slog.Info("registered provider", "provider", c.Name())
	}
	return nil
}

var indexTemplate = template.Must(template.New("index").Parse(`<!doctype html>
<html><body>
{{if .UserID}}<p>Signed in as {{.UserID}}. <a href="/me">Profile</a> <a href="/auth/logout?to=/">Log out</a></p>{{end}}
<ul>
{{range .Providers}}<li><a href="/auth/{{.}}/?callbackURL=/me">Sign in with {{.}}</a></li>
{{else}}<li>No providers configured</li>
{{end}}</ul>
</body></html>`))

func (a *app) setupRoutes() {
	m := a.authn.Middleware()
	m.GetRedirURL = func(r *http.Request) string { return a.cfg.LoginURL }

	a.router = mux.NewRouter()
	a.router.PathPrefix("/auth/").Handler(http.StripPrefix("/auth", a.auth.Handler()))
	a.router.Handle("/me", m.EnsureUser(http.HandlerFunc(a.serveProfile))).Methods(http.MethodGet)
	a.router.Handle("/", m.ExtractUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := indexTemplate.Execute(w, map[string]any{
			"UserID":    m.GetLoggedInUserId(r),
			"Providers": a.auth.Providers(),
		})
		if err != nil {
			slog.Error("render index", "err", err)
		}
	}))).Methods(http.MethodGet)
}

func (a *app) Handler() http.Handler {
	return a.authn.Session.LoadAndSave(a.router)
}

func (a *app) serveProfile(w http.ResponseWriter, r *http.Request) {
	userID := a.authn.Middleware().GetLoggedInUserId(r)
	user, err := a.backend.Users.GetUserById(r.Context(), userID)
	if err != nil {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	var providers []string
	if links, err := a.backend.Links.GetUserLinks(r.Context(), userID); err == nil {
		for _, l := range links {
			providers = append(providers, l.Provider)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":        user.Id(),
		"profile":   user.Profile(),
		"providers": providers,
	})
}

// newGRPCServer serves the health service. Other services registered on the
// server see the caller's Principal from the login token.
func (a *app) newGRPCServer() *grpc.Server {
	config := sagrpc.NewPublicMethodsConfig(
		healthpb.Health_Check_FullMethodName,
		healthpb.Health_Watch_FullMethodName,
	)
	config.VerifyToken = a.authn.VerifyToken
	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(sagrpc.UnaryAuthInterceptor(config)),
		grpc.ChainStreamInterceptor(sagrpc.StreamAuthInterceptor(config)),
	)
	healthpb.RegisterHealthServer(server, health.NewServer())
	return server
}

func (a *app) String() string {
	return fmt.Sprintf("socialauth-demo(store=%s, providers=%v)", a.cfg.Store, a.auth.Providers())
}
