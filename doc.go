// Package socialauth reconciles third party identities ("log in with
// Google") with the local users of an application.
//
// # Architecture
//
// User: a local account owned by the application, found by id or by email
// through a UserDirectory.
//
// AccountLink: binds one (provider, external id) pair to exactly one user.
// Links live in an AccountLinkStore which enforces that uniqueness atomically.
//
// IdentityAssertion: the verified result of a provider handshake, produced by
// a ProviderClient (see the oauth2 and saml packages).
//
// # Reconciliation
//
// For every callback the Reconciler resolves the assertion to a user:
//
//  1. an existing link wins, the owner is returned unchanged
//  2. otherwise a user with the same email is linked
//  3. otherwise a user is created from the mapped attributes and linked
//
// Concurrent callbacks for the same identity converge on one link. When a
// TxRunner is configured user and link creation commit together.
//
// # Basic Usage
//
//	store := memory.New()
//	reconciler, err := socialauth.NewReconciler(socialauth.ReconcilerConfig{
//	    Links: store,
//	    Users: store,
//	    Hooks: socialauth.Hooks{
//	        FirstLinkHook: socialauth.MarkEmailVerifiedHook(store),
//	    },
//	})
//
//	session := scs.New()
//	authn := &socialauth.SessionAuthenticator{Session: session}
//	auth, err := socialauth.New(reconciler, authn)
//	auth.AddProvider(oauth2.NewGoogleOAuth2(clientId, clientSecret, callbackURL))
//	auth.AddProvider(oauth2.NewGithubOAuth2(clientId, clientSecret, callbackURL))
//
//	mux.Handle("/auth/", http.StripPrefix("/auth", auth.Handler()))
//	http.ListenAndServe(":8080", session.LoadAndSave(mux))
//
// Protected handlers read the logged in user through the Middleware:
//
//	m := authn.Middleware()
//	mux.Handle("/me", m.EnsureUser(meHandler))
//
// # Stores
//
// stores/memory, stores/fs, stores/sqlite, stores/gorm, stores/gae and
// stores/redis implement the store interfaces. stores/storetest has the
// conformance suite they all pass.
package socialauth
