package socialauth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// AttributeMapper builds the attributes of a user created on first login
type AttributeMapper interface {
	MapAttributes(ctx context.Context, assertion *IdentityAssertion) (UserAttributes, error)
}

// FirstLinkHook runs after a link was created for a user by this reconciliation.
// It is meant for side effects and cannot change the returned user.
type FirstLinkHook interface {
	BeforeFirstLink(ctx context.Context, user User, assertion *IdentityAssertion) error
}

// FetchFailureHandler decides what the end user sees when a provider client
// could not produce an assertion.
type FetchFailureHandler interface {
	HandleFetchFailure(w http.ResponseWriter, r *http.Request, err error)
}

// AttributeMapperFunc adapts a function to AttributeMapper
type AttributeMapperFunc func(ctx context.Context, assertion *IdentityAssertion) (UserAttributes, error)

func (f AttributeMapperFunc) MapAttributes(ctx context.Context, assertion *IdentityAssertion) (UserAttributes, error) {
	return f(ctx, assertion)
}

// FirstLinkHookFunc adapts a function to FirstLinkHook
type FirstLinkHookFunc func(ctx context.Context, user User, assertion *IdentityAssertion) error

func (f FirstLinkHookFunc) BeforeFirstLink(ctx context.Context, user User, assertion *IdentityAssertion) error {
	return f(ctx, user, assertion)
}

// FetchFailureHandlerFunc adapts a function to FetchFailureHandler
type FetchFailureHandlerFunc func(w http.ResponseWriter, r *http.Request, err error)

func (f FetchFailureHandlerFunc) HandleFetchFailure(w http.ResponseWriter, r *http.Request, err error) {
	f(w, r, err)
}

// Hooks is the extension surface of the reconciler and the callback handler
type Hooks struct {
	AttributeMapper     AttributeMapper
	FirstLinkHook       FirstLinkHook
	FetchFailureHandler FetchFailureHandler
}

// EnsureDefaults fills in the default hook for every unset extension point
func (h *Hooks) EnsureDefaults() *Hooks {
	if h.AttributeMapper == nil {
		h.AttributeMapper = DefaultAttributeMapper
	}
	if h.FirstLinkHook == nil {
		h.FirstLinkHook = NoopFirstLinkHook
	}
	if h.FetchFailureHandler == nil {
		h.FetchFailureHandler = &RedirectOnFetchFailure{}
	}
	return h
}

// DefaultAttributeMapper copies the profile attributes verbatim
var DefaultAttributeMapper AttributeMapper = AttributeMapperFunc(func(_ context.Context, a *IdentityAssertion) (UserAttributes, error) {
	return UserAttributes{
		Email:       a.Email,
		DisplayName: a.DisplayName,
		AvatarURL:   a.AvatarURL,
		Handle:      a.Handle,
	}, nil
})

// NoopFirstLinkHook does nothing
var NoopFirstLinkHook FirstLinkHook = FirstLinkHookFunc(func(context.Context, User, *IdentityAssertion) error {
	return nil
})

// RedirectOnFetchFailure sends the user back to a login entry point
type RedirectOnFetchFailure struct {
	// URL defaults to "/login"
	URL string
}

func (h *RedirectOnFetchFailure) HandleFetchFailure(w http.ResponseWriter, r *http.Request, err error) {
	target := h.URL
	if target == "" {
		target = "/login"
	}
	slog.Info("identity fetch failed, redirecting", "target", target, "err", err)
	http.Redirect(w, r, target, http.StatusFound)
}

// FirstLinkHooks runs hooks in order and joins their errors
func FirstLinkHooks(hooks ...FirstLinkHook) FirstLinkHook {
	return FirstLinkHookFunc(func(ctx context.Context, user User, a *IdentityAssertion) error {
		var errs []error
		for _, h := range hooks {
			if err := h.BeforeFirstLink(ctx, user, a); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// MarkEmailVerifiedHook marks the user's email as verified when it was first
// linked, keeping an existing verification time. Users without email are skipped.
func MarkEmailVerifiedHook(verifier EmailVerifier) FirstLinkHook {
	return FirstLinkHookFunc(func(ctx context.Context, user User, _ *IdentityAssertion) error {
		if user.Email() == "" {
			return nil
		}
		return verifier.MarkEmailVerified(ctx, user.Id(), time.Now().UTC())
	})
}

// WelcomeEmailHook sends a welcome message to users with an email
func WelcomeEmailHook(sender SendEmail) FirstLinkHook {
	return FirstLinkHookFunc(func(ctx context.Context, user User, a *IdentityAssertion) error {
		if user.Email() == "" {
			return nil
		}
		return sender.SendWelcomeEmail(user.Email(), a.Provider)
	})
}
