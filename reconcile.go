package socialauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/panyam/socialauth"

// ReconcilerConfig wires the reconciler to its stores and hooks
type ReconcilerConfig struct {
	// Must be passed in
	Links AccountLinkStore
	Users UserDirectory

	// Optional extension points, defaults are filled in
	Hooks Hooks

	// Optional transaction spanning Links and Users. When set, user creation
	// and link creation commit or roll back together.
	Tx TxRunner

	Logger *slog.Logger
	Tracer trace.Tracer
}

// Outcome describes what a reconciliation did
type Outcome struct {
	User User
	Link *AccountLink

	UserCreated bool // a new local user was created
	LinkCreated bool // this call created the link (first login with this identity)
	EmailMerged bool // the identity was linked to an existing user with the same email
	Recovered   bool // a concurrent call won the link race and its owner was returned
}

// Reconciler maps identity assertions to local users, creating and linking
// accounts on first use. It holds no mutable state and is safe for concurrent use.
type Reconciler struct {
	links  AccountLinkStore
	users  UserDirectory
	hooks  Hooks
	tx     TxRunner
	logger *slog.Logger
	tracer trace.Tracer
}

// NewReconciler validates the configuration and returns a ConfigurationError
// when a required store is missing.
func NewReconciler(config ReconcilerConfig) (*Reconciler, error) {
	if config.Links == nil {
		return nil, &ConfigurationError{Component: "Reconciler", Reason: "an AccountLinkStore is required"}
	}
	if config.Users == nil {
		return nil, &ConfigurationError{Component: "Reconciler", Reason: "a UserDirectory is required"}
	}
	r := &Reconciler{
		links:  config.Links,
		users:  config.Users,
		hooks:  config.Hooks,
		tx:     config.Tx,
		logger: config.Logger,
		tracer: config.Tracer,
	}
	r.hooks.EnsureDefaults()
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer(tracerName)
	}
	return r, nil
}

// Reconcile returns the local user the assertion authenticates as
func (r *Reconciler) Reconcile(ctx context.Context, assertion *IdentityAssertion) (User, error) {
	out, err := r.ReconcileOutcome(ctx, assertion)
	if err != nil {
		return nil, err
	}
	return out.User, nil
}

// ReconcileOutcome is Reconcile with details on which branch was taken.
//
// An existing link always wins over the assertion's email, since provider
// emails can change while the link is the durable identity.
func (r *Reconciler) ReconcileOutcome(ctx context.Context, assertion *IdentityAssertion) (out *Outcome, err error) {
	if err := assertion.Validate(); err != nil {
		return nil, err
	}

	ctx, span := r.tracer.Start(ctx, "socialauth.Reconcile",
		trace.WithAttributes(attribute.String("socialauth.provider", assertion.Provider)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Bool("socialauth.user_created", out.UserCreated),
				attribute.Bool("socialauth.link_created", out.LinkCreated),
				attribute.Bool("socialauth.recovered", out.Recovered),
			)
		}
		span.End()
	}()

	out, err = r.lookupLink(ctx, assertion)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, ErrLinkNotFound) {
		return nil, err
	}

	var attempt *Outcome
	if r.tx != nil {
		err = r.tx.RunInTransaction(ctx, func(ctx context.Context, links AccountLinkStore, users UserDirectory) error {
			var txErr error
			attempt, txErr = r.linkIdentity(ctx, links, users, assertion)
			return txErr
		})
	} else {
		attempt, err = r.linkIdentity(ctx, r.links, r.users, assertion)
	}

	if errors.Is(err, ErrDuplicateLink) {
		return r.recoverConflict(ctx, assertion, attempt)
	}
	if err != nil {
		return nil, err
	}

	r.logger.Info("linked identity",
		"provider", assertion.Provider,
		"user_id", attempt.User.Id(),
		"user_created", attempt.UserCreated,
		"email_merged", attempt.EmailMerged)

	if err := r.hooks.FirstLinkHook.BeforeFirstLink(ctx, attempt.User, assertion); err != nil {
		r.logger.Warn("first link hook failed",
			"provider", assertion.Provider, "user_id", attempt.User.Id(), "err", err)
	}
	return attempt, nil
}

// lookupLink resolves an existing link to its owner
func (r *Reconciler) lookupLink(ctx context.Context, a *IdentityAssertion) (*Outcome, error) {
	link, err := r.links.FindLink(ctx, a.Provider, a.ExternalID)
	if err != nil {
		return nil, err
	}
	user, err := r.users.GetUserById(ctx, link.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve owner of %s/%q: %w", link.Provider, link.ExternalID, err)
	}
	return &Outcome{User: user, Link: link}, nil
}

// linkIdentity finds (by email) or creates the user and links the identity to it.
// The returned outcome is non nil when a user was resolved, even on link errors.
func (r *Reconciler) linkIdentity(ctx context.Context, links AccountLinkStore, users UserDirectory, a *IdentityAssertion) (*Outcome, error) {
	out := &Outcome{}

	user, err := findUserByEmail(ctx, users, a.Email)
	switch {
	case err == nil:
		out.EmailMerged = true
	case errors.Is(err, ErrUserNotFound):
		if user, err = r.createUser(ctx, users, a, out); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	out.User = user

	link, err := links.CreateLink(ctx, user.Id(), a.Provider, a.ExternalID)
	if err != nil {
		return out, err
	}
	out.Link = link
	out.LinkCreated = true
	return out, nil
}

func (r *Reconciler) createUser(ctx context.Context, users UserDirectory, a *IdentityAssertion, out *Outcome) (User, error) {
	attrs, err := r.hooks.AttributeMapper.MapAttributes(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("map attributes: %w", err)
	}

	user, err := users.CreateUser(ctx, attrs)
	if err == nil {
		out.UserCreated = true
		return user, nil
	}
	if !errors.Is(err, ErrDuplicateEmail) {
		return nil, err
	}

	// Another reconciliation created a user for this email first, use it.
	winner, findErr := findUserByEmail(ctx, users, attrs.Email)
	if findErr != nil {
		return nil, fmt.Errorf("%w: re-read failed: %v", err, findErr)
	}
	r.logger.Info("recovered concurrent signup", "provider", a.Provider, "user_id", winner.Id())
	out.EmailMerged = true
	return winner, nil
}

// recoverConflict returns the owner of the link created by a concurrent call
func (r *Reconciler) recoverConflict(ctx context.Context, a *IdentityAssertion, lost *Outcome) (*Outcome, error) {
	if lost != nil && lost.UserCreated && r.tx == nil {
		r.logger.Warn("orphaned user left by concurrent link creation",
			"provider", a.Provider, "user_id", lost.User.Id())
	}

	out, err := r.lookupLink(ctx, a)
	if err != nil {
		return nil, &ConflictError{Provider: a.Provider, ExternalID: a.ExternalID, Err: err}
	}
	out.Recovered = true
	r.logger.Info("recovered concurrent link", "provider", a.Provider, "user_id", out.User.Id())
	return out, nil
}

func findUserByEmail(ctx context.Context, users UserDirectory, email string) (User, error) {
	if NormalizeEmail(email) == "" {
		return nil, ErrUserNotFound
	}
	return users.FindUserByEmail(ctx, email)
}
