// Package grpc carries the principal established by an HTTP login across
// gRPC calls, either as trusted metadata set by a gateway or as the bearer
// token issued at login.
package grpc

import (
	"context"
	"net/http"
	"strings"

	"google.golang.org/grpc/metadata"

	sa "github.com/panyam/socialauth"
)

const (
	// DefaultMetadataKeyUserID holds the logged in user id set by a trusted gateway
	DefaultMetadataKeyUserID = "x-socialauth-user-id"

	// DefaultMetadataKeyProvider holds the provider the user signed in with, if known
	DefaultMetadataKeyProvider = "x-socialauth-provider"

	// DefaultMetadataKeyAuthorization holds a "Bearer <token>" value
	DefaultMetadataKeyAuthorization = "authorization"
)

// Principal is the authenticated caller of an rpc
type Principal struct {
	UserID   string
	Provider string
}

// Config holds the metadata keys used for principals
type Config struct {
	MetadataKeyUserID        string
	MetadataKeyProvider      string
	MetadataKeyAuthorization string

	// TrustUserIDMetadata accepts the user id metadata as is. Only enable this
	// behind a gateway that strips the header from client requests.
	TrustUserIDMetadata bool

	// VerifyToken checks bearer tokens, eg SessionAuthenticator.VerifyToken
	VerifyToken func(tokenString string) (loggedInUserId string, token any, err error)
}

func DefaultConfig() *Config {
	return (&Config{}).EnsureDefaults()
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() *Config {
	if c.MetadataKeyUserID == "" {
		c.MetadataKeyUserID = DefaultMetadataKeyUserID
	}
	if c.MetadataKeyProvider == "" {
		c.MetadataKeyProvider = DefaultMetadataKeyProvider
	}
	if c.MetadataKeyAuthorization == "" {
		c.MetadataKeyAuthorization = DefaultMetadataKeyAuthorization
	}
	return c
}

type principalKey struct{}

// ContextWithPrincipal stores the principal for handlers downstream
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal set by the auth interceptors
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.UserID != ""
}

// UserIDFromContext returns the authenticated user id or ""
func UserIDFromContext(ctx context.Context) string {
	p, _ := PrincipalFromContext(ctx)
	return p.UserID
}

// IsAuthenticated returns true if there is an authenticated user in the context.
func IsAuthenticated(ctx context.Context) bool {
	return UserIDFromContext(ctx) != ""
}

// PrincipalFromIncoming resolves the caller from incoming metadata. Bearer
// tokens are verified first, the user id metadata is only read when trusted.
func PrincipalFromIncoming(ctx context.Context, config *Config) (Principal, error) {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return Principal{}, nil
	}
	provider := first(md.Get(config.MetadataKeyProvider))

	if config.VerifyToken != nil {
		for _, v := range md.Get(config.MetadataKeyAuthorization) {
			token := strings.TrimSpace(strings.TrimPrefix(v, "Bearer "))
			if token == "" {
				continue
			}
			userID, _, err := config.VerifyToken(token)
			if err != nil {
				return Principal{}, err
			}
			if userID != "" {
				return Principal{UserID: userID, Provider: provider}, nil
			}
		}
	}

	if config.TrustUserIDMetadata {
		if userID := first(md.Get(config.MetadataKeyUserID)); userID != "" {
			return Principal{UserID: userID, Provider: provider}, nil
		}
	}
	return Principal{}, nil
}

// PrincipalToOutgoingContext forwards a principal to the next service
func PrincipalToOutgoingContext(ctx context.Context, p Principal) context.Context {
	kv := []string{DefaultMetadataKeyUserID, p.UserID}
	if p.Provider != "" {
		kv = append(kv, DefaultMetadataKeyProvider, p.Provider)
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}

// TokenToOutgoingContext forwards a bearer token issued at login
func TokenToOutgoingContext(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, DefaultMetadataKeyAuthorization, "Bearer "+token)
}

// OutgoingContextFromRequest forwards the user logged into an HTTP request
// (as seen by the middleware) to a gRPC backend
func OutgoingContextFromRequest(r *http.Request, m *sa.Middleware) context.Context {
	ctx := r.Context()
	if userID := m.GetLoggedInUserId(r); userID != "" {
		ctx = PrincipalToOutgoingContext(ctx, Principal{UserID: userID})
	}
	return ctx
}

func first(values []string) string {
	if len(values) > 0 {
		return strings.TrimSpace(values[0])
	}
	return ""
}
