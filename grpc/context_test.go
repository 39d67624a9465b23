package grpc

import (
	"context"
	"net/http/httptest"
	"testing"

	"google.golang.org/grpc/metadata"

	sa "github.com/panyam/socialauth"
)

func testAuthenticator() *sa.SessionAuthenticator {
	return (&sa.SessionAuthenticator{JWTSecretKey: "grpc-test-secret"}).EnsureDefaults()
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config.MetadataKeyUserID != DefaultMetadataKeyUserID {
		t.Errorf("expected %q, got %q", DefaultMetadataKeyUserID, config.MetadataKeyUserID)
	}
	if config.MetadataKeyAuthorization != "authorization" {
		t.Errorf("expected authorization key, got %q", config.MetadataKeyAuthorization)
	}
	if config.TrustUserIDMetadata {
		t.Error("user id metadata must not be trusted by default")
	}
}

func TestPrincipalFromIncoming_NoMetadata(t *testing.T) {
	p, err := PrincipalFromIncoming(context.Background(), nil)
	if err != nil || p.UserID != "" {
		t.Errorf("expected empty principal, got %+v %v", p, err)
	}
}

func TestPrincipalFromIncoming_UntrustedUserID(t *testing.T) {
	md := metadata.Pairs(DefaultMetadataKeyUserID, "user123")
	ctx := metadata.NewIncomingContext(context.Background(), md)

	p, _ := PrincipalFromIncoming(ctx, nil)
	if p.UserID != "" {
		t.Errorf("expected user id metadata to be ignored, got %q", p.UserID)
	}

	p, _ = PrincipalFromIncoming(ctx, &Config{TrustUserIDMetadata: true})
	if p.UserID != "user123" {
		t.Errorf("expected user123 from trusted metadata, got %q", p.UserID)
	}
}

func TestPrincipalFromIncoming_BearerToken(t *testing.T) {
	auth := testAuthenticator()
	token, err := auth.IssueToken("user-7")
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	md := metadata.Pairs("authorization", "Bearer "+token, DefaultMetadataKeyProvider, "github")
	ctx := metadata.NewIncomingContext(context.Background(), md)

	p, err := PrincipalFromIncoming(ctx, &Config{VerifyToken: auth.VerifyToken})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.UserID != "user-7" || p.Provider != "github" {
		t.Errorf("unexpected principal %+v", p)
	}
}

func TestPrincipalFromIncoming_InvalidToken(t *testing.T) {
	md := metadata.Pairs("authorization", "Bearer not-a-jwt")
	ctx := metadata.NewIncomingContext(context.Background(), md)

	_, err := PrincipalFromIncoming(ctx, &Config{VerifyToken: testAuthenticator().VerifyToken})
	if err == nil {
		t.Fatal("expected an error for a bad token")
	}
}

func TestPrincipalFromIncoming_TokenFromOtherIssuer(t *testing.T) {
	other := (&sa.SessionAuthenticator{JWTSecretKey: "someone-elses-secret"}).EnsureDefaults()
	token, _ := other.IssueToken("user-7")
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+token))

	if _, err := PrincipalFromIncoming(ctx, &Config{VerifyToken: testAuthenticator().VerifyToken}); err == nil {
		t.Fatal("expected a signature error")
	}
}

func TestPrincipalContext(t *testing.T) {
	ctx := context.Background()
	if IsAuthenticated(ctx) {
		t.Error("expected unauthenticated context")
	}
	ctx = ContextWithPrincipal(ctx, Principal{UserID: "u1", Provider: "google"})
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.UserID != "u1" || p.Provider != "google" {
		t.Errorf("unexpected principal %+v", p)
	}
	if UserIDFromContext(ctx) != "u1" || !IsAuthenticated(ctx) {
		t.Error("expected u1 to be authenticated")
	}
}

func TestPrincipalToOutgoingContext(t *testing.T) {
	ctx := PrincipalToOutgoingContext(context.Background(), Principal{UserID: "u1", Provider: "google"})
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		t.Fatal("expected outgoing metadata")
	}
	if got := md.Get(DefaultMetadataKeyUserID); len(got) != 1 || got[0] != "u1" {
		t.Errorf("unexpected user id metadata %v", got)
	}
	if got := md.Get(DefaultMetadataKeyProvider); len(got) != 1 || got[0] != "google" {
		t.Errorf("unexpected provider metadata %v", got)
	}
}

func TestTokenToOutgoingContext(t *testing.T) {
	ctx := TokenToOutgoingContext(context.Background(), "abc")
	md, _ := metadata.FromOutgoingContext(ctx)
	if got := md.Get("authorization"); len(got) != 1 || got[0] != "Bearer abc" {
		t.Errorf("unexpected authorization metadata %v", got)
	}
}

func TestOutgoingContextFromRequest(t *testing.T) {
	auth := testAuthenticator()
	token, _ := auth.IssueToken("user-9")
	m := &sa.Middleware{VerifyToken: auth.VerifyToken}

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	md, ok := metadata.FromOutgoingContext(OutgoingContextFromRequest(r, m))
	if !ok {
		t.Fatal("expected outgoing metadata")
	}
	if got := md.Get(DefaultMetadataKeyUserID); len(got) != 1 || got[0] != "user-9" {
		t.Errorf("unexpected user id metadata %v", got)
	}

	anon := httptest.NewRequest("GET", "/", nil)
	if _, ok := metadata.FromOutgoingContext(OutgoingContextFromRequest(anon, m)); ok {
		t.Error("expected no metadata for an anonymous request")
	}
}

func TestCustomMetadataKeys(t *testing.T) {
	md := metadata.Pairs("x-custom-user", "custom-user")
	ctx := metadata.NewIncomingContext(context.Background(), md)

	p, err := PrincipalFromIncoming(ctx, &Config{MetadataKeyUserID: "x-custom-user", TrustUserIDMetadata: true})
	if err != nil || p.UserID != "custom-user" {
		t.Errorf("expected custom-user, got %+v %v", p, err)
	}
}
