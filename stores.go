package socialauth

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// User represents a local account owned by the hosting application
type User interface {
	Id() string
	Email() string
	Profile() map[string]any
}

// UserAttributes is the input used to create a new local user
type UserAttributes struct {
	Email       string         `json:"email,omitempty"`
	DisplayName string         `json:"display_name,omitempty"`
	AvatarURL   string         `json:"avatar_url,omitempty"`
	Handle      string         `json:"handle,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"` // application specific fields
}

// Profile flattens the attributes into a profile map as stored by the directories
func (a UserAttributes) Profile() map[string]any {
	profile := make(map[string]any, len(a.Extra)+4)
	for k, v := range a.Extra {
		profile[k] = v
	}
	if a.Email != "" {
		profile["email"] = a.Email
	}
	if a.DisplayName != "" {
		profile["name"] = a.DisplayName
	}
	if a.AvatarURL != "" {
		profile["avatar_url"] = a.AvatarURL
	}
	if a.Handle != "" {
		profile["username"] = a.Handle
	}
	return profile
}

// AccountLink binds a (provider, external id) pair to exactly one local user
type AccountLink struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`     // owning user
	Provider   string    `json:"provider"`    // "google", "github"
	ExternalID string    `json:"external_id"` // provider scoped subject
	CreatedAt  time.Time `json:"created_at"`
}

// Is reports whether the link belongs to the given pair
func (l *AccountLink) Is(provider, externalID string) bool {
	return l != nil && l.Provider == provider && l.ExternalID == externalID
}

// AccountLinkStore persists account links.
//
// Implementations must enforce uniqueness of (provider, externalID) atomically
// (unique index, transactional get/put, SETNX, exclusive create). A
// read-then-write check is not enough since concurrent callbacks for the same
// identity are expected.
type AccountLinkStore interface {
	// FindLink returns the link for the pair or ErrLinkNotFound
	FindLink(ctx context.Context, provider, externalID string) (*AccountLink, error)

	// CreateLink creates a link owned by userID. Returns ErrDuplicateLink if the
	// pair is already linked (to any user).
	CreateLink(ctx context.Context, userID, provider, externalID string) (*AccountLink, error)

	// GetUserLinks returns all links owned by a user
	GetUserLinks(ctx context.Context, userID string) ([]*AccountLink, error)

	// DeleteLink removes a link. Returns ErrLinkNotFound if absent.
	DeleteLink(ctx context.Context, provider, externalID string) error
}

// UserDirectory looks up and creates local users
type UserDirectory interface {
	// FindUserByEmail returns the user owning the (normalized) email or ErrUserNotFound
	FindUserByEmail(ctx context.Context, email string) (User, error)

	// GetUserById returns the user or ErrUserNotFound
	GetUserById(ctx context.Context, userID string) (User, error)

	// CreateUser creates a user. Returns ErrDuplicateEmail if another user
	// already owns the normalized email. Users without an email never collide.
	CreateUser(ctx context.Context, attrs UserAttributes) (User, error)
}

// EmailVerifier is an optional directory capability used by MarkEmailVerifiedHook
type EmailVerifier interface {
	// MarkEmailVerified records the verification time unless one is already set
	MarkEmailVerified(ctx context.Context, userID string, at time.Time) error
}

// TxRunner runs fn inside a transaction spanning both stores. Stores passed to
// fn are bound to the transaction. Returning an error from fn rolls it back.
type TxRunner interface {
	RunInTransaction(ctx context.Context, fn func(ctx context.Context, links AccountLinkStore, users UserDirectory) error) error
}

// NormalizeEmail is the canonical form used for email uniqueness and lookups
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// LinkKey creates a consistent key from a provider and an external id.
// The provider is length prefixed so ("corp", "saml:alice") and
// ("corp:saml", "alice") never share a key.
func LinkKey(provider, externalID string) string {
	return fmt.Sprintf("%d:%s:%s", len(provider), provider, externalID)
}

// BasicUser is the User implementation shared by the bundled stores
type BasicUser struct {
	UserID          string         `json:"id"`
	Attributes      UserAttributes `json:"attributes"`
	EmailVerifiedAt *time.Time     `json:"email_verified_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// NewBasicUser creates a user from creation attributes
func NewBasicUser(id string, attrs UserAttributes) *BasicUser {
	return &BasicUser{UserID: id, Attributes: attrs, CreatedAt: time.Now().UTC()}
}

func (b *BasicUser) Id() string    { return b.UserID }
func (b *BasicUser) Email() string { return b.Attributes.Email }

func (b *BasicUser) Profile() map[string]any {
	profile := b.Attributes.Profile()
	if b.EmailVerifiedAt != nil {
		profile["email_verified_at"] = *b.EmailVerifiedAt
	}
	return profile
}
