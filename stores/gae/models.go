//go:build !wasm
// +build !wasm

package gae

import (
	"encoding/json"
	"time"

	"cloud.google.com/go/datastore"
	sa "github.com/panyam/socialauth"
)

// UserEntity is the Datastore entity for users
type UserEntity struct {
	Key             *datastore.Key `datastore:"__key__"`
	Email           string         `datastore:"email"`
	DisplayName     string         `datastore:"display_name,noindex"`
	AvatarURL       string         `datastore:"avatar_url,noindex"`
	Handle          string         `datastore:"handle"`
	Extra           []byte         `datastore:"extra,noindex"` // JSON encoded
	EmailVerifiedAt time.Time      `datastore:"email_verified_at,omitempty"`
	CreatedAt       time.Time      `datastore:"created_at"`
}

func (e *UserEntity) ToUser() *sa.BasicUser {
	user := &sa.BasicUser{
		UserID: e.Key.Name,
		Attributes: sa.UserAttributes{
			Email:       e.Email,
			DisplayName: e.DisplayName,
			AvatarURL:   e.AvatarURL,
			Handle:      e.Handle,
		},
		CreatedAt: e.CreatedAt,
	}
	if e.Extra != nil {
		json.Unmarshal(e.Extra, &user.Attributes.Extra)
	}
	if !e.EmailVerifiedAt.IsZero() {
		at := e.EmailVerifiedAt
		user.EmailVerifiedAt = &at
	}
	return user
}

func UserToEntity(u *sa.BasicUser, key *datastore.Key) *UserEntity {
	e := &UserEntity{
		Key:         key,
		Email:       u.Attributes.Email,
		DisplayName: u.Attributes.DisplayName,
		AvatarURL:   u.Attributes.AvatarURL,
		Handle:      u.Attributes.Handle,
		CreatedAt:   u.CreatedAt,
	}
	if u.Attributes.Extra != nil {
		e.Extra, _ = json.Marshal(u.Attributes.Extra)
	}
	if u.EmailVerifiedAt != nil {
		e.EmailVerifiedAt = *u.EmailVerifiedAt
	}
	return e
}

// EmailEntity reserves a normalized email for one user.
// Key is the normalized email.
type EmailEntity struct {
	Key       *datastore.Key `datastore:"__key__"`
	UserID    string         `datastore:"user_id"`
	CreatedAt time.Time      `datastore:"created_at"`
}

// AccountLinkEntity is the Datastore entity for account links
// Key name: sa.LinkKey(Provider, ExternalID)
type AccountLinkEntity struct {
	Key        *datastore.Key `datastore:"__key__"`
	ID         string         `datastore:"id"`
	UserID     string         `datastore:"user_id"`
	Provider   string         `datastore:"provider"`
	ExternalID string         `datastore:"external_id"`
	CreatedAt  time.Time      `datastore:"created_at"`
}

func (e *AccountLinkEntity) ToAccountLink() *sa.AccountLink {
	return &sa.AccountLink{
		ID:         e.ID,
		UserID:     e.UserID,
		Provider:   e.Provider,
		ExternalID: e.ExternalID,
		CreatedAt:  e.CreatedAt,
	}
}
