//go:build !wasm
// +build !wasm

package gorm

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	sa "github.com/panyam/socialauth"
)

// JSONMap is a helper type for storing JSON maps in GORM
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", value)
	}
}

// UserModel is the GORM model for users
type UserModel struct {
	ID              string  `gorm:"primaryKey;size:64"`
	Email           string  `gorm:"size:320"`
	EmailKey        *string `gorm:"size:320;uniqueIndex"` // normalized, NULL for users without email
	DisplayName     string  `gorm:"size:255"`
	AvatarURL       string  `gorm:"size:2048"`
	Handle          string  `gorm:"size:255"`
	Extra           JSONMap `gorm:"type:jsonb"`
	EmailVerifiedAt *time.Time
	CreatedAt       time.Time `gorm:"autoCreateTime"`
}

func (UserModel) TableName() string {
	return "users"
}

func (m *UserModel) ToUser() *sa.BasicUser {
	return &sa.BasicUser{
		UserID: m.ID,
		Attributes: sa.UserAttributes{
			Email:       m.Email,
			DisplayName: m.DisplayName,
			AvatarURL:   m.AvatarURL,
			Handle:      m.Handle,
			Extra:       m.Extra,
		},
		EmailVerifiedAt: m.EmailVerifiedAt,
		CreatedAt:       m.CreatedAt,
	}
}

func UserToModel(u *sa.BasicUser) *UserModel {
	m := &UserModel{
		ID:              u.UserID,
		Email:           u.Attributes.Email,
		DisplayName:     u.Attributes.DisplayName,
		AvatarURL:       u.Attributes.AvatarURL,
		Handle:          u.Attributes.Handle,
		Extra:           JSONMap(u.Attributes.Extra),
		EmailVerifiedAt: u.EmailVerifiedAt,
		CreatedAt:       u.CreatedAt,
	}
	if key := sa.NormalizeEmail(u.Attributes.Email); key != "" {
		m.EmailKey = &key
	}
	return m
}

// AccountLinkModel is the GORM model for account links
type AccountLinkModel struct {
	ID         string     `gorm:"primaryKey;size:64"`
	UserID     string     `gorm:"size:64;not null;index"`
	User       *UserModel `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
	Provider   string     `gorm:"size:64;not null;uniqueIndex:idx_account_links_identity"`
	ExternalID string     `gorm:"size:255;not null;uniqueIndex:idx_account_links_identity"`
	CreatedAt  time.Time  `gorm:"autoCreateTime"`
}

func (AccountLinkModel) TableName() string {
	return "account_links"
}

func (m *AccountLinkModel) ToAccountLink() *sa.AccountLink {
	return &sa.AccountLink{
		ID:         m.ID,
		UserID:     m.UserID,
		Provider:   m.Provider,
		ExternalID: m.ExternalID,
		CreatedAt:  m.CreatedAt,
	}
}
