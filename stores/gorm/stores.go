//go:build !wasm
// +build !wasm

package gorm

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	sa "github.com/panyam/socialauth"
)

// AutoMigrate runs database migrations for all socialauth tables
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&UserModel{},
		&AccountLinkModel{},
	)
}

// Store implements sa.AccountLinkStore, sa.UserDirectory and sa.TxRunner
// over one *gorm.DB. Inside RunInTransaction the store is bound to the tx.
type Store struct {
	db *gorm.DB
}

var (
	_ sa.AccountLinkStore = (*Store)(nil)
	_ sa.UserDirectory    = (*Store)(nil)
	_ sa.EmailVerifier    = (*Store)(nil)
	_ sa.TxRunner         = (*Store)(nil)
)

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context, links sa.AccountLinkStore, users sa.UserDirectory) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txStore := &Store{db: tx}
		return fn(ctx, txStore, txStore)
	})
}

// =============================================================================
// AccountLinkStore
// =============================================================================

func (s *Store) FindLink(ctx context.Context, provider, externalID string) (*sa.AccountLink, error) {
	var model AccountLinkModel
	err := s.db.WithContext(ctx).
		Where("provider = ? AND external_id = ?", provider, externalID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, sa.ErrLinkNotFound
	}
	if err != nil {
		return nil, err
	}
	return model.ToAccountLink(), nil
}

func (s *Store) CreateLink(ctx context.Context, userID, provider, externalID string) (*sa.AccountLink, error) {
	model := AccountLinkModel{
		ID:         uuid.NewString(),
		UserID:     userID,
		Provider:   provider,
		ExternalID: externalID,
		CreatedAt:  time.Now().UTC(),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "external_id"}},
		DoNothing: true,
	}).Create(&model)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, sa.ErrDuplicateLink
	}
	return model.ToAccountLink(), nil
}

func (s *Store) GetUserLinks(ctx context.Context, userID string) ([]*sa.AccountLink, error) {
	var models []AccountLinkModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*sa.AccountLink, len(models))
	for i := range models {
		out[i] = models[i].ToAccountLink()
	}
	return out, nil
}

func (s *Store) DeleteLink(ctx context.Context, provider, externalID string) error {
	result := s.db.WithContext(ctx).
		Where("provider = ? AND external_id = ?", provider, externalID).
		Delete(&AccountLinkModel{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return sa.ErrLinkNotFound
	}
	return nil
}

// =============================================================================
// UserDirectory
// =============================================================================

func (s *Store) FindUserByEmail(ctx context.Context, email string) (sa.User, error) {
	key := sa.NormalizeEmail(email)
	if key == "" {
		return nil, sa.ErrUserNotFound
	}
	return s.firstUser(ctx, "email_key = ?", key)
}

func (s *Store) GetUserById(ctx context.Context, userID string) (sa.User, error) {
	return s.firstUser(ctx, "id = ?", userID)
}

func (s *Store) CreateUser(ctx context.Context, attrs sa.UserAttributes) (sa.User, error) {
	model := UserToModel(sa.NewBasicUser(uuid.NewString(), attrs))
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email_key"}},
		DoNothing: true,
	}).Create(model)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, sa.ErrDuplicateEmail
	}
	return model.ToUser(), nil
}

func (s *Store) MarkEmailVerified(ctx context.Context, userID string, at time.Time) error {
	result := s.db.WithContext(ctx).Model(&UserModel{}).
		Where("id = ? AND email_verified_at IS NULL", userID).
		Update("email_verified_at", at.UTC())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// either already verified or missing
		if _, err := s.GetUserById(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) firstUser(ctx context.Context, query string, args ...any) (sa.User, error) {
	var model UserModel
	err := s.db.WithContext(ctx).Where(query, args...).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, sa.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return model.ToUser(), nil
}
