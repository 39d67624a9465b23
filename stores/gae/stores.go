//go:build !wasm
// +build !wasm

package gae

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/datastore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	sa "github.com/panyam/socialauth"
)

// Kind constants for Datastore entities
const (
	KindUser        = "User"
	KindEmail       = "Email"
	KindAccountLink = "AccountLink"
)

// Transactions contend on hot keys when many callbacks race for one identity
const maxTxAttempts = 10

// Store implements sa.AccountLinkStore, sa.UserDirectory and sa.TxRunner
// using Google Cloud Datastore
type Store struct {
	client    *datastore.Client
	namespace string

	// set when the store is bound to a transaction by RunInTransaction
	tx *datastore.Transaction
}

var (
	_ sa.AccountLinkStore = (*Store)(nil)
	_ sa.UserDirectory    = (*Store)(nil)
	_ sa.EmailVerifier    = (*Store)(nil)
	_ sa.TxRunner         = (*Store)(nil)
)

// NewStore creates a new Datastore-backed store
func NewStore(client *datastore.Client, namespace string) *Store {
	return &Store{client: client, namespace: namespace}
}

func (s *Store) namespacedKey(kind, name string) *datastore.Key {
	key := datastore.NameKey(kind, name, nil)
	key.Namespace = s.namespace
	return key
}

// RunInTransaction runs fn with stores bound to one Datastore transaction.
// fn may be re-run when the transaction contends with another one.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context, links sa.AccountLinkStore, users sa.UserDirectory) error) error {
	if s.tx != nil {
		return fn(ctx, s, s)
	}
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		txStore := &Store{client: s.client, namespace: s.namespace, tx: tx}
		return fn(ctx, txStore, txStore)
	}, datastore.MaxAttempts(maxTxAttempts))
	return err
}

// atomically runs fn in the bound transaction or in a new one
func (s *Store) atomically(ctx context.Context, fn func(tx *datastore.Transaction) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	_, err := s.client.RunInTransaction(ctx, fn, datastore.MaxAttempts(maxTxAttempts))
	return err
}

func (s *Store) get(ctx context.Context, key *datastore.Key, dst any) error {
	if s.tx != nil {
		return s.tx.Get(key, dst)
	}
	return s.client.Get(ctx, key, dst)
}

// ============================================================================
// AccountLinkStore
// ============================================================================

func (s *Store) FindLink(ctx context.Context, provider, externalID string) (*sa.AccountLink, error) {
	var entity AccountLinkEntity
	if err := s.get(ctx, s.namespacedKey(KindAccountLink, sa.LinkKey(provider, externalID)), &entity); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, sa.ErrLinkNotFound
		}
		return nil, err
	}
	link := entity.ToAccountLink()
	if !link.Is(provider, externalID) {
		return nil, sa.ErrLinkNotFound
	}
	return link, nil
}

func (s *Store) CreateLink(ctx context.Context, userID, provider, externalID string) (*sa.AccountLink, error) {
	key := s.namespacedKey(KindAccountLink, sa.LinkKey(provider, externalID))
	entity := &AccountLinkEntity{
		Key:        key,
		ID:         uuid.NewString(),
		UserID:     userID,
		Provider:   provider,
		ExternalID: externalID,
		CreatedAt:  time.Now().UTC(),
	}
	err := s.atomically(ctx, func(tx *datastore.Transaction) error {
		var existing AccountLinkEntity
		err := tx.Get(key, &existing)
		if err == nil {
			return sa.ErrDuplicateLink
		}
		if !errors.Is(err, datastore.ErrNoSuchEntity) {
			return err
		}
		_, err = tx.Put(key, entity)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entity.ToAccountLink(), nil
}

// GetUserLinks queries outside any bound transaction since Datastore only
// allows ancestor queries inside one
func (s *Store) GetUserLinks(ctx context.Context, userID string) ([]*sa.AccountLink, error) {
	query := datastore.NewQuery(KindAccountLink).
		FilterField("user_id", "=", userID)
	if s.namespace != "" {
		query = query.Namespace(s.namespace)
	}

	var links []*sa.AccountLink
	it := s.client.Run(ctx, query)
	for {
		var entity AccountLinkEntity
		_, err := it.Next(&entity)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		links = append(links, entity.ToAccountLink())
	}
	return links, nil
}

func (s *Store) DeleteLink(ctx context.Context, provider, externalID string) error {
	key := s.namespacedKey(KindAccountLink, sa.LinkKey(provider, externalID))
	return s.atomically(ctx, func(tx *datastore.Transaction) error {
		var existing AccountLinkEntity
		if err := tx.Get(key, &existing); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return sa.ErrLinkNotFound
			}
			return err
		}
		return tx.Delete(key)
	})
}

// ============================================================================
// UserDirectory
// ============================================================================

func (s *Store) FindUserByEmail(ctx context.Context, email string) (sa.User, error) {
	normalized := sa.NormalizeEmail(email)
	if normalized == "" {
		return nil, sa.ErrUserNotFound
	}
	var entry EmailEntity
	if err := s.get(ctx, s.namespacedKey(KindEmail, normalized), &entry); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, sa.ErrUserNotFound
		}
		return nil, err
	}
	return s.GetUserById(ctx, entry.UserID)
}

func (s *Store) GetUserById(ctx context.Context, userID string) (sa.User, error) {
	return s.loadUser(ctx, userID)
}

func (s *Store) CreateUser(ctx context.Context, attrs sa.UserAttributes) (sa.User, error) {
	user := sa.NewBasicUser(uuid.NewString(), attrs)
	userKey := s.namespacedKey(KindUser, user.UserID)
	normalized := sa.NormalizeEmail(attrs.Email)

	err := s.atomically(ctx, func(tx *datastore.Transaction) error {
		if normalized != "" {
			emailKey := s.namespacedKey(KindEmail, normalized)
			var existing EmailEntity
			err := tx.Get(emailKey, &existing)
			if err == nil {
				return sa.ErrDuplicateEmail
			}
			if !errors.Is(err, datastore.ErrNoSuchEntity) {
				return err
			}
			if _, err := tx.Put(emailKey, &EmailEntity{Key: emailKey, UserID: user.UserID, CreatedAt: user.CreatedAt}); err != nil {
				return err
			}
		}
		_, err := tx.Put(userKey, UserToEntity(user, userKey))
		return err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Store) MarkEmailVerified(ctx context.Context, userID string, at time.Time) error {
	key := s.namespacedKey(KindUser, userID)
	return s.atomically(ctx, func(tx *datastore.Transaction) error {
		var entity UserEntity
		if err := tx.Get(key, &entity); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return sa.ErrUserNotFound
			}
			return err
		}
		if !entity.EmailVerifiedAt.IsZero() {
			return nil
		}
		entity.EmailVerifiedAt = at.UTC()
		_, err := tx.Put(key, &entity)
		return err
	})
}

func (s *Store) loadUser(ctx context.Context, userID string) (*sa.BasicUser, error) {
	if userID == "" {
		return nil, sa.ErrUserNotFound
	}
	var entity UserEntity
	if err := s.get(ctx, s.namespacedKey(KindUser, userID), &entity); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, sa.ErrUserNotFound
		}
		return nil, err
	}
	return entity.ToUser(), nil
}
