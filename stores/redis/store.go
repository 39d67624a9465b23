// Package redis stores account links and users in Redis. Uniqueness of links
// and emails is enforced with SETNX on one key per identity and per email.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	sa "github.com/panyam/socialauth"
)

// DefaultKeyPrefix namespaces all keys written by the store
const DefaultKeyPrefix = "socialauth:"

// Store implements sa.AccountLinkStore and sa.UserDirectory.
//
// Keys:
//
//	{prefix}link:{sa.LinkKey}             -> JSON sa.AccountLink
//	{prefix}userlinks:{user_id}           -> SET of link keys
//	{prefix}user:{user_id}                -> JSON sa.BasicUser
//	{prefix}email:{normalized email}      -> user id
type Store struct {
	client redis.UniversalClient
	prefix string
}

var (
	_ sa.AccountLinkStore = (*Store)(nil)
	_ sa.UserDirectory    = (*Store)(nil)
	_ sa.EmailVerifier    = (*Store)(nil)
)

// New creates a store. An empty prefix uses DefaultKeyPrefix.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) linkKey(provider, externalID string) string {
	return s.prefix + "link:" + sa.LinkKey(provider, externalID)
}

func (s *Store) userLinksKey(userID string) string { return s.prefix + "userlinks:" + userID }
func (s *Store) userKey(userID string) string      { return s.prefix + "user:" + userID }
func (s *Store) emailKey(email string) string      { return s.prefix + "email:" + sa.NormalizeEmail(email) }

// =============================================================================
// AccountLinkStore
// =============================================================================

func (s *Store) FindLink(ctx context.Context, provider, externalID string) (*sa.AccountLink, error) {
	data, err := s.client.Get(ctx, s.linkKey(provider, externalID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sa.ErrLinkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get link: %w", err)
	}
	link, err := decodeLink(data)
	if err != nil {
		return nil, err
	}
	if !link.Is(provider, externalID) {
		return nil, sa.ErrLinkNotFound
	}
	return link, nil
}

func (s *Store) CreateLink(ctx context.Context, userID, provider, externalID string) (*sa.AccountLink, error) {
	link := &sa.AccountLink{
		ID:         uuid.NewString(),
		UserID:     userID,
		Provider:   provider,
		ExternalID: externalID,
		CreatedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(link)
	if err != nil {
		return nil, err
	}

	key := s.linkKey(provider, externalID)
	ok, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx link: %w", err)
	}
	if !ok {
		return nil, sa.ErrDuplicateLink
	}
	if err := s.client.SAdd(ctx, s.userLinksKey(userID), key).Err(); err != nil {
		return nil, fmt.Errorf("redis index link: %w", err)
	}
	return link, nil
}

func (s *Store) GetUserLinks(ctx context.Context, userID string) ([]*sa.AccountLink, error) {
	keys, err := s.client.SMembers(ctx, s.userLinksKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list user links: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get user links: %w", err)
	}

	links := make([]*sa.AccountLink, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue // deleted since SMEMBERS
		}
		link, err := decodeLink([]byte(str))
		if err != nil {
			return nil, err
		}
		if link.UserID == userID {
			links = append(links, link)
		}
	}
	sort.Slice(links, func(i, j int) bool { return links[i].CreatedAt.Before(links[j].CreatedAt) })
	return links, nil
}

func (s *Store) DeleteLink(ctx context.Context, provider, externalID string) error {
	link, err := s.FindLink(ctx, provider, externalID)
	if err != nil {
		return err
	}
	key := s.linkKey(provider, externalID)
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis delete link: %w", err)
	}
	if n == 0 {
		return sa.ErrLinkNotFound
	}
	if err := s.client.SRem(ctx, s.userLinksKey(link.UserID), key).Err(); err != nil {
		return fmt.Errorf("redis unindex link: %w", err)
	}
	return nil
}

func decodeLink(data []byte) (*sa.AccountLink, error) {
	var link sa.AccountLink
	if err := json.Unmarshal(data, &link); err != nil {
		return nil, fmt.Errorf("decode link: %w", err)
	}
	return &link, nil
}

// =============================================================================
// UserDirectory
// =============================================================================

func (s *Store) FindUserByEmail(ctx context.Context, email string) (sa.User, error) {
	if sa.NormalizeEmail(email) == "" {
		return nil, sa.ErrUserNotFound
	}
	userID, err := s.client.Get(ctx, s.emailKey(email)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, sa.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get email: %w", err)
	}
	return s.loadUser(ctx, userID)
}

func (s *Store) GetUserById(ctx context.Context, userID string) (sa.User, error) {
	return s.loadUser(ctx, userID)
}

// CreateUser writes the user before claiming the email so a claimed email
// always resolves to a stored user.
func (s *Store) CreateUser(ctx context.Context, attrs sa.UserAttributes) (sa.User, error) {
	user := sa.NewBasicUser(uuid.NewString(), attrs)
	data, err := json.Marshal(user)
	if err != nil {
		return nil, err
	}
	if err := s.client.Set(ctx, s.userKey(user.UserID), data, 0).Err(); err != nil {
		return nil, fmt.Errorf("redis set user: %w", err)
	}
	if sa.NormalizeEmail(attrs.Email) == "" {
		return user, nil
	}

	ok, err := s.client.SetNX(ctx, s.emailKey(attrs.Email), user.UserID, 0).Result()
	if err != nil || !ok {
		s.client.Del(ctx, s.userKey(user.UserID))
	}
	if err != nil {
		return nil, fmt.Errorf("redis setnx email: %w", err)
	}
	if !ok {
		return nil, sa.ErrDuplicateEmail
	}
	return user, nil
}

// MarkEmailVerified uses WATCH so concurrent updates to the user are not lost
func (s *Store) MarkEmailVerified(ctx context.Context, userID string, at time.Time) error {
	key := s.userKey(userID)
	update := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return sa.ErrUserNotFound
		}
		if err != nil {
			return err
		}
		var user sa.BasicUser
		if err := json.Unmarshal(data, &user); err != nil {
			return fmt.Errorf("decode user: %w", err)
		}
		if user.EmailVerifiedAt != nil {
			return nil
		}
		at = at.UTC()
		user.EmailVerifiedAt = &at
		updated, err := json.Marshal(&user)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	for range 5 {
		err := s.client.Watch(ctx, update, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("mark email verified for %s: too much contention", userID)
}

func (s *Store) loadUser(ctx context.Context, userID string) (*sa.BasicUser, error) {
	if userID == "" {
		return nil, sa.ErrUserNotFound
	}
	data, err := s.client.Get(ctx, s.userKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sa.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get user: %w", err)
	}
	var user sa.BasicUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return &user, nil
}
