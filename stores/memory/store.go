// Package memory keeps account links and users in process memory.
// Useful for tests and single process deployments.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	sa "github.com/panyam/socialauth"
)

// Store is both an AccountLinkStore and a UserDirectory. A single mutex guards
// all maps so link and email uniqueness checks are atomic with their inserts.
type Store struct {
	mu      sync.Mutex
	links   map[string]*sa.AccountLink // by LinkKey
	users   map[string]*sa.BasicUser   // by id
	byEmail map[string]string          // normalized email -> user id
}

var (
	_ sa.AccountLinkStore = (*Store)(nil)
	_ sa.UserDirectory    = (*Store)(nil)
	_ sa.EmailVerifier    = (*Store)(nil)
)

func New() *Store {
	return &Store{
		links:   make(map[string]*sa.AccountLink),
		users:   make(map[string]*sa.BasicUser),
		byEmail: make(map[string]string),
	}
}

func (s *Store) FindLink(_ context.Context, provider, externalID string) (*sa.AccountLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[sa.LinkKey(provider, externalID)]
	if !ok || !link.Is(provider, externalID) {
		return nil, sa.ErrLinkNotFound
	}
	out := *link
	return &out, nil
}

func (s *Store) CreateLink(_ context.Context, userID, provider, externalID string) (*sa.AccountLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sa.LinkKey(provider, externalID)
	if _, exists := s.links[key]; exists {
		return nil, sa.ErrDuplicateLink
	}
	link := &sa.AccountLink{
		ID:         uuid.NewString(),
		UserID:     userID,
		Provider:   provider,
		ExternalID: externalID,
		CreatedAt:  time.Now().UTC(),
	}
	s.links[key] = link
	out := *link
	return &out, nil
}

func (s *Store) GetUserLinks(_ context.Context, userID string) ([]*sa.AccountLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*sa.AccountLink
	for _, link := range s.links {
		if link.UserID == userID {
			l := *link
			out = append(out, &l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteLink(_ context.Context, provider, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sa.LinkKey(provider, externalID)
	if _, ok := s.links[key]; !ok {
		return sa.ErrLinkNotFound
	}
	delete(s.links, key)
	return nil
}

func (s *Store) FindUserByEmail(_ context.Context, email string) (sa.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[sa.NormalizeEmail(email)]
	if !ok {
		return nil, sa.ErrUserNotFound
	}
	return s.copyUser(id)
}

func (s *Store) GetUserById(_ context.Context, userID string) (sa.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyUser(userID)
}

func (s *Store) CreateUser(_ context.Context, attrs sa.UserAttributes) (sa.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	emailKey := sa.NormalizeEmail(attrs.Email)
	if emailKey != "" {
		if _, taken := s.byEmail[emailKey]; taken {
			return nil, sa.ErrDuplicateEmail
		}
	}
	attrs.Extra = maps.Clone(attrs.Extra)
	user := sa.NewBasicUser(uuid.NewString(), attrs)
	s.users[user.UserID] = user
	if emailKey != "" {
		s.byEmail[emailKey] = user.UserID
	}
	return s.copyUser(user.UserID)
}

func (s *Store) MarkEmailVerified(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return sa.ErrUserNotFound
	}
	if user.EmailVerifiedAt == nil {
		user.EmailVerifiedAt = &at
	}
	return nil
}

// callers hold s.mu
func (s *Store) copyUser(id string) (sa.User, error) {
	user, ok := s.users[id]
	if !ok {
		return nil, sa.ErrUserNotFound
	}
	out := *user
	out.Attributes.Extra = maps.Clone(user.Attributes.Extra)
	if user.EmailVerifiedAt != nil {
		at := *user.EmailVerifiedAt
		out.EmailVerifiedAt = &at
	}
	return &out, nil
}
