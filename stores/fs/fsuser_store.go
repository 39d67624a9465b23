package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	sa "github.com/panyam/socialauth"
)

// FSUserStore is a UserDirectory storing users as JSON files.
//
// # File Structure
//
//	{StoragePath}/
//	├── users/
//	│   └── {user_id}.json        # sa.BasicUser
//	└── emails/
//	    └── {blake2b(email)}.json # {"email": "...", "user_id": "..."}
//
// # Concurrency Model
//
// Email uniqueness is enforced by creating the email index entry with
// link(2), so two processes creating a user for the same email cannot both
// succeed. The user file is written before the index entry so an indexed
// email always resolves.
type FSUserStore struct {
	StoragePath string

	// serializes read-modify-write of user files within this process
	mu sync.Mutex
}

type emailEntry struct {
	Email  string `json:"email"`
	UserID string `json:"user_id"`
}

var (
	_ sa.UserDirectory = (*FSUserStore)(nil)
	_ sa.EmailVerifier = (*FSUserStore)(nil)
)

func NewFSUserStore(storagePath string) *FSUserStore {
	return &FSUserStore{StoragePath: storagePath}
}

func (s *FSUserStore) getUserPath(userId string) string {
	return filepath.Join(s.StoragePath, "users", userId+".json")
}

func (s *FSUserStore) getEmailPath(email string) string {
	return filepath.Join(s.StoragePath, "emails", hashedName(sa.NormalizeEmail(email)))
}

func (s *FSUserStore) CreateUser(_ context.Context, attrs sa.UserAttributes) (sa.User, error) {
	user := sa.NewBasicUser(uuid.NewString(), attrs)
	path := s.getUserPath(user.UserID)
	if err := s.saveUser(user); err != nil {
		return nil, err
	}

	if sa.NormalizeEmail(attrs.Email) == "" {
		return user, nil
	}
	data, err := json.Marshal(emailEntry{Email: sa.NormalizeEmail(attrs.Email), UserID: user.UserID})
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	if err := createExclusive(s.getEmailPath(attrs.Email), data); err != nil {
		os.Remove(path)
		if errors.Is(err, os.ErrExist) {
			return nil, sa.ErrDuplicateEmail
		}
		return nil, err
	}
	return user, nil
}

func (s *FSUserStore) GetUserById(_ context.Context, userId string) (sa.User, error) {
	return s.loadUser(userId)
}

func (s *FSUserStore) FindUserByEmail(_ context.Context, email string) (sa.User, error) {
	if sa.NormalizeEmail(email) == "" {
		return nil, sa.ErrUserNotFound
	}
	data, err := os.ReadFile(s.getEmailPath(email))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, sa.ErrUserNotFound
		}
		return nil, err
	}
	var entry emailEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("corrupt email index for %s: %w", email, err)
	}
	return s.loadUser(entry.UserID)
}

func (s *FSUserStore) MarkEmailVerified(_ context.Context, userId string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, err := s.loadUser(userId)
	if err != nil {
		return err
	}
	if user.EmailVerifiedAt != nil {
		return nil
	}
	at = at.UTC()
	user.EmailVerifiedAt = &at
	return s.saveUser(user)
}

func (s *FSUserStore) loadUser(userId string) (*sa.BasicUser, error) {
	if !safeID(userId) {
		return nil, sa.ErrUserNotFound
	}
	data, err := os.ReadFile(s.getUserPath(userId))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, sa.ErrUserNotFound
		}
		return nil, err
	}

	var user sa.BasicUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *FSUserStore) saveUser(user *sa.BasicUser) error {
	data, err := json.MarshalIndent(user, "", "  ")
	if err != nil {
		return err
	}
	path := s.getUserPath(user.UserID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return writeAtomicFile(path, data)
}
