// Package storetest holds the behavior every link store and user directory
// backend must share. Backend tests call Run with a factory for fresh stores.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sa "github.com/panyam/socialauth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Stores is what a backend factory returns. Tx is optional.
type Stores struct {
	Links sa.AccountLinkStore
	Users sa.UserDirectory
	Tx    sa.TxRunner
}

// Factory returns empty stores, registering any cleanup on t
type Factory func(t *testing.T) Stores

// Concurrency is the number of goroutines used by the race tests
var Concurrency = 8

// Run executes the shared suite as subtests of t
func Run(t *testing.T, newStores Factory) {
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStores(t)) })
	t.Run("CreateAndFindUser", func(t *testing.T) { testCreateAndFindUser(t, newStores(t)) })
	t.Run("DuplicateEmail", func(t *testing.T) { testDuplicateEmail(t, newStores(t)) })
	t.Run("UsersWithoutEmail", func(t *testing.T) { testUsersWithoutEmail(t, newStores(t)) })
	t.Run("CreateAndFindLink", func(t *testing.T) { testCreateAndFindLink(t, newStores(t)) })
	t.Run("DuplicateLink", func(t *testing.T) { testDuplicateLink(t, newStores(t)) })
	t.Run("SeparatorInPair", func(t *testing.T) { testSeparatorInPair(t, newStores(t)) })
	t.Run("UserLinksAndDelete", func(t *testing.T) { testUserLinksAndDelete(t, newStores(t)) })
	t.Run("ConcurrentCreateLink", func(t *testing.T) { testConcurrentCreateLink(t, newStores(t)) })
	t.Run("ConcurrentCreateUser", func(t *testing.T) { testConcurrentCreateUser(t, newStores(t)) })
	t.Run("MarkEmailVerified", func(t *testing.T) { testMarkEmailVerified(t, newStores(t)) })
	t.Run("ConcurrentReconcile", func(t *testing.T) { testConcurrentReconcile(t, newStores(t)) })
	t.Run("TransactionRollback", func(t *testing.T) { testTransactionRollback(t, newStores(t)) })
}

func testNotFound(t *testing.T, s Stores) {
	ctx := context.Background()

	_, err := s.Links.FindLink(ctx, "github", "nobody")
	assert.ErrorIs(t, err, sa.ErrLinkNotFound)

	_, err = s.Users.GetUserById(ctx, "no-such-user")
	assert.ErrorIs(t, err, sa.ErrUserNotFound)

	_, err = s.Users.FindUserByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, sa.ErrUserNotFound)

	assert.ErrorIs(t, s.Links.DeleteLink(ctx, "github", "nobody"), sa.ErrLinkNotFound)

	links, err := s.Links.GetUserLinks(ctx, "no-such-user")
	require.NoError(t, err)
	assert.Empty(t, links)
}

func testCreateAndFindUser(t *testing.T, s Stores) {
	ctx := context.Background()

	created, err := s.Users.CreateUser(ctx, sa.UserAttributes{
		Email:       "Ann@Example.com",
		DisplayName: "Ann",
		AvatarURL:   "https://example.com/ann.png",
		Handle:      "ann",
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.Id())
	assert.Equal(t, "Ann@Example.com", created.Email())

	byEmail, err := s.Users.FindUserByEmail(ctx, "  ann@example.COM ")
	require.NoError(t, err)
	assert.Equal(t, created.Id(), byEmail.Id())

	byID, err := s.Users.GetUserById(ctx, created.Id())
	require.NoError(t, err)
	assert.Equal(t, created.Id(), byID.Id())
	assert.Equal(t, "Ann", byID.Profile()["name"])
	assert.Equal(t, "ann", byID.Profile()["username"])
	assert.Equal(t, "https://example.com/ann.png", byID.Profile()["avatar_url"])
}

func testDuplicateEmail(t *testing.T, s Stores) {
	ctx := context.Background()

	first, err := s.Users.CreateUser(ctx, sa.UserAttributes{Email: "ann@example.com"})
	require.NoError(t, err)

	_, err = s.Users.CreateUser(ctx, sa.UserAttributes{Email: "ANN@example.com"})
	assert.ErrorIs(t, err, sa.ErrDuplicateEmail)

	found, err := s.Users.FindUserByEmail(ctx, "ann@example.com")
	require.NoError(t, err)
	assert.Equal(t, first.Id(), found.Id())
}

func testUsersWithoutEmail(t *testing.T, s Stores) {
	ctx := context.Background()

	a, err := s.Users.CreateUser(ctx, sa.UserAttributes{Handle: "a"})
	require.NoError(t, err)
	b, err := s.Users.CreateUser(ctx, sa.UserAttributes{Handle: "b"})
	require.NoError(t, err)
	assert.NotEqual(t, a.Id(), b.Id())
	assert.Empty(t, a.Email())

	_, err = s.Users.FindUserByEmail(ctx, "")
	assert.ErrorIs(t, err, sa.ErrUserNotFound)
}

func testCreateAndFindLink(t *testing.T, s Stores) {
	ctx := context.Background()
	user := mustCreateUser(t, s, "ann@example.com")

	link, err := s.Links.CreateLink(ctx, user.Id(), "github", "42")
	require.NoError(t, err)
	assert.NotEmpty(t, link.ID)
	assert.Equal(t, user.Id(), link.UserID)
	assert.Equal(t, "github", link.Provider)
	assert.Equal(t, "42", link.ExternalID)
	assert.False(t, link.CreatedAt.IsZero())

	found, err := s.Links.FindLink(ctx, "github", "42")
	require.NoError(t, err)
	assert.Equal(t, user.Id(), found.UserID)
	assert.Equal(t, link.ID, found.ID)

	// the pair is the identity, not either half
	_, err = s.Links.FindLink(ctx, "google", "42")
	assert.ErrorIs(t, err, sa.ErrLinkNotFound)
	_, err = s.Links.FindLink(ctx, "github", "43")
	assert.ErrorIs(t, err, sa.ErrLinkNotFound)
}

func testDuplicateLink(t *testing.T, s Stores) {
	ctx := context.Background()
	ann := mustCreateUser(t, s, "ann@example.com")
	bob := mustCreateUser(t, s, "bob@example.com")

	_, err := s.Links.CreateLink(ctx, ann.Id(), "github", "42")
	require.NoError(t, err)

	_, err = s.Links.CreateLink(ctx, ann.Id(), "github", "42")
	assert.ErrorIs(t, err, sa.ErrDuplicateLink)
	_, err = s.Links.CreateLink(ctx, bob.Id(), "github", "42")
	assert.ErrorIs(t, err, sa.ErrDuplicateLink)

	// same external id at another provider is a different identity
	_, err = s.Links.CreateLink(ctx, bob.Id(), "google", "42")
	require.NoError(t, err)

	found, err := s.Links.FindLink(ctx, "github", "42")
	require.NoError(t, err)
	assert.Equal(t, ann.Id(), found.UserID)
}

// pairs that only differ in where a ':' falls are different identities
func testSeparatorInPair(t *testing.T, s Stores) {
	ctx := context.Background()
	ann := mustCreateUser(t, s, "ann@example.com")
	bob := mustCreateUser(t, s, "bob@example.com")

	annLink, err := s.Links.CreateLink(ctx, ann.Id(), "corp", "saml:alice")
	require.NoError(t, err)
	bobLink, err := s.Links.CreateLink(ctx, bob.Id(), "corp:saml", "alice")
	require.NoError(t, err)
	assert.NotEqual(t, annLink.ID, bobLink.ID)

	found, err := s.Links.FindLink(ctx, "corp", "saml:alice")
	require.NoError(t, err)
	assert.Equal(t, ann.Id(), found.UserID)
	assert.Equal(t, "corp", found.Provider)
	assert.Equal(t, "saml:alice", found.ExternalID)

	found, err = s.Links.FindLink(ctx, "corp:saml", "alice")
	require.NoError(t, err)
	assert.Equal(t, bob.Id(), found.UserID)
	assert.Equal(t, "corp:saml", found.Provider)
	assert.Equal(t, "alice", found.ExternalID)

	require.NoError(t, s.Links.DeleteLink(ctx, "corp:saml", "alice"))
	_, err = s.Links.FindLink(ctx, "corp", "saml:alice")
	assert.NoError(t, err)
}

func testUserLinksAndDelete(t *testing.T, s Stores) {
	ctx := context.Background()
	ann := mustCreateUser(t, s, "ann@example.com")
	bob := mustCreateUser(t, s, "bob@example.com")

	_, err := s.Links.CreateLink(ctx, ann.Id(), "github", "1")
	require.NoError(t, err)
	_, err = s.Links.CreateLink(ctx, ann.Id(), "google", "g-1")
	require.NoError(t, err)
	_, err = s.Links.CreateLink(ctx, bob.Id(), "github", "2")
	require.NoError(t, err)

	links, err := s.Links.GetUserLinks(ctx, ann.Id())
	require.NoError(t, err)
	providers := map[string]string{}
	for _, l := range links {
		assert.Equal(t, ann.Id(), l.UserID)
		providers[l.Provider] = l.ExternalID
	}
	assert.Equal(t, map[string]string{"github": "1", "google": "g-1"}, providers)

	require.NoError(t, s.Links.DeleteLink(ctx, "github", "1"))
	_, err = s.Links.FindLink(ctx, "github", "1")
	assert.ErrorIs(t, err, sa.ErrLinkNotFound)
	assert.ErrorIs(t, s.Links.DeleteLink(ctx, "github", "1"), sa.ErrLinkNotFound)

	links, err = s.Links.GetUserLinks(ctx, ann.Id())
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "google", links[0].Provider)

	// an unlinked identity can be linked again
	_, err = s.Links.CreateLink(ctx, bob.Id(), "github", "1")
	require.NoError(t, err)
}

func testConcurrentCreateLink(t *testing.T, s Stores) {
	ctx := context.Background()
	users := make([]sa.User, Concurrency)
	for i := range users {
		users[i] = mustCreateUser(t, s, fmt.Sprintf("u%d@example.com", i))
	}

	var wg sync.WaitGroup
	errs := make([]error, Concurrency)
	for i := range Concurrency {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Links.CreateLink(ctx, users[i].Id(), "github", "race")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, sa.ErrDuplicateLink)
		}
	}
	assert.Equal(t, 1, winners)
}

func testConcurrentCreateUser(t *testing.T, s Stores) {
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, Concurrency)
	for i := range Concurrency {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Users.CreateUser(ctx, sa.UserAttributes{Email: "race@example.com"})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, sa.ErrDuplicateEmail)
		}
	}
	assert.Equal(t, 1, winners)
}

func testMarkEmailVerified(t *testing.T, s Stores) {
	verifier, ok := s.Users.(sa.EmailVerifier)
	if !ok {
		t.Skip("directory does not record email verification")
	}
	ctx := context.Background()
	user := mustCreateUser(t, s, "ann@example.com")

	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, verifier.MarkEmailVerified(ctx, user.Id(), first))
	require.NoError(t, verifier.MarkEmailVerified(ctx, user.Id(), first.Add(time.Hour)))

	got, err := s.Users.GetUserById(ctx, user.Id())
	require.NoError(t, err)
	at, ok := got.Profile()["email_verified_at"].(time.Time)
	require.True(t, ok, "email_verified_at should be set")
	assert.True(t, at.Equal(first), "first verification time kept, got %v", at)

	assert.ErrorIs(t, verifier.MarkEmailVerified(ctx, "no-such-user", first), sa.ErrUserNotFound)
}

func testConcurrentReconcile(t *testing.T, s Stores) {
	r, err := sa.NewReconciler(sa.ReconcilerConfig{Links: s.Links, Users: s.Users, Tx: s.Tx})
	require.NoError(t, err)

	assertion := &sa.IdentityAssertion{Provider: "github", ExternalID: "777", Email: "race@example.com"}
	var wg sync.WaitGroup
	ids := make([]string, Concurrency)
	errs := make([]error, Concurrency)
	for i := range Concurrency {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user, err := r.Reconcile(context.Background(), assertion)
			errs[i] = err
			if err == nil {
				ids[i] = user.Id()
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "reconcile %d", i)
		assert.Equal(t, ids[0], ids[i])
	}

	link, err := s.Links.FindLink(context.Background(), "github", "777")
	require.NoError(t, err)
	assert.Equal(t, ids[0], link.UserID)

	owner, err := s.Users.FindUserByEmail(context.Background(), "race@example.com")
	require.NoError(t, err)
	assert.Equal(t, ids[0], owner.Id())
}

var errAbort = errors.New("abort")

func testTransactionRollback(t *testing.T, s Stores) {
	if s.Tx == nil {
		t.Skip("backend has no spanning transaction")
	}
	ctx := context.Background()

	err := s.Tx.RunInTransaction(ctx, func(ctx context.Context, links sa.AccountLinkStore, users sa.UserDirectory) error {
		user, err := users.CreateUser(ctx, sa.UserAttributes{Email: "tx@example.com"})
		if err != nil {
			return err
		}
		if _, err := links.CreateLink(ctx, user.Id(), "github", "tx"); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	_, err = s.Users.FindUserByEmail(ctx, "tx@example.com")
	assert.ErrorIs(t, err, sa.ErrUserNotFound)
	_, err = s.Links.FindLink(ctx, "github", "tx")
	assert.ErrorIs(t, err, sa.ErrLinkNotFound)

	var userID string
	err = s.Tx.RunInTransaction(ctx, func(ctx context.Context, links sa.AccountLinkStore, users sa.UserDirectory) error {
		user, err := users.CreateUser(ctx, sa.UserAttributes{Email: "tx@example.com"})
		if err != nil {
			return err
		}
		userID = user.Id()
		_, err = links.CreateLink(ctx, user.Id(), "github", "tx")
		return err
	})
	require.NoError(t, err)

	link, err := s.Links.FindLink(ctx, "github", "tx")
	require.NoError(t, err)
	assert.Equal(t, userID, link.UserID)
}

func mustCreateUser(t *testing.T, s Stores, email string) sa.User {
	t.Helper()
	user, err := s.Users.CreateUser(context.Background(), sa.UserAttributes{Email: email})
	require.NoError(t, err)
	return user
}
