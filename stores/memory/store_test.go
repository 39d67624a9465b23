package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sa "github.com/panyam/socialauth"
	"github.com/panyam/socialauth/stores/storetest"
)

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Stores {
		s := New()
		return storetest.Stores{Links: s, Users: s}
	})
}

func TestStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := New()

	extra := map[string]any{"plan": "free"}
	created, err := s.CreateUser(ctx, sa.UserAttributes{Email: "ann@example.com", Extra: extra})
	require.NoError(t, err)
	extra["plan"] = "input"
	created.(*sa.BasicUser).Attributes.Extra["plan"] = "created"
	require.NoError(t, s.MarkEmailVerified(ctx, created.Id(), time.Unix(100, 0)))

	user, err := s.GetUserById(ctx, created.Id())
	require.NoError(t, err)
	basic := user.(*sa.BasicUser)
	basic.Attributes.Extra["plan"] = "pro"
	require.NotNil(t, basic.EmailVerifiedAt)
	*basic.EmailVerifiedAt = time.Unix(200, 0)

	again, err := s.FindUserByEmail(ctx, "ann@example.com")
	require.NoError(t, err)
	stored := again.(*sa.BasicUser)
	assert.Equal(t, "free", stored.Attributes.Extra["plan"])
	assert.Equal(t, time.Unix(100, 0), *stored.EmailVerifiedAt)
}
