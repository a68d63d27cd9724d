package rooms

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
	"tiwut/internal/backend"
	"tiwut/internal/stubs"

	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, ttl time.Duration) (*Client, *stubs.Backend) {
	t.Helper()
	fake := stubs.New()
	t.Cleanup(fake.Close)

	bc, err := backend.NewClient(fake.ClientConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewClient(ctx, bc, ttl), fake
}

func TestListRooms(t *testing.T) {
	ctx := context.Background()

	t.Run("Anonymous", func(t *testing.T) {
		c, fake := setup(t, 0)
		fake.AddRoom("general", "General")
		fake.AddRoom("random", "Random")

		rooms := c.ListRooms(ctx, "")
		require.Len(t, rooms, 2)
		require.Equal(t, "general", rooms["general"].ID)
		require.Equal(t, "General", rooms["general"].Name)
		require.Equal(t, 1, fake.Calls("GET chatrooms"))
	})

	t.Run("FailureYieldsEmpty", func(t *testing.T) {
		c, fake := setup(t, 0)
		fake.AddRoom("general", "General")
		fake.FailNext("GET chatrooms", http.StatusInternalServerError, "boom")

		rooms := c.ListRooms(ctx, "")
		require.NotNil(t, rooms)
		require.Empty(t, rooms)
	})

	t.Run("NoRooms", func(t *testing.T) {
		c, _ := setup(t, 0)
		rooms := c.ListRooms(ctx, "")
		require.NotNil(t, rooms)
		require.Empty(t, rooms)
	})

	t.Run("CachedPerAuthMode", func(t *testing.T) {
		c, fake := setup(t, time.Minute)
		fake.AddRoom("general", "General")
		acc := fake.AddAccount("a@"+stubs.EmailDomain, "secret1", "A")
		token := fake.IssueIDToken(acc)

		require.Len(t, c.ListRooms(ctx, ""), 1)
		fake.AddRoom("late", "Late")
		require.Len(t, c.ListRooms(ctx, ""), 1, "fresh cache entry must be served")
		require.Equal(t, 1, fake.Calls("GET chatrooms"))

		require.Len(t, c.ListRooms(ctx, token), 2, "authenticated listing is cached separately")
		require.Equal(t, 2, fake.Calls("GET chatrooms"))

		c.Invalidate()
		require.Len(t, c.ListRooms(ctx, ""), 2)
		require.Equal(t, 3, fake.Calls("GET chatrooms"))
	})

	t.Run("CallerCannotMutateCache", func(t *testing.T) {
		c, fake := setup(t, time.Minute)
		fake.AddRoom("general", "General")

		rooms := c.ListRooms(ctx, "")
		delete(rooms, "general")
		require.Len(t, c.ListRooms(ctx, ""), 1)
	})
}

func TestSendMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("NotLoggedIn", func(t *testing.T) {
		c, fake := setup(t, 0)
		require.ErrorIs(t, c.SendMessage(ctx, "", "Alice", "general", "hi"), ErrNotLoggedIn)
		require.ErrorIs(t, c.SendMessage(ctx, "tok", "", "general", "hi"), ErrNotLoggedIn)
		require.Equal(t, 0, fake.Calls("POST chats/general/messages"))
	})

	t.Run("ServerTimestamp", func(t *testing.T) {
		c, fake := setup(t, 0)
		now := time.UnixMilli(1_700_000_000_000)
		fake.SetNow(func() time.Time { return now })
		acc := fake.AddAccount("a@"+stubs.EmailDomain, "secret1", "Alice")

		require.NoError(t, c.SendMessage(ctx, fake.IssueIDToken(acc), "Alice", "general", "hello"))

		messages, ok := fake.Node("chats/general/messages").(map[string]any)
		require.True(t, ok)
		require.Len(t, messages, 1)
		for _, v := range messages {
			msg := v.(map[string]any)
			require.Equal(t, "Alice", msg["username"])
			require.Equal(t, "hello", msg["text"])
			require.Equal(t, float64(now.UnixMilli()), msg["timestamp"])
		}
	})

	t.Run("Rejected", func(t *testing.T) {
		c, _ := setup(t, 0)
		err := c.SendMessage(ctx, "revoked", "Alice", "general", "hello")

		var authErr *backend.AuthError
		require.True(t, errors.As(err, &authErr))
		require.Equal(t, "Permission denied", authErr.Message)
	})
}
