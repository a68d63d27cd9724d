package history

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
	"tiwut/internal/backend"
	"tiwut/internal/models"
	"tiwut/internal/stubs"

	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Loader, *stubs.Backend, string) {
	t.Helper()
	fake := stubs.New()
	t.Cleanup(fake.Close)

	bc, err := backend.NewClient(fake.ClientConfig())
	require.NoError(t, err)

	acc := fake.AddAccount("a@"+stubs.EmailDomain, "secret1", "A")
	return NewLoader(bc), fake, fake.IssueIDToken(acc)
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("Messages", func(t *testing.T) {
		l, fake, token := setup(t)
		k1 := fake.AddMessage("general", "Alice", "hi", 1000)
		k2 := fake.AddMessage("general", "Bob", "hey", 2000)

		messages, err := l.Load(ctx, "general", token)
		require.NoError(t, err)
		require.Len(t, messages, 2)
		require.Equal(t, models.Message{ID: k1, SenderName: "Alice", Text: "hi", Timestamp: 1000}, messages[k1])
		require.Equal(t, int64(2000), messages[k2].Timestamp)
	})

	t.Run("EmptyRoom", func(t *testing.T) {
		l, _, token := setup(t)

		messages, err := l.Load(ctx, "empty", token)
		require.NoError(t, err)
		require.NotNil(t, messages)
		require.Empty(t, messages)
	})

	t.Run("Unauthorized", func(t *testing.T) {
		l, _, _ := setup(t)

		_, err := l.Load(ctx, "general", "bogus")
		var authErr *backend.AuthError
		require.True(t, errors.As(err, &authErr))
	})
}

func TestLoadAsync(t *testing.T) {
	ctx := context.Background()

	t.Run("Loaded", func(t *testing.T) {
		l, fake, token := setup(t)
		fake.AddMessage("general", "Alice", "hi", 1000)

		var loaded, failed atomic.Int32
		task := l.LoadAsync(ctx, "general", token,
			func(m map[string]models.Message) {
				require.Len(t, m, 1)
				loaded.Add(1)
			},
			func(error) { failed.Add(1) },
		)
		task.Wait()

		require.Equal(t, int32(1), loaded.Load())
		require.Equal(t, int32(0), failed.Load())
	})

	t.Run("Error", func(t *testing.T) {
		l, fake, token := setup(t)
		fake.FailNext("GET chats/general/messages", http.StatusInternalServerError, "boom")

		var loaded, failed atomic.Int32
		task := l.LoadAsync(ctx, "general", token,
			func(map[string]models.Message) { loaded.Add(1) },
			func(err error) {
				msg, _ := backend.AuthMessage(err)
				require.Equal(t, "boom", msg)
				failed.Add(1)
			},
		)
		task.Wait()

		require.Equal(t, int32(0), loaded.Load())
		require.Equal(t, int32(1), failed.Load())
	})

	t.Run("CancelSuppressesCallbacks", func(t *testing.T) {
		started := make(chan struct{})
		l := NewLoader(blockingBackend{started: started})

		var calls atomic.Int32
		task := l.LoadAsync(ctx, "general", "tok",
			func(map[string]models.Message) { calls.Add(1) },
			func(error) { calls.Add(1) },
		)

		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("load did not start")
		}
		task.Cancel()
		task.Cancel()

		require.Equal(t, int32(0), calls.Load())
	})
}

// blockingBackend blocks every Get until its context is done.
type blockingBackend struct {
	started chan struct{}
}

func (b blockingBackend) Get(ctx context.Context, path, token string, query url.Values, out any) error {
	close(b.started)
	<-ctx.Done()
	return &backend.NetworkError{Op: "GET " + path, Err: ctx.Err()}
}
