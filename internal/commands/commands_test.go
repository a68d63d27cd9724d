package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"tiwut/internal/app"
	"tiwut/internal/controller"
	"tiwut/internal/stubs"

	"github.com/stretchr/testify/require"
)

const timeout = 2 * time.Second

// syncBuffer is written by stream workers and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func setup(t *testing.T) (*controller.Controller, *stubs.Backend) {
	t.Helper()
	fake := stubs.New()
	t.Cleanup(fake.Close)
	fake.AddAccount("alice@"+stubs.EmailDomain, "secret1", "Alice")
	fake.AddRoom("general", "General")
	fake.AddRoom("afk", "Away")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c, err := app.New(ctx, fake.Config(filepath.Join(t.TempDir(), "session")))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, fake
}

func TestLoginLogout(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()
	var out bytes.Buffer

	err := Login(ctx, c, "alice", "wrong1", &out)
	require.ErrorContains(t, err, "login failed")

	require.NoError(t, Login(ctx, c, "alice", "secret1", &out))
	require.Equal(t, "Logged in as Alice\n", out.String())

	out.Reset()
	require.NoError(t, Logout(c, &out))
	require.Equal(t, "Logged out\n", out.String())
	_, ok := c.Session()
	require.False(t, ok)
}

func TestRegister(t *testing.T) {
	c, fake := setup(t)
	ctx := context.Background()
	var out bytes.Buffer

	require.NoError(t, Register(ctx, c, "Bob", "bob", "secret2", &out))
	require.Equal(t, "Registration successful.\n", out.String())

	err := Register(ctx, c, "Bob", "bob", "secret2", &out)
	require.ErrorContains(t, err, "registration failed")
	require.Equal(t, 1, fake.Calls("signUp"))

	err = Register(ctx, c, "Carol", "c.d", "secret3", &out)
	require.Error(t, err)
	require.Equal(t, 1, fake.Calls("signUp"))
}

func TestRooms(t *testing.T) {
	c, _ := setup(t)
	var out bytes.Buffer

	require.NoError(t, Rooms(context.Background(), c, &out))
	require.Equal(t, "afk\tAway\ngeneral\tGeneral\n", out.String())
}

func TestSendAndTail(t *testing.T) {
	c, fake := setup(t)
	fake.AddMessage("general", "Bob", "before", 1000)
	require.NoError(t, Login(context.Background(), c, "alice", "secret1", &bytes.Buffer{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- Tail(ctx, c, "general", time.UTC, out) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[00:00:01] Bob: before") && fake.ActiveStreams() == 1
	}, timeout, 10*time.Millisecond)

	require.NoError(t, Send(context.Background(), c, "general", "live one"))
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Alice: live one")
	}, timeout, 10*time.Millisecond)

	require.ErrorContains(t, Send(context.Background(), c, "general", "   "), "failed to send")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(timeout):
		t.Fatal("Tail did not return after cancel")
	}
}

func TestTailStreamError(t *testing.T) {
	c, fake := setup(t)
	require.NoError(t, Login(context.Background(), c, "alice", "secret1", &bytes.Buffer{}))

	done := make(chan error, 1)
	go func() { done <- Tail(context.Background(), c, "general", time.UTC, &syncBuffer{}) }()

	require.Eventually(t, func() bool { return fake.ActiveStreams() == 1 }, timeout, 10*time.Millisecond)
	fake.DropStreams()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(timeout):
		t.Fatal("Tail did not report the stream failure")
	}
}

func TestTailNotLoggedIn(t *testing.T) {
	c, _ := setup(t)
	err := Tail(context.Background(), c, "general", time.UTC, &syncBuffer{})
	require.ErrorIs(t, err, controller.ErrNotLoggedIn)
}

func TestReadPassword(t *testing.T) {
	t.Run("Env", func(t *testing.T) {
		t.Setenv(PasswordEnv, "from-env")
		pw, err := ReadPassword("Password: ", os.Stdin, &bytes.Buffer{})
		require.NoError(t, err)
		require.Equal(t, "from-env", pw)
	})

	t.Run("Pipe", func(t *testing.T) {
		r, w, err := os.Pipe()
		require.NoError(t, err)
		defer r.Close()
		_, err = w.WriteString("piped-secret\r\n")
		require.NoError(t, err)
		require.NoError(t, w.Close())

		var prompt bytes.Buffer
		pw, err := ReadPassword("Password: ", r, &prompt)
		require.NoError(t, err)
		require.Equal(t, "piped-secret", pw)
		require.Equal(t, "Password: ", prompt.String())
	})

	t.Run("TwoPrompts", func(t *testing.T) {
		r, w, err := os.Pipe()
		require.NoError(t, err)
		defer r.Close()
		_, err = w.WriteString("first\nsecond\n")
		require.NoError(t, err)
		require.NoError(t, w.Close())

		first, err := ReadPassword("Password: ", r, &bytes.Buffer{})
		require.NoError(t, err)
		second, err := ReadPassword("Confirm password: ", r, &bytes.Buffer{})
		require.NoError(t, err)
		require.Equal(t, []string{"first", "second"}, []string{first, second})
	})

	t.Run("NoInput", func(t *testing.T) {
		r, w, err := os.Pipe()
		require.NoError(t, err)
		defer r.Close()
		require.NoError(t, w.Close())

		_, err = ReadPassword("Password: ", r, &bytes.Buffer{})
		require.Error(t, err)
	})
}
