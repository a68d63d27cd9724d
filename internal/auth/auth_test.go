package auth

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"
	"tiwut/internal/backend"
	"tiwut/internal/models"
	"tiwut/internal/session"
	"tiwut/internal/stubs"
)

func TestSyntheticEmail(t *testing.T) {
	tests := []struct {
		username, domain, want string
	}{
		{"alice", "tiwut.chat", "alice@tiwut.chat"},
		{"Alice_01", "tiwut.chat", "alice_01@tiwut.chat"},
		{"BOB", "example.org", "bob@example.org"},
	}
	for _, tt := range tests {
		if got := SyntheticEmail(tt.username, tt.domain); got != tt.want {
			t.Errorf("SyntheticEmail(%q, %q) = %q, want %q", tt.username, tt.domain, got, tt.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	for _, domain := range []string{"", "a@b"} {
		cfg := Config{EmailDomain: domain}
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected error for domain %q", domain)
		}
	}
}

func TestAuthClient(t *testing.T) {
	ctx := context.Background()

	createClient := func(t *testing.T) (*Client, *stubs.Backend, *backend.Client, *session.Store) {
		fake := stubs.New()
		t.Cleanup(fake.Close)

		bc, err := backend.NewClient(fake.ClientConfig())
		if err != nil {
			t.Fatalf("Failed to create backend client: %v", err)
		}
		store := session.New(filepath.Join(t.TempDir(), "session"))

		c, err := NewClient(Config{EmailDomain: stubs.EmailDomain}, bc, store)
		if err != nil {
			t.Fatalf("Failed to create auth client: %v", err)
		}
		return c, fake, bc, store
	}

	t.Run("Login", func(t *testing.T) {
		c, fake, _, store := createClient(t)
		acc := fake.AddAccount("alice@"+stubs.EmailDomain, "secret1", "Alice")

		result, err := c.Login(ctx, "Alice", "secret1")
		if err != nil {
			t.Fatalf("Login failed: %v", err)
		}
		if result.UserID != acc.LocalID || result.DisplayName != "Alice" || result.IDToken == "" {
			t.Errorf("unexpected result %+v", result)
		}
		if result.ExpiresIn != time.Hour {
			t.Errorf("expected 1h expiry, got %v", result.ExpiresIn)
		}

		record, ok := store.Load()
		if !ok {
			t.Fatal("expected login to persist the session")
		}
		want := models.SessionRecord{RefreshToken: acc.RefreshToken, DisplayName: "Alice", UserID: acc.LocalID}
		if record != want {
			t.Errorf("stored %+v, want %+v", record, want)
		}
	})

	t.Run("LoginRejected", func(t *testing.T) {
		c, fake, _, store := createClient(t)
		fake.AddAccount("alice@"+stubs.EmailDomain, "secret1", "Alice")

		_, err := c.Login(ctx, "alice", "wrong")
		msg, ok := backend.AuthMessage(err)
		if !ok || msg != "INVALID_LOGIN_CREDENTIALS" {
			t.Errorf("expected backend message verbatim, got %v", err)
		}
		if _, ok := store.Load(); ok {
			t.Error("failed login must not persist a session")
		}
	})

	t.Run("LoginNetworkError", func(t *testing.T) {
		c, fake, _, _ := createClient(t)
		fake.Server.Close()

		if _, err := c.Login(ctx, "alice", "secret1"); !backend.IsNetworkError(err) {
			t.Errorf("expected network error, got %v", err)
		}
	})

	t.Run("Register", func(t *testing.T) {
		c, fake, _, _ := createClient(t)

		msg, err := c.Register(ctx, "Bob B.", "Bob", "secret1")
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if msg != "Registration successful." {
			t.Errorf("unexpected message %q", msg)
		}

		uid, _ := fake.Node("usernames/bob").(string)
		if uid == "" {
			t.Fatal("expected username index entry")
		}
		profile, _ := fake.Node("users/" + uid + "/profile").(map[string]any)
		if profile["displayName"] != "Bob B." {
			t.Errorf("unexpected profile %v", profile)
		}

		result, err := c.Login(ctx, "bob", "secret1")
		if err != nil {
			t.Fatalf("Login after register failed: %v", err)
		}
		if result.DisplayName != "Bob B." {
			t.Errorf("expected display name from profile update, got %q", result.DisplayName)
		}
	})

	t.Run("RegisterTakenUsername", func(t *testing.T) {
		c, fake, _, _ := createClient(t)
		fake.SetNode("usernames/carol", "someone")

		_, err := c.Register(ctx, "Carol", "Carol", "secret1")
		if !errors.Is(err, ErrUsernameTaken) {
			t.Fatalf("expected ErrUsernameTaken, got %v", err)
		}
		if n := fake.Calls("signUp"); n != 0 {
			t.Errorf("expected no signup calls, got %d", n)
		}
	})

	t.Run("RegisterFollowUpFailuresIgnored", func(t *testing.T) {
		c, fake, _, _ := createClient(t)
		fake.FailNext("update", http.StatusBadRequest, "INVALID_ID_TOKEN")
		fake.FailNext("PATCH ", http.StatusUnauthorized, "Permission denied")

		if _, err := c.Register(ctx, "Dan", "dan", "secret1"); err != nil {
			t.Fatalf("Register should succeed once signup did, got %v", err)
		}
		if n := fake.Calls("signUp"); n != 1 {
			t.Errorf("expected one signup call, got %d", n)
		}
	})

	t.Run("RegisterWeakPassword", func(t *testing.T) {
		c, _, _, _ := createClient(t)

		_, err := c.Register(ctx, "Eve", "eve", "123")
		if msg, ok := backend.AuthMessage(err); !ok || msg != "WEAK_PASSWORD : Password should be at least 6 characters" {
			t.Errorf("expected weak password error, got %v", err)
		}
	})

	t.Run("RefreshThenCall", func(t *testing.T) {
		c, fake, bc, _ := createClient(t)
		acc := fake.AddAccount("frank@"+stubs.EmailDomain, "secret1", "Frank")

		pair, err := c.Refresh(ctx, acc.RefreshToken)
		if err != nil {
			t.Fatalf("Refresh failed: %v", err)
		}
		if pair.IDToken == "" || pair.UserID != acc.LocalID || pair.ExpiresIn != time.Hour {
			t.Errorf("unexpected pair %+v", pair)
		}

		var messages map[string]models.Message
		if err := bc.Get(ctx, "chats/r1/messages", pair.IDToken, nil, &messages); err != nil {
			t.Errorf("authorized call with refreshed token failed: %v", err)
		}
	})

	t.Run("RefreshInvalid", func(t *testing.T) {
		c, _, _, store := createClient(t)
		before := models.SessionRecord{RefreshToken: "stale", DisplayName: "G", UserID: "u"}
		if err := store.Save(before); err != nil {
			t.Fatal(err)
		}

		_, err := c.Refresh(ctx, "stale")
		var authErr *backend.AuthError
		if !errors.As(err, &authErr) {
			t.Fatalf("expected AuthError, got %v", err)
		}
		if authErr.Message != "INVALID_REFRESH_TOKEN" {
			t.Errorf("unexpected message %q", authErr.Message)
		}

		after, ok := store.Load()
		if !ok || after != before {
			t.Errorf("store must be untouched, got %+v (%v)", after, ok)
		}
	})

	t.Run("RefreshConcurrent", func(t *testing.T) {
		c, fake, _, _ := createClient(t)
		acc := fake.AddAccount("gina@"+stubs.EmailDomain, "secret1", "Gina")

		var wg sync.WaitGroup
		for range 8 {
			wg.Go(func() {
				if _, err := c.Refresh(ctx, acc.RefreshToken); err != nil {
					t.Errorf("Refresh failed: %v", err)
				}
			})
		}
		wg.Wait()

		if n := fake.Calls("token"); n < 1 || n > 8 {
			t.Errorf("unexpected token call count %d", n)
		}
	})
}
