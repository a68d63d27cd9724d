package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"
	"tiwut/internal/models"

	"golang.org/x/sync/singleflight"
)

const registrationSuccessMessage = "Registration successful."

var (
	ErrUsernameTaken = errors.New("username is already taken")
)

// Backend is the part of backend.Client the auth flows need.
type Backend interface {
	Identity(ctx context.Context, method string, body, out any) error
	Token(ctx context.Context, body, out any) error
	Get(ctx context.Context, path, token string, query url.Values, out any) error
	Patch(ctx context.Context, path, token string, body any) error
}

// SessionSaver receives the record of every successful login.
type SessionSaver interface {
	Save(models.SessionRecord) error
}

type Config struct {
	EmailDomain string `json:"emailDomain"`
}

func (c *Config) Validate() error {
	if c.EmailDomain == "" {
		return fmt.Errorf("email domain must not be empty")
	}
	if strings.Contains(c.EmailDomain, "@") {
		return fmt.Errorf("email domain %q must not contain '@'", c.EmailDomain)
	}
	return nil
}

// Client runs the login, registration and token refresh flows.
type Client struct {
	config  Config
	backend Backend
	store   SessionSaver
	refresh singleflight.Group
	logger  *slog.Logger
}

// NewClient creates an auth client. store may be nil, in which case
// logins are not persisted.
func NewClient(config Config, backend Backend, store SessionSaver) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		config:  config,
		backend: backend,
		store:   store,
		logger:  slog.Default(),
	}, nil
}

// SyntheticEmail maps a username onto the email the identity service
// knows the account by.
func SyntheticEmail(username, domain string) string {
	return strings.ToLower(username) + "@" + domain
}

func (c *Client) email(username string) string {
	return SyntheticEmail(username, c.config.EmailDomain)
}

type signInResponse struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	LocalID      string `json:"localId"`
	DisplayName  string `json:"displayName"`
	ExpiresIn    string `json:"expiresIn"`
}

// Login signs in with username and password and persists the session.
func (c *Client) Login(ctx context.Context, username, password string) (models.AuthResult, error) {
	var resp signInResponse
	err := c.backend.Identity(ctx, "signInWithPassword", map[string]any{
		"email":             c.email(username),
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return models.AuthResult{}, err
	}

	result := models.AuthResult{
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
		UserID:       resp.LocalID,
		DisplayName:  resp.DisplayName,
		ExpiresIn:    parseExpiresIn(resp.ExpiresIn),
	}
	if result.DisplayName == "" {
		result.DisplayName = username
	}

	if c.store != nil {
		// Failure is logged by the store; the login itself succeeded.
		_ = c.store.Save(result.Record())
	}

	c.logger.Info("Logged in", "user_id", result.UserID)
	return result, nil
}

// UsernameAvailable reports whether no account has claimed username.
func (c *Client) UsernameAvailable(ctx context.Context, username string) (bool, error) {
	var owner *string
	if err := c.backend.Get(ctx, "usernames/"+strings.ToLower(username), "", nil, &owner); err != nil {
		return false, err
	}
	return owner == nil, nil
}

// Register creates an account. The profile and username index writes
// after signup are best effort: once signup succeeded the account exists
// and their failures are only logged.
func (c *Client) Register(ctx context.Context, displayName, username, password string) (string, error) {
	available, err := c.UsernameAvailable(ctx, username)
	if err != nil {
		return "", err
	}
	if !available {
		return "", ErrUsernameTaken
	}

	var resp signInResponse
	err = c.backend.Identity(ctx, "signUp", map[string]any{
		"email":             c.email(username),
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return "", err
	}

	if err := c.UpdateProfile(ctx, resp.IDToken, displayName); err != nil {
		c.logger.Warn("Failed to set display name", "user_id", resp.LocalID, "error", err)
	}

	indexKey := "usernames/" + strings.ToLower(username)
	profileKey := "users/" + resp.LocalID + "/profile"
	updates := map[string]any{
		indexKey:   resp.LocalID,
		profileKey: map[string]string{"displayName": displayName},
	}
	if err := c.backend.Patch(ctx, "", resp.IDToken, updates); err != nil {
		c.logger.Warn("Failed to write user index", "user_id", resp.LocalID, "error", err)
	}

	c.logger.Info("Registered", "user_id", resp.LocalID)
	return registrationSuccessMessage, nil
}

// UpdateProfile sets the display name of the account behind idToken.
func (c *Client) UpdateProfile(ctx context.Context, idToken, displayName string) error {
	return c.backend.Identity(ctx, "update", map[string]any{
		"idToken":           idToken,
		"displayName":       displayName,
		"returnSecureToken": false,
	}, nil)
}

type tokenResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
	ExpiresIn    string `json:"expires_in"`
}

// Refresh exchanges a refresh token for a new id token. Concurrent calls
// with the same refresh token share one backend request. The session
// store is never touched.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (models.TokenPair, error) {
	v, err, shared := c.refresh.Do(refreshToken, func() (any, error) {
		var resp tokenResponse
		err := c.backend.Token(ctx, map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": refreshToken,
		}, &resp)
		if err != nil {
			return models.TokenPair{}, err
		}
		return models.TokenPair{
			IDToken:      resp.IDToken,
			RefreshToken: resp.RefreshToken,
			UserID:       resp.UserID,
			ExpiresIn:    parseExpiresIn(resp.ExpiresIn),
		}, nil
	})
	if err != nil {
		return models.TokenPair{}, err
	}
	if shared {
		c.logger.Debug("Joined in-flight token refresh")
	}
	return v.(models.TokenPair), nil
}

// parseExpiresIn reads the seconds-as-string lifetime the backend
// reports. Unparseable values yield zero.
func parseExpiresIn(s string) time.Duration {
	seconds, err := strconv.Atoi(s)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
