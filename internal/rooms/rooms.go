// Package rooms lists chat rooms and posts messages into them.
package rooms

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"net/url"
	"time"
	"tiwut/internal/backend"
	"tiwut/internal/models"

	"github.com/c-pro/geche"
)

var (
	ErrNotLoggedIn = errors.New("not logged in")
)

// Backend is the part of backend.Client rooms need.
type Backend interface {
	Get(ctx context.Context, path, token string, query url.Values, out any) error
	Post(ctx context.Context, path, token string, body, out any) error
}

type Client struct {
	backend Backend
	// listings caches successful room listings per auth mode; nil when
	// caching is disabled.
	listings geche.Geche[string, map[string]models.Room]
	logger   *slog.Logger
}

// NewClient creates a rooms client. A positive cacheTTL keeps room
// listings for that long; the cache is cleaned up until ctx is done.
func NewClient(ctx context.Context, backend Backend, cacheTTL time.Duration) *Client {
	c := &Client{
		backend: backend,
		logger:  slog.Default(),
	}
	if cacheTTL > 0 {
		c.listings = geche.NewMapTTLCache[string, map[string]models.Room](ctx, cacheTTL, cacheTTL)
	}
	return c
}

func cacheKey(token string) string {
	if token == "" {
		return "anon"
	}
	return "auth"
}

// ListRooms returns all rooms keyed by id. It never fails: any error is
// logged and yields an empty map.
func (c *Client) ListRooms(ctx context.Context, token string) map[string]models.Room {
	key := cacheKey(token)
	if c.listings != nil {
		if cached, err := c.listings.Get(key); err == nil {
			return maps.Clone(cached)
		}
	}

	var listing map[string]models.Room
	if err := c.backend.Get(ctx, "chatrooms", token, nil, &listing); err != nil {
		c.logger.Error("Failed to list rooms", "error", err)
		return map[string]models.Room{}
	}

	rooms := make(map[string]models.Room, len(listing))
	for id, room := range listing {
		room.ID = id
		rooms[id] = room
	}

	if c.listings != nil {
		c.listings.Set(key, rooms)
	}
	return maps.Clone(rooms)
}

// Invalidate drops cached listings, e.g. after the user logs out.
func (c *Client) Invalidate() {
	if c.listings == nil {
		return
	}
	_ = c.listings.Del("auth")
	_ = c.listings.Del("anon")
}

// SendMessage posts text to roomID under displayName. The server
// assigns the timestamp.
func (c *Client) SendMessage(ctx context.Context, token, displayName, roomID, text string) error {
	if token == "" || displayName == "" {
		return ErrNotLoggedIn
	}

	body := map[string]any{
		"username":  displayName,
		"text":      text,
		"timestamp": backend.ServerTimestamp,
	}
	var resp struct {
		Name string `json:"name"`
	}
	if err := c.backend.Post(ctx, "chats/"+roomID+"/messages", token, body, &resp); err != nil {
		c.logger.Error("Failed to send message", "room_id", roomID, "error", err)
		return err
	}

	c.logger.Debug("Message sent", "room_id", roomID, "message_id", resp.Name)
	return nil
}
