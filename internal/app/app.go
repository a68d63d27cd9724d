// Package app assembles the client from configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"tiwut/internal/auth"
	"tiwut/internal/backend"
	"tiwut/internal/config"
	"tiwut/internal/controller"
	"tiwut/internal/history"
	"tiwut/internal/rooms"
	"tiwut/internal/session"
	"tiwut/internal/stream"
)

// New wires backend, session store, auth, rooms, history and stream into
// a controller. ctx bounds the rooms cache cleanup.
func New(ctx context.Context, cfg *config.Config) (*controller.Controller, error) {
	bc, err := backend.NewClient(backend.Config{
		APIKey:               cfg.APIKey,
		DatabaseURL:          cfg.DatabaseURL,
		AuthURL:              cfg.AuthURL,
		TokenURL:             cfg.TokenURL,
		RequestTimeout:       cfg.RequestTimeout,
		StreamConnectTimeout: cfg.StreamConnectTimeout,
	})
	if err != nil {
		return nil, err
	}

	sessionFile := cfg.SessionFile
	if sessionFile == "" {
		if sessionFile, err = session.DefaultPath(); err != nil {
			return nil, err
		}
	}
	store := session.New(sessionFile)

	authClient, err := auth.NewClient(auth.Config{EmailDomain: cfg.EmailDomain}, bc, store)
	if err != nil {
		return nil, fmt.Errorf("invalid auth config: %w", err)
	}

	slog.Debug("Client assembled", "database", cfg.DatabaseURL, "session_file", sessionFile)

	return controller.New(controller.Config{RefreshMargin: cfg.RefreshMargin}, controller.Deps{
		Auth:    authClient,
		Rooms:   rooms.NewClient(ctx, bc, cfg.RoomsCacheTTL),
		History: history.NewLoader(bc),
		Stream:  stream.NewConsumer(bc),
		Store:   store,
	}), nil
}
