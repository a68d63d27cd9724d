// Package history fetches the stored messages of a room.
package history

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"tiwut/internal/models"
)

// Backend is the part of backend.Client the loader needs.
type Backend interface {
	Get(ctx context.Context, path, token string, query url.Values, out any) error
}

type Loader struct {
	backend Backend
	logger  *slog.Logger
}

func NewLoader(backend Backend) *Loader {
	return &Loader{backend: backend, logger: slog.Default()}
}

// Load returns every message of roomID keyed by message id. A room
// without messages yields an empty map.
func (l *Loader) Load(ctx context.Context, roomID, token string) (map[string]models.Message, error) {
	var raw map[string]models.Message
	if err := l.backend.Get(ctx, "chats/"+roomID+"/messages", token, nil, &raw); err != nil {
		return nil, err
	}

	messages := make(map[string]models.Message, len(raw))
	for id, msg := range raw {
		msg.ID = id
		messages[id] = msg
	}
	return messages, nil
}

// Task is a history load running in the background.
type Task struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// LoadAsync runs Load on its own goroutine. Exactly one of onLoaded and
// onError is called, on that goroutine, unless the task is cancelled
// before the load finishes.
func (l *Loader) LoadAsync(
	ctx context.Context,
	roomID, token string,
	onLoaded func(map[string]models.Message),
	onError func(error),
) *Task {
	ctx, cancel := context.WithCancel(ctx)
	task := &Task{cancel: cancel}

	task.wg.Go(func() {
		messages, err := l.Load(ctx, roomID, token)
		if ctx.Err() != nil {
			l.logger.Debug("History load cancelled", "room_id", roomID)
			return
		}
		if err != nil {
			l.logger.Error("Failed to load history", "room_id", roomID, "error", err)
			onError(err)
			return
		}
		l.logger.Debug("History loaded", "room_id", roomID, "count", len(messages))
		onLoaded(messages)
	})

	return task
}

// Cancel stops the load and waits for its goroutine to exit. No callback
// runs after Cancel returns.
func (t *Task) Cancel() {
	t.cancel()
	t.wg.Wait()
}

// Wait blocks until the load and its callback have finished.
func (t *Task) Wait() {
	t.wg.Wait()
	t.cancel()
}
