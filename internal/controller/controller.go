// Package controller owns the logged-in session and ties together auth,
// rooms, history and the live stream for one user interface.
package controller

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"tiwut/internal/chat"
	"tiwut/internal/content"
	"tiwut/internal/history"
	"tiwut/internal/models"
	"tiwut/internal/stream"
)

var (
	ErrNotLoggedIn  = errors.New("not logged in")
	ErrNoSession    = errors.New("no stored session")
	ErrInvalidRoom  = errors.New("room id must not be empty")
	ErrEmptyMessage = errors.New("message is empty")
)

// Listener receives the results of asynchronous work. History and
// stream callbacks arrive on worker goroutines and must not call back
// into SelectRoom, Logout or Close.
type Listener interface {
	OnLoginResult(result models.AuthResult, err error)
	OnHistoryLoaded(roomID string, messages map[string]models.Message)
	OnStreamMessage(roomID string, msg models.Message)
	// OnStreamError reports that the room's live view failed, either
	// because history could not be loaded or the stream broke.
	OnStreamError(roomID string, err error)
}

type Authenticator interface {
	Login(ctx context.Context, username, password string) (models.AuthResult, error)
	Register(ctx context.Context, displayName, username, password string) (string, error)
	Refresh(ctx context.Context, refreshToken string) (models.TokenPair, error)
}

type RoomService interface {
	ListRooms(ctx context.Context, token string) map[string]models.Room
	SendMessage(ctx context.Context, token, displayName, roomID, text string) error
	Invalidate()
}

type HistoryLoader interface {
	LoadAsync(ctx context.Context, roomID, token string, onLoaded func(map[string]models.Message), onError func(error)) *history.Task
}

type StreamConsumer interface {
	Start(roomID, token string, startAt int64, onMessage func(models.Message), onError func(error))
	Stop()
	State() stream.State
}

type SessionStore interface {
	Load() (models.SessionRecord, bool)
	Save(models.SessionRecord) error
	Clear() error
}

type Config struct {
	// RefreshMargin is how long before expiry the id token is renewed.
	RefreshMargin time.Duration
	// MaxRecords bounds the selected room's timeline.
	MaxRecords int
}

type Deps struct {
	Auth    Authenticator
	Rooms   RoomService
	History HistoryLoader
	Stream  StreamConsumer
	Store   SessionStore
}

type Controller struct {
	config Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// selectMu serializes SelectRoom, Logout and Close. It is held while
	// waiting for workers, so worker callbacks never take it.
	selectMu sync.Mutex

	mu          sync.Mutex
	session     *models.AuthResult
	expiresAt   time.Time
	listener    Listener
	roomID      string
	generation  uint64
	historyTask *history.Task
	timeline    *chat.Timeline
}

func New(config Config, deps Deps) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		config: config,
		deps:   deps,
		logger: slog.Default(),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetListener replaces the listener. nil discards notifications.
func (c *Controller) SetListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

func (c *Controller) currentListener() Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return nopListener{}
	}
	return c.listener
}

// Session returns the logged-in user, if any.
func (c *Controller) Session() (models.AuthResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return models.AuthResult{}, false
	}
	return *c.session, true
}

func (c *Controller) setSession(result models.AuthResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = &result
	c.expiresAt = time.Time{}
	if result.ExpiresIn > 0 {
		c.expiresAt = c.now().Add(result.ExpiresIn)
	}
}

// Resume restores the stored session by exchanging its refresh token.
// The store is only written when the backend rotated the refresh token
// and is left untouched on failure.
func (c *Controller) Resume(ctx context.Context) (models.AuthResult, error) {
	record, ok := c.deps.Store.Load()
	if !ok {
		return models.AuthResult{}, ErrNoSession
	}

	pair, err := c.deps.Auth.Refresh(ctx, record.RefreshToken)
	if err != nil {
		c.logger.Warn("Failed to resume session", "error", err)
		return models.AuthResult{}, err
	}

	result := models.AuthResult{
		IDToken:      pair.IDToken,
		RefreshToken: cmp.Or(pair.RefreshToken, record.RefreshToken),
		UserID:       cmp.Or(pair.UserID, record.UserID),
		DisplayName:  record.DisplayName,
		ExpiresIn:    pair.ExpiresIn,
	}
	if result.RefreshToken != record.RefreshToken {
		_ = c.deps.Store.Save(result.Record())
	}

	c.setSession(result)
	c.logger.Info("Session resumed", "user_id", result.UserID)
	return result, nil
}

// Login signs in and reports the outcome to the listener as well.
func (c *Controller) Login(ctx context.Context, username, password string) (models.AuthResult, error) {
	result, err := c.deps.Auth.Login(ctx, username, password)
	if err == nil {
		c.setSession(result)
	}
	c.currentListener().OnLoginResult(result, err)
	return result, err
}

// Register validates the form fields locally before creating the account.
func (c *Controller) Register(ctx context.Context, displayName, username, password string) (string, error) {
	if strings.TrimSpace(displayName) == "" {
		return "", errors.New("display name cannot be empty")
	}
	if err := content.ValidateUsername(username); err != nil {
		return "", err
	}
	if err := content.ValidatePassword(password); err != nil {
		return "", err
	}
	return c.deps.Auth.Register(ctx, displayName, username, password)
}

// Rooms lists the rooms visible with the current credentials, or
// anonymously when logged out.
func (c *Controller) Rooms(ctx context.Context) map[string]models.Room {
	var token string
	if s, ok := c.Session(); ok {
		token = s.IDToken
	}
	return c.deps.Rooms.ListRooms(ctx, token)
}

// freshToken returns the id token, refreshing it first when it expires
// within the refresh margin.
func (c *Controller) freshToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	session, expiresAt := c.session, c.expiresAt
	c.mu.Unlock()

	if session == nil {
		return "", ErrNotLoggedIn
	}
	if expiresAt.IsZero() || c.now().Add(c.config.RefreshMargin).Before(expiresAt) {
		return session.IDToken, nil
	}

	pair, err := c.deps.Auth.Refresh(ctx, session.RefreshToken)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.session != session {
		// Logged out or replaced meanwhile.
		c.mu.Unlock()
		return "", ErrNotLoggedIn
	}
	updated := *session
	updated.IDToken = pair.IDToken
	updated.RefreshToken = cmp.Or(pair.RefreshToken, session.RefreshToken)
	updated.ExpiresIn = pair.ExpiresIn
	c.session = &updated
	c.expiresAt = time.Time{}
	if pair.ExpiresIn > 0 {
		c.expiresAt = c.now().Add(pair.ExpiresIn)
	}
	c.mu.Unlock()

	if updated.RefreshToken != session.RefreshToken {
		_ = c.deps.Store.Save(updated.Record())
	}
	c.logger.Debug("Id token refreshed", "user_id", updated.UserID)
	return updated.IDToken, nil
}

// SelectRoom switches the live view to roomID: the previous history load
// and stream are stopped, history is loaded in the background and the
// stream starts right after the newest loaded message.
func (c *Controller) SelectRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return ErrInvalidRoom
	}

	c.selectMu.Lock()
	defer c.selectMu.Unlock()

	token, err := c.freshToken(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	previous := c.historyTask
	c.historyTask = nil
	c.generation++
	generation := c.generation
	c.roomID = roomID
	c.timeline = chat.New(chat.Config{
		RoomID:     roomID,
		MaxRecords: c.config.MaxRecords,
		RecordCallback: func(roomID string, record chat.Record) {
			if _, listener, ok := c.current(generation); ok {
				listener.OnStreamMessage(roomID, record.Message)
			}
		},
	})
	c.mu.Unlock()

	if previous != nil {
		previous.Cancel()
	}
	c.deps.Stream.Stop()

	logger := c.logger.With("room_id", roomID)
	logger.Info("Selecting room")

	task := c.deps.History.LoadAsync(c.ctx, roomID, token,
		func(messages map[string]models.Message) {
			timeline, listener, ok := c.current(generation)
			if !ok {
				return
			}
			baseline := timeline.Load(messages, c.now())
			listener.OnHistoryLoaded(roomID, messages)

			c.deps.Stream.Start(roomID, token, baseline+1,
				func(msg models.Message) {
					if timeline, _, ok := c.current(generation); ok {
						timeline.Add(msg)
					}
				},
				func(err error) {
					if _, listener, ok := c.current(generation); ok {
						listener.OnStreamError(roomID, err)
					}
				},
			)
		},
		func(err error) {
			if _, listener, ok := c.current(generation); ok {
				listener.OnStreamError(roomID, err)
			}
		},
	)

	c.mu.Lock()
	if c.generation == generation {
		c.historyTask = task
	}
	c.mu.Unlock()
	return nil
}

// current returns the timeline and listener if generation is still the
// selected room.
func (c *Controller) current(generation uint64) (*chat.Timeline, Listener, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation || c.timeline == nil {
		return nil, nil, false
	}
	var listener Listener = nopListener{}
	if c.listener != nil {
		listener = c.listener
	}
	return c.timeline, listener, true
}

// CurrentRoom returns the selected room id, or "" when none is selected.
func (c *Controller) CurrentRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// Messages returns up to n of the newest messages of the selected room.
func (c *Controller) Messages(n int) []models.Message {
	c.mu.Lock()
	timeline := c.timeline
	c.mu.Unlock()
	if timeline == nil {
		return []models.Message{}
	}
	return timeline.GetLastRecords(n)
}

// StreamState reports the state of the live stream.
func (c *Controller) StreamState() stream.State {
	return c.deps.Stream.State()
}

// Send posts text to roomID as the logged-in user.
func (c *Controller) Send(ctx context.Context, roomID, text string) error {
	if roomID == "" {
		return ErrInvalidRoom
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	token, err := c.freshToken(ctx)
	if err != nil {
		return err
	}
	session, ok := c.Session()
	if !ok {
		return ErrNotLoggedIn
	}
	return c.deps.Rooms.SendMessage(ctx, token, session.DisplayName, roomID, text)
}

// stopWorkers cancels history and stops the stream. Callers hold
// selectMu.
func (c *Controller) stopWorkers() {
	c.mu.Lock()
	task := c.historyTask
	c.historyTask = nil
	c.generation++
	c.mu.Unlock()

	if task != nil {
		task.Cancel()
	}
	c.deps.Stream.Stop()
}

// Logout stops all workers and forgets the session, on disk as well.
func (c *Controller) Logout() error {
	c.selectMu.Lock()
	defer c.selectMu.Unlock()

	c.stopWorkers()

	c.mu.Lock()
	c.session = nil
	c.expiresAt = time.Time{}
	c.roomID = ""
	c.timeline = nil
	c.mu.Unlock()

	c.deps.Rooms.Invalidate()
	c.logger.Info("Logged out")
	return c.deps.Store.Clear()
}

// Close stops all workers. The stored session is kept.
func (c *Controller) Close() {
	c.selectMu.Lock()
	defer c.selectMu.Unlock()

	c.stopWorkers()
	c.cancel()
}

type nopListener struct{}

func (nopListener) OnLoginResult(models.AuthResult, error)            {}
func (nopListener) OnHistoryLoaded(string, map[string]models.Message) {}
func (nopListener) OnStreamMessage(string, models.Message)            {}
func (nopListener) OnStreamError(string, error)                       {}
