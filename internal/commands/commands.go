package commands

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"
	"tiwut/internal/content"
	"tiwut/internal/controller"
	"tiwut/internal/models"
)

// Chat is the controller surface the commands drive.
type Chat interface {
	Login(ctx context.Context, username, password string) (models.AuthResult, error)
	Register(ctx context.Context, displayName, username, password string) (string, error)
	Rooms(ctx context.Context) map[string]models.Room
	SelectRoom(ctx context.Context, roomID string) error
	Send(ctx context.Context, roomID, text string) error
	Logout() error
	SetListener(controller.Listener)
}

func Login(ctx context.Context, c Chat, username, password string, w io.Writer) error {
	result, err := c.Login(ctx, username, password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	_, _ = fmt.Fprintf(w, "Logged in as %s\n", result.DisplayName)
	return nil
}

func Register(ctx context.Context, c Chat, displayName, username, password string, w io.Writer) error {
	msg, err := c.Register(ctx, displayName, username, password)
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	_, _ = fmt.Fprintln(w, msg)
	return nil
}

func Logout(c Chat, w io.Writer) error {
	if err := c.Logout(); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(w, "Logged out")
	return nil
}

// Rooms prints one "id<TAB>name" line per room, sorted by name.
func Rooms(ctx context.Context, c Chat, w io.Writer) error {
	rooms := c.Rooms(ctx)
	if len(rooms) == 0 {
		return errors.New("no rooms available")
	}

	ids := make([]string, 0, len(rooms))
	for id := range rooms {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int {
		return cmp.Or(cmp.Compare(rooms[a].Name, rooms[b].Name), cmp.Compare(a, b))
	})
	for _, id := range ids {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", id, rooms[id].Name)
	}
	return nil
}

func Send(ctx context.Context, c Chat, roomID, text string) error {
	if err := c.Send(ctx, roomID, text); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Tail prints the room's history and then every live message until ctx
// is done or the stream fails.
func Tail(ctx context.Context, c Chat, roomID string, loc *time.Location, w io.Writer) error {
	p := &printer{w: w, loc: loc, errCh: make(chan error, 1)}
	c.SetListener(p)
	defer c.SetListener(nil)

	if err := c.SelectRoom(ctx, roomID); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-p.errCh:
		return err
	}
}

type printer struct {
	w     io.Writer
	loc   *time.Location
	errCh chan error

	mu sync.Mutex
}

func (p *printer) OnLoginResult(models.AuthResult, error) {}

func (p *printer) OnHistoryLoaded(_ string, messages map[string]models.Message) {
	list := make([]models.Message, 0, len(messages))
	for id, m := range messages {
		m.ID = id
		list = append(list, m)
	}
	slices.SortFunc(list, func(a, b models.Message) int {
		return cmp.Or(cmp.Compare(a.Timestamp, b.Timestamp), cmp.Compare(a.ID, b.ID))
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range list {
		_, _ = fmt.Fprintln(p.w, content.FormatPlain(m, p.loc))
	}
}

func (p *printer) OnStreamMessage(_ string, msg models.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintln(p.w, content.FormatPlain(msg, p.loc))
}

func (p *printer) OnStreamError(_ string, err error) {
	select {
	case p.errCh <- err:
	default:
	}
}
