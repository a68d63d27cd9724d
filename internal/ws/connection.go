package ws

import (
	"context"
	"errors"
	"log/slog"
	"tiwut/internal/models"

	"golang.org/x/sync/errgroup"
)

var errHubClosed = errors.New("hub closed the connection")

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

type messageHub interface {
	Join(connID string) chan models.ServerMessage
	Leave(connID string)
	Dispatch(ctx context.Context, connID string, msg models.ClientMessage)
}

// Connection is one GUI attached to the bridge. Commands are read and
// run in order on one goroutine while events are written on another, so
// a slow login never holds back live messages.
type Connection struct {
	ws     wsConnection
	hub    messageHub
	connID string
	events chan models.ServerMessage
	logger *slog.Logger
}

func NewConnection(hub messageHub, ws wsConnection, connID string) *Connection {
	return &Connection{
		ws:     ws,
		hub:    hub,
		connID: connID,
		events: hub.Join(connID),
		logger: slog.Default().With("conn_id", connID),
	}
}

// Handle serves the GUI until it disconnects, a write fails or ctx is
// done. Cancellation is not an error.
func (c *Connection) Handle(ctx context.Context) error {
	defer c.hub.Leave(c.connID)

	g, gCtx := errgroup.WithContext(ctx)
	// A pending ReadJSON only returns once the socket is closed.
	stop := context.AfterFunc(gCtx, func() { _ = c.ws.Close() })
	defer stop()

	g.Go(func() error { return c.readCommands(gCtx) })
	g.Go(func() error { return c.writeEvents(gCtx) })

	err := g.Wait()
	_ = c.ws.Close()

	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	c.logger.Debug("Bridge connection ended", "error", err)
	return err
}

func (c *Connection) readCommands(ctx context.Context) error {
	for {
		var msg models.ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.logger.Debug("Bridge command", "type", msg.Type, "room_id", msg.RoomID)
		c.hub.Dispatch(ctx, c.connID, msg)
	}
}

func (c *Connection) writeEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-c.events:
			if !ok {
				return errHubClosed
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		}
	}
}
