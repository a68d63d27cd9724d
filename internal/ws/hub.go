package ws

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"
	"tiwut/internal/backend"
	"tiwut/internal/content"
	"tiwut/internal/controller"
	"tiwut/internal/models"
)

// ChatSession is the part of the controller the bridge drives.
type ChatSession interface {
	Login(ctx context.Context, username, password string) (models.AuthResult, error)
	Register(ctx context.Context, displayName, username, password string) (string, error)
	Rooms(ctx context.Context) map[string]models.Room
	SelectRoom(ctx context.Context, roomID string) error
	Send(ctx context.Context, roomID, text string) error
	Logout() error
	Session() (models.AuthResult, bool)
	SetListener(controller.Listener)
}

// Hub fans controller events out to every connected GUI and runs the
// commands they send.
type Hub struct {
	session ChatSession
	loc     *time.Location
	logger  *slog.Logger

	// Map of connection id -> outgoing channel
	connected map[string]chan models.ServerMessage

	mu sync.RWMutex
}

// NewHub creates a hub and registers it as the session's listener.
func NewHub(session ChatSession, loc *time.Location) *Hub {
	if loc == nil {
		loc = time.Local
	}
	h := &Hub{
		session:   session,
		loc:       loc,
		logger:    slog.Default(),
		connected: make(map[string]chan models.ServerMessage),
	}
	session.SetListener(h)
	return h
}

// Join registers a connection. A logged-in session is announced to it
// right away.
func (h *Hub) Join(connID string) chan models.ServerMessage {
	ch := make(chan models.ServerMessage, 100)

	h.mu.Lock()
	h.connected[connID] = ch
	h.mu.Unlock()

	if s, ok := h.session.Session(); ok {
		ch <- models.ServerMessage{
			Type:        models.ServerMessageTypeLogin,
			Success:     true,
			DisplayName: s.DisplayName,
			UserID:      s.UserID,
		}
	}
	h.logger.Debug("Bridge client joined", "conn_id", connID)
	return ch
}

func (h *Hub) Leave(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.connected[connID]; ok {
		close(ch)
		delete(h.connected, connID)
	}
	h.logger.Debug("Bridge client left", "conn_id", connID)
}

// Dispatch runs one client command. Replies that concern only the
// sender go to connID; session-wide events reach every client through
// the listener methods.
func (h *Hub) Dispatch(ctx context.Context, connID string, msg models.ClientMessage) {
	switch msg.Type {
	case models.ClientMessageTypeLogin:
		// The outcome is broadcast by OnLoginResult.
		_, _ = h.session.Login(ctx, msg.Username, msg.Password)

	case models.ClientMessageTypeRegister:
		text, err := h.session.Register(ctx, msg.DisplayName, msg.Username, msg.Password)
		h.sendTo(connID, models.ServerMessage{
			Type:    models.ServerMessageTypeRegister,
			Success: err == nil,
			Message: text,
			Error:   errorText(err),
		})

	case models.ClientMessageTypeRooms:
		rooms := h.session.Rooms(ctx)
		list := make([]models.BridgeRoom, 0, len(rooms))
		for id, r := range rooms {
			list = append(list, models.BridgeRoom{ID: cmp.Or(r.ID, id), Name: r.Name})
		}
		slices.SortFunc(list, func(a, b models.BridgeRoom) int {
			return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
		})
		h.sendTo(connID, models.ServerMessage{
			Type:    models.ServerMessageTypeRooms,
			Success: true,
			Rooms:   list,
		})

	case models.ClientMessageTypeJoin:
		if err := h.session.SelectRoom(ctx, msg.RoomID); err != nil {
			h.sendError(connID, msg.RoomID, err)
		}

	case models.ClientMessageTypeSend:
		if err := h.session.Send(ctx, msg.RoomID, msg.Text); err != nil {
			h.sendError(connID, msg.RoomID, err)
		}

	case models.ClientMessageTypeLogout:
		if err := h.session.Logout(); err != nil {
			h.logger.Warn("Logout left session file behind", "error", err)
		}
		h.broadcast(models.ServerMessage{Type: models.ServerMessageTypeLogout, Success: true})

	default:
		h.sendError(connID, msg.RoomID, errors.New("unknown message type: "+string(msg.Type)))
	}
}

func (h *Hub) OnLoginResult(result models.AuthResult, err error) {
	if err != nil {
		h.broadcast(models.ServerMessage{
			Type:  models.ServerMessageTypeLogin,
			Error: errorText(err),
		})
		return
	}
	h.broadcast(models.ServerMessage{
		Type:        models.ServerMessageTypeLogin,
		Success:     true,
		DisplayName: result.DisplayName,
		UserID:      result.UserID,
	})
}

func (h *Hub) OnHistoryLoaded(roomID string, messages map[string]models.Message) {
	list := make([]models.Message, 0, len(messages))
	for id, m := range messages {
		m.ID = id
		list = append(list, m)
	}
	slices.SortFunc(list, func(a, b models.Message) int {
		return cmp.Or(cmp.Compare(a.Timestamp, b.Timestamp), cmp.Compare(a.ID, b.ID))
	})

	out := make([]models.BridgeMessage, len(list))
	for i, m := range list {
		out[i] = content.BridgeMessage(m, h.loc)
	}
	h.broadcast(models.ServerMessage{
		Type:     models.ServerMessageTypeHistory,
		RoomID:   roomID,
		Messages: out,
	})
}

func (h *Hub) OnStreamMessage(roomID string, msg models.Message) {
	h.broadcast(models.ServerMessage{
		Type:     models.ServerMessageTypeMessage,
		RoomID:   roomID,
		Messages: []models.BridgeMessage{content.BridgeMessage(msg, h.loc)},
	})
}

func (h *Hub) OnStreamError(roomID string, err error) {
	h.broadcast(models.ServerMessage{
		Type:   models.ServerMessageTypeError,
		RoomID: roomID,
		Error:  errorText(err),
	})
}

func (h *Hub) sendError(connID, roomID string, err error) {
	h.sendTo(connID, models.ServerMessage{
		Type:   models.ServerMessageTypeError,
		RoomID: roomID,
		Error:  errorText(err),
	})
}

func (h *Hub) sendTo(connID string, msg models.ServerMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if ch, ok := h.connected[connID]; ok {
		h.deliver(connID, ch, msg)
	}
}

func (h *Hub) broadcast(msg models.ServerMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for connID, ch := range h.connected {
		h.deliver(connID, ch, msg)
	}
}

// deliver never blocks: callers include stream workers that must not
// stall on a slow GUI. Callers hold at least the read lock.
func (h *Hub) deliver(connID string, ch chan models.ServerMessage, msg models.ServerMessage) {
	select {
	case ch <- msg:
	default:
		h.logger.Warn("Dropping bridge message for slow client", "conn_id", connID, "type", msg.Type)
	}
}

// errorText turns err into what the GUI shows. Backend rejections are
// passed through verbatim.
func errorText(err error) string {
	if err == nil {
		return ""
	}
	if msg, ok := backend.AuthMessage(err); ok {
		return msg
	}
	return err.Error()
}
