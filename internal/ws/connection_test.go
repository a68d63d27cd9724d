package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	"tiwut/internal/models"
)

type mockWS struct {
	readCh      chan models.ClientMessage
	writeCh     chan any
	closeCh     chan struct{}
	closeOnce   sync.Once
	closed      bool
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan models.ClientMessage, 10),
		writeCh: make(chan any, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	m.closeOnce.Do(func() {
		m.closed = true
		close(m.closeCh)
	})
	return nil
}

func (m *mockWS) WriteJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	m.writeCh <- v
	return nil
}

func (m *mockWS) ReadJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	select {
	case msg, ok := <-m.readCh:
		if !ok {
			return errors.New("closed")
		}
		if ptr, ok := v.(*models.ClientMessage); ok {
			*ptr = msg
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

type mockHub struct {
	joinCh     chan string
	leaveCh    chan string
	dispatchCh chan models.ClientMessage
	mu         sync.Mutex
	connChans  map[string]chan models.ServerMessage
}

func newMockHub() *mockHub {
	return &mockHub{
		joinCh:     make(chan string, 10),
		leaveCh:    make(chan string, 10),
		dispatchCh: make(chan models.ClientMessage, 10),
		connChans:  make(map[string]chan models.ServerMessage),
	}
}

func (m *mockHub) Join(connID string) chan models.ServerMessage {
	m.joinCh <- connID
	ch := make(chan models.ServerMessage, 10)
	m.mu.Lock()
	m.connChans[connID] = ch
	m.mu.Unlock()
	return ch
}

func (m *mockHub) Leave(connID string) {
	m.leaveCh <- connID
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.connChans[connID]; ok {
		close(ch)
		delete(m.connChans, connID)
	}
}

func (m *mockHub) Dispatch(_ context.Context, connID string, msg models.ClientMessage) {
	m.dispatchCh <- msg
}

func (m *mockHub) channel(connID string) chan models.ServerMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connChans[connID]
}

func TestConnection_Lifecycle(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	connID := "conn1"

	conn := NewConnection(hub, ws, connID)
	if conn == nil {
		t.Fatal("NewConnection returned nil")
	}

	select {
	case id := <-hub.joinCh:
		if id != connID {
			t.Errorf("Expected Join with %s, got %s", connID, id)
		}
	default:
		t.Error("Join not called on NewConnection")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	// Client -> Hub
	clientMsg := models.ClientMessage{
		Type:   models.ClientMessageTypeSend,
		RoomID: "general",
		Text:   "hello",
	}
	ws.readCh <- clientMsg

	select {
	case received := <-hub.dispatchCh:
		if received != clientMsg {
			t.Errorf("Hub received wrong message: %+v", received)
		}
	case <-time.After(1 * time.Second):
		t.Error("Hub did not receive dispatched message")
	}

	// Hub -> Client
	serverMsg := models.ServerMessage{
		Type:   models.ServerMessageTypeMessage,
		RoomID: "general",
		Messages: []models.BridgeMessage{
			{Text: "hi back"},
		},
	}
	hub.channel(connID) <- serverMsg

	select {
	case received := <-ws.writeCh:
		sMsg, ok := received.(models.ServerMessage)
		if !ok {
			t.Fatalf("WS received wrong type: %T", received)
		}
		if len(sMsg.Messages) == 0 || sMsg.Messages[0].Text != "hi back" {
			t.Errorf("WS received wrong content: %v", sMsg)
		}
	case <-time.After(1 * time.Second):
		t.Error("WS did not receive server message")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return after cancel")
	}

	select {
	case id := <-hub.leaveCh:
		if id != connID {
			t.Errorf("Expected Leave with %s, got %s", connID, id)
		}
	default:
		t.Error("Leave not called")
	}

	if !ws.closed {
		t.Error("WS Close not called")
	}
}

func TestConnection_WSError(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()

	conn := NewConnection(hub, ws, "conn2")
	ws.errToReturn = errors.New("read error")

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected error from Handle, got nil")
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return on error")
	}

	if !ws.closed {
		t.Error("WS Close not called")
	}
}

// slowHub holds every Dispatch until release is closed.
type slowHub struct {
	*mockHub
	release chan struct{}
}

func (h *slowHub) Dispatch(ctx context.Context, connID string, msg models.ClientMessage) {
	h.mockHub.Dispatch(ctx, connID, msg)
	<-h.release
}

func TestConnection_EventsFlowDuringDispatch(t *testing.T) {
	hub := &slowHub{mockHub: newMockHub(), release: make(chan struct{})}
	ws := newMockWS()
	conn := NewConnection(hub, ws, "conn3")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	ws.readCh <- models.ClientMessage{Type: models.ClientMessageTypeLogin, Username: "alice"}
	select {
	case <-hub.dispatchCh:
	case <-time.After(time.Second):
		t.Fatal("command not dispatched")
	}

	// The login is still running; a live message must get through.
	hub.channel("conn3") <- models.ServerMessage{Type: models.ServerMessageTypeMessage, RoomID: "general"}
	select {
	case <-ws.writeCh:
	case <-time.After(time.Second):
		t.Fatal("event blocked behind a running command")
	}

	close(hub.release)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Handle did not return after cancel")
	}
}

func TestConnection_HubClosed(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	conn := NewConnection(hub, ws, "conn4")

	hub.mu.Lock()
	close(hub.connChans["conn4"])
	delete(hub.connChans, "conn4")
	hub.mu.Unlock()

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		if !errors.Is(err, errHubClosed) {
			t.Errorf("expected errHubClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Handle did not return when the hub closed the channel")
	}
}
