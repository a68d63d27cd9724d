package http

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"
	"tiwut/internal/api"
	"tiwut/internal/ws"
)

// Session is everything the bridge needs from the controller.
type Session interface {
	ws.ChatSession
	api.ChatState
}

type BridgeServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewBridgeServer(session Session, loc *time.Location, addr string) *BridgeServer {
	hub := ws.NewHub(session, loc)
	server := ws.NewServer(hub)
	apiHandlers := api.New(session, loc)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", apiHandlers.HealthHandler)
	mux.HandleFunc("GET /api/rooms", apiHandlers.RoomsHandler)
	mux.HandleFunc("GET /api/messages", apiHandlers.MessagesHandler)

	// WebSocket endpoint
	mux.HandleFunc("/api/chat", server.HandleConnections)

	if addr == "" {
		addr = "127.0.0.1:8765"
	}

	// Hijacked websocket connections outlive Shutdown unless their
	// request context is cancelled with it.
	baseCtx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancel)

	return &BridgeServer{server: srv}
}

func (s *BridgeServer) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Shutdown is called.
func (s *BridgeServer) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *BridgeServer) Serve(ln net.Listener) error {
	log.Printf("Bridge started on %s", ln.Addr())
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *BridgeServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
