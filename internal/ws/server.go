package ws

import (
	"log"
	"net"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Server struct {
	hub      messageHub
	upgrader *websocket.Upgrader
}

func NewServer(hub messageHub) *Server {
	return &Server{
		hub: hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: localOrigin,
		},
	}
}

// localOrigin accepts clients without an Origin header and browser pages
// served from the loopback interface.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	conn := NewConnection(s.hub, ws, uuid.NewString())
	if err := conn.Handle(r.Context()); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Printf("websocket connection error: %v", err)
	}
}
