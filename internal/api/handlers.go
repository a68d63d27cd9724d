package api

import (
	"cmp"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"slices"
	"strconv"
	"time"
	"tiwut/internal/content"
	"tiwut/internal/models"
	"tiwut/internal/stream"
)

const defaultMessageLimit = 50

// ChatState is the read side of the controller.
type ChatState interface {
	Session() (models.AuthResult, bool)
	Rooms(ctx context.Context) map[string]models.Room
	CurrentRoom() string
	Messages(n int) []models.Message
	StreamState() stream.State
}

type API struct {
	state ChatState
	loc   *time.Location
}

func New(state ChatState, loc *time.Location) *API {
	if loc == nil {
		loc = time.Local
	}
	return &API{state: state, loc: loc}
}

type healthResponse struct {
	Status      string `json:"status"`
	LoggedIn    bool   `json:"loggedIn"`
	DisplayName string `json:"displayName,omitempty"`
	RoomID      string `json:"roomId,omitempty"`
	Stream      string `json:"stream"`
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "ok",
		RoomID: a.state.CurrentRoom(),
		Stream: a.state.StreamState().String(),
	}
	if s, ok := a.state.Session(); ok {
		resp.LoggedIn = true
		resp.DisplayName = s.DisplayName
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) RoomsHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.state.Session(); !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	rooms := a.state.Rooms(r.Context())
	list := make([]models.BridgeRoom, 0, len(rooms))
	for id, room := range rooms {
		list = append(list, models.BridgeRoom{ID: cmp.Or(room.ID, id), Name: room.Name})
	}
	slices.SortFunc(list, func(x, y models.BridgeRoom) int {
		return cmp.Or(cmp.Compare(x.Name, y.Name), cmp.Compare(x.ID, y.ID))
	})
	writeJSON(w, http.StatusOK, list)
}

// MessagesHandler returns the newest messages of the selected room.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.state.Session(); !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	limit := defaultMessageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	messages := a.state.Messages(limit)
	out := make([]models.BridgeMessage, len(messages))
	for i, m := range messages {
		out[i] = content.BridgeMessage(m, a.loc)
	}
	writeJSON(w, http.StatusOK, models.ServerMessage{
		Type:     models.ServerMessageTypeHistory,
		RoomID:   a.state.CurrentRoom(),
		Messages: out,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}
