package models

import "time"

// SessionRecord is the only state kept on disk between runs.
type SessionRecord struct {
	RefreshToken string `json:"refreshToken"`
	DisplayName  string `json:"displayName"`
	UserID       string `json:"localId"`
}

// AuthResult is the outcome of a successful login. It lives in memory
// for the lifetime of the process; IDToken authorizes every backend call.
type AuthResult struct {
	IDToken      string        `json:"idToken"`
	RefreshToken string        `json:"refreshToken"`
	UserID       string        `json:"userId"`
	DisplayName  string        `json:"displayName"`
	ExpiresIn    time.Duration `json:"expiresIn,omitempty"`
}

// Record returns the part of the result that is persisted.
func (r AuthResult) Record() SessionRecord {
	return SessionRecord{
		RefreshToken: r.RefreshToken,
		DisplayName:  r.DisplayName,
		UserID:       r.UserID,
	}
}

// TokenPair is returned by a refresh-token exchange.
type TokenPair struct {
	IDToken      string
	RefreshToken string
	UserID       string
	ExpiresIn    time.Duration
}

// Room is a chat room as listed by the backend.
type Room struct {
	ID   string `json:"-"`
	Name string `json:"name"`
}

// Message is a chat message. Timestamp is assigned by the server in
// milliseconds since the epoch and orders a room's history.
type Message struct {
	ID         string `json:"-"`
	SenderName string `json:"username"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"timestamp"`
}

// Time converts the server timestamp to a time.Time.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// ClientMessage is sent by a GUI over the local bridge.
type ClientMessage struct {
	Type        ClientMessageType `json:"type"`
	Username    string            `json:"username,omitempty"`
	Password    string            `json:"password,omitempty"`
	DisplayName string            `json:"displayName,omitempty"`
	RoomID      string            `json:"roomId,omitempty"`
	Text        string            `json:"text,omitempty"`
}

// ServerMessage is sent to a GUI over the local bridge.
type ServerMessage struct {
	Type        ServerMessageType `json:"type"`
	Success     bool              `json:"success,omitempty"`
	Error       string            `json:"error,omitempty"`
	Message     string            `json:"message,omitempty"`
	DisplayName string            `json:"displayName,omitempty"`
	UserID      string            `json:"userId,omitempty"`
	RoomID      string            `json:"roomId,omitempty"`
	Rooms       []BridgeRoom      `json:"rooms,omitempty"`
	Messages    []BridgeMessage   `json:"messages,omitempty"`
}

// BridgeRoom is a Room with its key, as listed to the GUI.
type BridgeRoom struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// BridgeMessage is a Message as rendered for the GUI.
type BridgeMessage struct {
	ID         string `json:"id"`
	SenderName string `json:"senderName"`
	Text       string `json:"text"`
	HTML       string `json:"html"`
	Timestamp  int64  `json:"timestamp"`
}

type ClientMessageType string

const (
	ClientMessageTypeLogin    ClientMessageType = "login"
	ClientMessageTypeRegister ClientMessageType = "register"
	ClientMessageTypeRooms    ClientMessageType = "rooms"
	ClientMessageTypeJoin     ClientMessageType = "join"
	ClientMessageTypeSend     ClientMessageType = "send"
	ClientMessageTypeLogout   ClientMessageType = "logout"
)

type ServerMessageType string

const (
	ServerMessageTypeLogin    ServerMessageType = "login"
	ServerMessageTypeRegister ServerMessageType = "register"
	ServerMessageTypeRooms    ServerMessageType = "rooms"
	ServerMessageTypeHistory  ServerMessageType = "history"
	ServerMessageTypeMessage  ServerMessageType = "message"
	ServerMessageTypeError    ServerMessageType = "error"
	ServerMessageTypeLogout   ServerMessageType = "logout"
)
