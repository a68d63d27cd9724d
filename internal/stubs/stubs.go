// Package stubs provides an in-process fake of the identity, token and
// realtime database endpoints, used by tests across the module.
package stubs

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"tiwut/internal/backend"
	"tiwut/internal/config"

	"github.com/google/uuid"
)

const (
	APIKey      = "test-api-key"
	EmailDomain = "tiwut.test"
	tokenTTL    = "3600"
)

type Account struct {
	LocalID      string
	Email        string
	Password     string
	DisplayName  string
	RefreshToken string
}

type failure struct {
	status  int
	message string
}

type subscriber struct {
	path    string
	orderBy string
	startAt float64
	filter  bool
	frames  chan string
	done    chan struct{}
	once    sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Backend is a fake backend served over httptest.
type Backend struct {
	Server *httptest.Server

	mu            sync.Mutex
	rotate        bool
	accounts      map[string]*Account // by email
	idTokens      map[string]*Account
	refreshTokens map[string]*Account
	tree          map[string]any
	calls         map[string]int
	failures      map[string]failure
	streams       map[*subscriber]struct{}
	pushSeq       int
	now           func() time.Time
}

func New() *Backend {
	b := &Backend{
		accounts:      make(map[string]*Account),
		idTokens:      make(map[string]*Account),
		refreshTokens: make(map[string]*Account),
		tree:          make(map[string]any),
		calls:         make(map[string]int),
		failures:      make(map[string]failure),
		streams:       make(map[*subscriber]struct{}),
		now:           time.Now,
	}
	b.Server = httptest.NewServer(http.HandlerFunc(b.serveHTTP))
	return b
}

func (b *Backend) Close() {
	b.DropStreams()
	b.Server.Close()
}

// ClientConfig points a backend client at the fake.
func (b *Backend) ClientConfig() backend.Config {
	return backend.Config{
		APIKey:      APIKey,
		DatabaseURL: b.Server.URL + "/db",
		AuthURL:     b.Server.URL + "/v1",
		TokenURL:    b.Server.URL + "/v1",
	}
}

// Config is a full client configuration against the fake, keeping the
// session in sessionFile.
func (b *Backend) Config(sessionFile string) *config.Config {
	cc := b.ClientConfig()
	return &config.Config{
		APIKey:               cc.APIKey,
		DatabaseURL:          cc.DatabaseURL,
		AuthURL:              cc.AuthURL,
		TokenURL:             cc.TokenURL,
		EmailDomain:          EmailDomain,
		SessionFile:          sessionFile,
		RequestTimeout:       5 * time.Second,
		StreamConnectTimeout: 5 * time.Second,
		RoomsCacheTTL:        time.Minute,
		RefreshMargin:        time.Minute,
		BridgeAddr:           "127.0.0.1:0",
		LogLevel:             slog.LevelInfo,
	}
}

// SetNow replaces the clock used for server timestamps.
func (b *Backend) SetNow(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// RotateRefreshTokens makes every later refresh issue a new refresh
// token.
func (b *Backend) RotateRefreshTokens(rotate bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rotate = rotate
}

// AddAccount registers an account and returns it.
func (b *Backend) AddAccount(email, password, displayName string) *Account {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addAccountLocked(email, password, displayName)
}

func (b *Backend) addAccountLocked(email, password, displayName string) *Account {
	acc := &Account{
		LocalID:      uuid.NewString(),
		Email:        email,
		Password:     password,
		DisplayName:  displayName,
		RefreshToken: "refresh-" + uuid.NewString(),
	}
	b.accounts[email] = acc
	b.refreshTokens[acc.RefreshToken] = acc
	return acc
}

// IssueIDToken returns a fresh id token for acc.
func (b *Backend) IssueIDToken(acc *Account) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.issueIDTokenLocked(acc)
}

func (b *Backend) issueIDTokenLocked(acc *Account) string {
	token := "id-" + uuid.NewString()
	b.idTokens[token] = acc
	return token
}

// RevokeIDToken makes token invalid for further calls.
func (b *Backend) RevokeIDToken(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.idTokens, token)
}

// AddRoom adds a room to the public listing.
func (b *Backend) AddRoom(id, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	setNode(b.tree, "chatrooms/"+id, map[string]any{"name": name})
}

// AddMessage writes a message as if another client had sent it and
// notifies open streams. It returns the message key.
func (b *Backend) AddMessage(roomID, sender, text string, timestamp int64) string {
	value := map[string]any{
		"username":  sender,
		"text":      text,
		"timestamp": float64(timestamp),
	}
	key, _ := b.push("chats/"+roomID+"/messages", value)
	return key
}

// SetNode writes an arbitrary value into the database tree.
func (b *Backend) SetNode(path string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	setNode(b.tree, path, value)
}

// Node returns the value stored at path, or nil.
func (b *Backend) Node(path string) any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return getNode(b.tree, path)
}

// Emit sends a raw event to every stream open on path.
func (b *Backend) Emit(path, event, data string) {
	b.broadcast(path, fmt.Sprintf("event: %s\ndata: %s\n\n", event, data))
}

// DropStreams closes all open streams from the server side.
func (b *Backend) DropStreams() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.streams {
		sub.close()
	}
}

// ActiveStreams reports how many streams are currently being served.
func (b *Backend) ActiveStreams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

// Calls returns how often the named operation was served, e.g.
// "signUp", "token", "GET usernames/alice", "POST chats/r1/messages".
func (b *Backend) Calls(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[name]
}

// FailNext makes the next call of the named operation fail.
func (b *Backend) FailNext(name string, status int, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[name] = failure{status: status, message: message}
}

func (b *Backend) serveHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/v1/"):
		b.serveAuth(w, r)
	case strings.HasPrefix(r.URL.Path, "/db/") && strings.HasSuffix(r.URL.Path, ".json"):
		b.serveDatabase(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (b *Backend) record(name string) (failure, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[name]++
	f, ok := b.failures[name]
	if ok {
		delete(b.failures, name)
	}
	return f, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func authFailure(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": status, "message": message},
	})
}

func (b *Backend) serveAuth(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/v1/")
	name = strings.TrimPrefix(name, "accounts:")

	if f, ok := b.record(name); ok {
		authFailure(w, f.status, f.message)
		return
	}
	if r.Method != http.MethodPost {
		authFailure(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED")
		return
	}
	if r.URL.Query().Get("key") != APIKey {
		authFailure(w, http.StatusBadRequest, "API key not valid. Please pass a valid API key.")
		return
	}

	var req struct {
		Email        string `json:"email"`
		Password     string `json:"password"`
		IDToken      string `json:"idToken"`
		DisplayName  string `json:"displayName"`
		GrantType    string `json:"grant_type"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		authFailure(w, http.StatusBadRequest, "INVALID_JSON")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case "signInWithPassword":
		acc, ok := b.accounts[req.Email]
		if !ok || acc.Password != req.Password {
			authFailure(w, http.StatusBadRequest, "INVALID_LOGIN_CREDENTIALS")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"localId":      acc.LocalID,
			"email":        acc.Email,
			"displayName":  acc.DisplayName,
			"idToken":      b.issueIDTokenLocked(acc),
			"registered":   true,
			"refreshToken": acc.RefreshToken,
			"expiresIn":    tokenTTL,
		})
	case "signUp":
		if _, exists := b.accounts[req.Email]; exists {
			authFailure(w, http.StatusBadRequest, "EMAIL_EXISTS")
			return
		}
		if len(req.Password) < 6 {
			authFailure(w, http.StatusBadRequest, "WEAK_PASSWORD : Password should be at least 6 characters")
			return
		}
		acc := b.addAccountLocked(req.Email, req.Password, "")
		writeJSON(w, http.StatusOK, map[string]any{
			"localId":      acc.LocalID,
			"email":        acc.Email,
			"idToken":      b.issueIDTokenLocked(acc),
			"refreshToken": acc.RefreshToken,
			"expiresIn":    tokenTTL,
		})
	case "update":
		acc, ok := b.idTokens[req.IDToken]
		if !ok {
			authFailure(w, http.StatusBadRequest, "INVALID_ID_TOKEN")
			return
		}
		acc.DisplayName = req.DisplayName
		writeJSON(w, http.StatusOK, map[string]any{
			"localId":     acc.LocalID,
			"email":       acc.Email,
			"displayName": acc.DisplayName,
		})
	case "token":
		acc, ok := b.refreshTokens[req.RefreshToken]
		if req.GrantType != "refresh_token" || !ok {
			authFailure(w, http.StatusBadRequest, "INVALID_REFRESH_TOKEN")
			return
		}
		if b.rotate {
			delete(b.refreshTokens, acc.RefreshToken)
			acc.RefreshToken = "refresh-" + uuid.NewString()
			b.refreshTokens[acc.RefreshToken] = acc
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id_token":      b.issueIDTokenLocked(acc),
			"refresh_token": acc.RefreshToken,
			"user_id":       acc.LocalID,
			"expires_in":    tokenTTL,
			"token_type":    "Bearer",
		})
	default:
		authFailure(w, http.StatusNotFound, "NOT_FOUND")
	}
}

func databaseFailure(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

// readable reports whether path may be read without a token.
func readable(path string) bool {
	return path == "chatrooms" || strings.HasPrefix(path, "chatrooms/") || strings.HasPrefix(path, "usernames/")
}

func (b *Backend) serveDatabase(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/db"), ".json"), "/")
	streaming := r.Method == http.MethodGet && r.Header.Get("Accept") == "text/event-stream"

	op := r.Method + " " + path
	if streaming {
		op = "STREAM " + path
	}
	if f, ok := b.record(op); ok {
		databaseFailure(w, f.status, f.message)
		return
	}

	b.mu.Lock()
	_, authorized := b.idTokens[r.URL.Query().Get("auth")]
	b.mu.Unlock()
	if !authorized && (r.Method != http.MethodGet || !readable(path)) {
		databaseFailure(w, http.StatusUnauthorized, "Permission denied")
		return
	}

	switch {
	case streaming:
		b.serveStream(w, r, path)
	case r.Method == http.MethodGet:
		b.mu.Lock()
		node := getNode(b.tree, path)
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, node)
	case r.Method == http.MethodPost:
		var value any
		if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
			databaseFailure(w, http.StatusBadRequest, "Invalid data; couldn't parse JSON object.")
			return
		}
		key, _ := b.push(path, value)
		writeJSON(w, http.StatusOK, map[string]string{"name": key})
	case r.Method == http.MethodPatch:
		var updates map[string]any
		if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
			databaseFailure(w, http.StatusBadRequest, "Invalid data; couldn't parse JSON object.")
			return
		}
		b.mu.Lock()
		for rel, value := range updates {
			setNode(b.tree, strings.Trim(path+"/"+rel, "/"), value)
		}
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, updates)
	default:
		databaseFailure(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// push stores value under a new ordered key below path, resolving
// server timestamp sentinels, and notifies streams.
func (b *Backend) push(path string, value any) (string, any) {
	b.mu.Lock()
	b.pushSeq++
	key := fmt.Sprintf("-M%012d", b.pushSeq)
	value = resolveSentinels(value, b.now().UnixMilli())
	setNode(b.tree, path+"/"+key, value)
	b.mu.Unlock()

	data, _ := json.Marshal(map[string]any{"path": "/" + key, "data": value})
	b.broadcastFiltered(path, value, fmt.Sprintf("event: put\ndata: %s\n\n", data))
	return key, value
}

func resolveSentinels(value any, now int64) any {
	m, ok := value.(map[string]any)
	if !ok {
		return value
	}
	if len(m) == 1 && m[".sv"] == "timestamp" {
		return float64(now)
	}
	for k, v := range m {
		m[k] = resolveSentinels(v, now)
	}
	return m
}

func (b *Backend) broadcast(path, frame string) {
	b.broadcastFiltered(path, nil, frame)
}

func (b *Backend) broadcastFiltered(path string, value any, frame string) {
	b.mu.Lock()
	var targets []*subscriber
	for sub := range b.streams {
		if sub.path == path && (value == nil || sub.accepts(value)) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.frames <- frame:
		case <-sub.done:
		}
	}
}

func (s *subscriber) accepts(value any) bool {
	if !s.filter {
		return true
	}
	m, ok := value.(map[string]any)
	if !ok {
		return false
	}
	v, ok := m[s.orderBy].(float64)
	return ok && v >= s.startAt
}

func (b *Backend) serveStream(w http.ResponseWriter, r *http.Request, path string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		databaseFailure(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := &subscriber{
		path:   path,
		frames: make(chan string, 64),
		done:   make(chan struct{}),
	}
	query := r.URL.Query()
	if orderBy := query.Get("orderBy"); orderBy != "" {
		field, err := strconv.Unquote(orderBy)
		if err != nil {
			databaseFailure(w, http.StatusBadRequest, "orderBy must be a valid JSON encoded path")
			return
		}
		sub.orderBy = field
		if startAt := query.Get("startAt"); startAt != "" {
			v, err := strconv.ParseFloat(startAt, 64)
			if err != nil {
				databaseFailure(w, http.StatusBadRequest, "startAt must be a number")
				return
			}
			sub.startAt = v
			sub.filter = true
		}
	}

	b.mu.Lock()
	initial := map[string]any{}
	if children, ok := getNode(b.tree, path).(map[string]any); ok {
		keys := make([]string, 0, len(children))
		for k := range children {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if sub.accepts(children[k]) {
				initial[k] = children[k]
			}
		}
	}
	b.streams[sub] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.streams, sub)
		b.mu.Unlock()
		sub.close()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	var initialData any
	if len(initial) > 0 {
		initialData = initial
	}
	data, _ := json.Marshal(map[string]any{"path": "/", "data": initialData})
	fmt.Fprintf(w, "event: put\ndata: %s\n\n", data)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.done:
			return
		case frame := <-sub.frames:
			if _, err := fmt.Fprint(w, frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func getNode(tree map[string]any, path string) any {
	var node any = tree
	for _, part := range splitPath(path) {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node, ok = m[part]
		if !ok {
			return nil
		}
	}
	return node
}

func setNode(tree map[string]any, path string, value any) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return
	}
	node := tree
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[part] = child
		}
		node = child
	}
	last := parts[len(parts)-1]
	if value == nil {
		delete(node, last)
		return
	}
	node[last] = value
}
