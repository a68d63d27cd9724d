// Package stream follows a room's messages over a server-sent event
// stream.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"tiwut/internal/backend"
	"tiwut/internal/models"
)

type State int32

const (
	Idle State = iota
	Connecting
	Streaming
	Stopped
	Errored
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Stopped:
		return "stopped"
	case Errored:
		return "errored"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	ErrStreamClosed = errors.New("stream closed by server")
)

// ParseError is a frame that could not be turned into a message. It is
// logged and the stream continues.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unusable stream frame: %s: %v", e.Reason, e.Err)
	}
	return "unusable stream frame: " + e.Reason
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Opener opens an event stream on a database path.
type Opener interface {
	OpenStream(ctx context.Context, path, token string, query url.Values) (io.ReadCloser, error)
}

// Consumer runs at most one stream worker at a time.
type Consumer struct {
	opener Opener
	logger *slog.Logger

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

func NewConsumer(opener Opener) *Consumer {
	return &Consumer{
		opener: opener,
		logger: slog.Default(),
	}
}

func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start stops any running worker and follows roomID from startAt
// (server milliseconds, inclusive). onMessage and onError are called on
// the worker goroutine; they must not call Start or Stop.
func (c *Consumer) Start(roomID, token string, startAt int64, onMessage func(models.Message), onError func(error)) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.state = Connecting
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.run(ctx, roomID, token, startAt, onMessage, onError)
	}()
}

// Stop cancels the worker and waits for it to exit. No callback runs
// after Stop returns. Stopping an idle consumer does nothing.
func (c *Consumer) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.stop()
}

func (c *Consumer) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	c.mu.Lock()
	if c.state == Connecting || c.state == Streaming {
		c.state = Stopped
	}
	c.mu.Unlock()
}

func (c *Consumer) run(ctx context.Context, roomID, token string, startAt int64, onMessage func(models.Message), onError func(error)) {
	path := "chats/" + roomID + "/messages"
	logger := c.logger.With("room_id", roomID)

	fail := func(err error) {
		if ctx.Err() != nil {
			return
		}
		c.setState(Errored)
		logger.Error("Stream failed", "error", err)
		onError(err)
	}

	query := url.Values{
		"orderBy": {`"timestamp"`},
		"startAt": {strconv.FormatInt(startAt, 10)},
	}
	body, err := c.opener.OpenStream(ctx, path, token, query)
	if err != nil {
		fail(err)
		return
	}
	defer body.Close()
	// A blocked read has to return once the stream is stopped.
	release := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer release()

	c.setState(Streaming)
	logger.Info("Streaming messages", "start_at", startAt)

	scanner := NewScanner(body)
	for scanner.Scan() {
		event := scanner.Event()

		switch event.Type {
		case "", "put", "patch":
		case "keep-alive":
			continue
		case "cancel", "auth_revoked":
			reason := strings.Trim(event.Data, `"`)
			if reason == "" || reason == "null" {
				reason = event.Type
			}
			fail(&backend.AuthError{StatusCode: http.StatusUnauthorized, Message: reason})
			return
		default:
			logger.Debug("Ignoring stream event", "type", event.Type)
			continue
		}

		msg, ok, err := parseFrame(event.Data)
		if err != nil {
			logger.Debug("Dropping stream frame", "error", err)
			continue
		}
		if !ok || msg.Timestamp < startAt {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		onMessage(msg)
	}

	if ctx.Err() != nil {
		return
	}
	if err := scanner.Err(); err != nil {
		fail(&backend.NetworkError{Op: "STREAM " + path, Err: err})
		return
	}
	fail(ErrStreamClosed)
}

// parseFrame decodes the {path, data} payload of a put or patch event.
// ok is false for the "/" sync marker.
func parseFrame(data string) (models.Message, bool, error) {
	var frame struct {
		Path string          `json:"path"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(data), &frame); err != nil {
		return models.Message{}, false, &ParseError{Reason: "invalid frame", Err: err}
	}
	if frame.Path == "/" {
		return models.Message{}, false, nil
	}

	key := strings.TrimPrefix(frame.Path, "/")
	if key == "" || strings.Contains(key, "/") {
		return models.Message{}, false, &ParseError{Reason: "unexpected path " + frame.Path}
	}
	if len(frame.Data) == 0 || string(frame.Data) == "null" {
		return models.Message{}, false, &ParseError{Reason: "no data for " + key}
	}

	var payload struct {
		Username  string `json:"username"`
		Text      string `json:"text"`
		Timestamp *int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		return models.Message{}, false, &ParseError{Reason: "invalid message " + key, Err: err}
	}
	if payload.Timestamp == nil {
		return models.Message{}, false, &ParseError{Reason: "no timestamp for " + key}
	}

	return models.Message{
		ID:         key,
		SenderName: payload.Username,
		Text:       payload.Text,
		Timestamp:  *payload.Timestamp,
	}, true, nil
}
