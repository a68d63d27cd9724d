package content

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"regexp"
	"strings"
	"time"
	"tiwut/internal/models"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/renderer/html"
)

const MinPasswordLength = 6

var (
	policy        = bluemonday.UGCPolicy()
	markdown      = goldmark.New(goldmark.WithRendererOptions(html.WithHardWraps()))
	// Usernames are database keys under usernames/ and the local part of
	// the sign-in email.
	usernameForbidden = regexp.MustCompile(`[.$#\[\]/@\s\x00-\x1f\x7f]`)
)

// Sanitize removes unsafe HTML from the input string using the UGC policy.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
// It matches the behavior of html/template and is safe for use in HTML attributes.
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// ValidateUsername rejects usernames that cannot be stored as a
// database key or used in an email address.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if usernameForbidden.MatchString(username) {
		return errors.New("username must not contain spaces or any of . $ # [ ] / @")
	}
	return nil
}

func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters long", MinPasswordLength)
	}
	return nil
}

// ValidateRegistration checks a registration form before any backend
// call is made.
func ValidateRegistration(displayName, username, password, confirm string) error {
	if strings.TrimSpace(displayName) == "" {
		return errors.New("display name cannot be empty")
	}
	if err := ValidateUsername(username); err != nil {
		return err
	}
	if err := ValidatePassword(password); err != nil {
		return err
	}
	if password != confirm {
		return errors.New("passwords do not match")
	}
	return nil
}

// RenderText converts message markdown to sanitized HTML. A message that
// renders to a single paragraph is returned without the <p> wrapper.
func RenderText(text string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return Escape(text)
	}

	out := strings.TrimSpace(Sanitize(buf.String()))
	if strings.HasPrefix(out, "<p>") && strings.HasSuffix(out, "</p>") && strings.Count(out, "<p>") == 1 {
		out = strings.TrimSuffix(strings.TrimPrefix(out, "<p>"), "</p>")
	}
	return out
}

// FormatHTML renders a message line as shown in the chat view.
func FormatHTML(msg models.Message, loc *time.Location) string {
	return fmt.Sprintf("<small>[%s]</small> <b>%s:</b> %s",
		msg.Time().In(loc).Format(time.TimeOnly),
		Escape(msg.SenderName),
		RenderText(msg.Text),
	)
}

// FormatPlain renders a message line for terminals.
func FormatPlain(msg models.Message, loc *time.Location) string {
	return fmt.Sprintf("[%s] %s: %s", msg.Time().In(loc).Format(time.TimeOnly), msg.SenderName, msg.Text)
}

// BridgeMessage prepares msg for the GUI bridge.
func BridgeMessage(msg models.Message, loc *time.Location) models.BridgeMessage {
	return models.BridgeMessage{
		ID:         msg.ID,
		SenderName: msg.SenderName,
		Text:       msg.Text,
		HTML:       FormatHTML(msg, loc),
		Timestamp:  msg.Timestamp,
	}
}
