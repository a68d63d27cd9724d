package stream

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// Event is one server-sent event.
type Event struct {
	// Type is the "event:" field, empty for the default type.
	Type string
	// Data joins the event's "data:" lines with newlines.
	Data string
}

// Scanner splits a text/event-stream body into events. Comment lines
// and fields other than event and data are skipped; an event without
// data lines is dropped.
type Scanner struct {
	r     *bufio.Reader
	event Event
	err   error
	done  bool
}

func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// Scan advances to the next event and reports whether there is one.
func (s *Scanner) Scan() bool {
	if s.done {
		return false
	}
	s.event = Event{}

	var (
		eventType string
		data      []string
	)
	for {
		line, err := s.r.ReadString('\n')
		if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
			s.done = true
			if !errors.Is(err, io.EOF) {
				s.err = err
				return false
			}
			// Stream ended; a pending event without its blank line
			// still counts.
			if data != nil {
				s.event = Event{Type: eventType, Data: strings.Join(data, "\n")}
				return true
			}
			return false
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if data != nil {
				s.event = Event{Type: eventType, Data: strings.Join(data, "\n")}
				return true
			}
			eventType = ""
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			eventType = value
		case "data":
			data = append(data, value)
		}
	}
}

func (s *Scanner) Event() Event {
	return s.event
}

// Err returns the read error that ended the scan, or nil at a clean end
// of stream.
func (s *Scanner) Err() error {
	return s.err
}
