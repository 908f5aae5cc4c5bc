// Package sse implements the server-sent events wire format subset used by the
// streamable HTTP transport: blocks of "field: value" lines separated by a
// blank line, with event, data, id and retry fields and ":" comment lines.
package sse

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/viant/mcp/internal/pointer"
)

// DefaultEvent is the event name assumed when a block carries no event field.
const DefaultEvent = "message"

// Event is a single parsed SSE block. ID and Retry are pointers so that an
// explicitly empty id (which resets stream resumption state) is distinguishable
// from an absent one.
type Event struct {
	ID    *string
	Event string
	Data  string
	Retry *time.Duration
}

// Scanner reads SSE blocks from a stream.
type Scanner struct {
	reader *bufio.Reader
	done   bool
}

// NewScanner creates a Scanner over reader.
func NewScanner(reader io.Reader) *Scanner {
	return &Scanner{reader: bufio.NewReader(reader)}
}

// Next returns the next meaningful event block. Blocks carrying only comments,
// or an unchanged default event with no data, are skipped. It returns io.EOF
// once the stream is exhausted.
func (s *Scanner) Next() (*Event, error) {
	if s.done {
		return nil, io.EOF
	}
	event := &Event{}
	var dataLines []string
	sawEvent := false
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				return nil, err
			}
			s.done = true
			if line == "" {
				if meaningful(event, dataLines, sawEvent) {
					return finalize(event, dataLines), nil
				}
				return nil, io.EOF
			}
		}
		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		if line == "" {
			if meaningful(event, dataLines, sawEvent) {
				return finalize(event, dataLines), nil
			}
			// reset and keep scanning
			event = &Event{}
			dataLines = nil
			sawEvent = false
			if s.done {
				return nil, io.EOF
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			if s.done {
				if meaningful(event, dataLines, sawEvent) {
					return finalize(event, dataLines), nil
				}
				return nil, io.EOF
			}
			continue
		}

		field, value := splitField(line)
		switch field {
		case "event":
			event.Event = value
			sawEvent = true
		case "data":
			dataLines = append(dataLines, value)
		case "id":
			event.ID = pointer.Ref(value)
		case "retry":
			if millis, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && millis >= 0 {
				event.Retry = pointer.Ref(time.Duration(millis) * time.Millisecond)
			}
		}
		if s.done {
			if meaningful(event, dataLines, sawEvent) {
				return finalize(event, dataLines), nil
			}
			return nil, io.EOF
		}
	}
}

// splitField separates "field: value", stripping a single leading space of the value.
func splitField(line string) (string, string) {
	index := strings.IndexByte(line, ':')
	if index == -1 {
		return line, ""
	}
	field := line[:index]
	value := line[index+1:]
	value = strings.TrimPrefix(value, " ")
	return field, value
}

func meaningful(event *Event, dataLines []string, sawEvent bool) bool {
	if len(dataLines) > 0 || event.ID != nil || event.Retry != nil {
		return true
	}
	return sawEvent && event.Event != "" && event.Event != DefaultEvent
}

func finalize(event *Event, dataLines []string) *Event {
	event.Data = strings.Join(dataLines, "\n")
	if event.Event == "" {
		event.Event = DefaultEvent
	}
	return event
}
