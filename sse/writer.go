package sse

import (
	"fmt"
	"io"
	"strings"
)

// WriteEvent frames a single SSE block. Empty id and event fields are omitted;
// payload newlines become consecutive data lines so the block survives a
// round trip through Scanner.
func WriteEvent(writer io.Writer, id, event, data string) error {
	var builder strings.Builder
	if id != "" {
		builder.WriteString("id: ")
		builder.WriteString(id)
		builder.WriteString("\n")
	}
	if event != "" && event != DefaultEvent {
		builder.WriteString("event: ")
		builder.WriteString(event)
		builder.WriteString("\n")
	}
	for _, line := range strings.Split(data, "\n") {
		builder.WriteString("data: ")
		builder.WriteString(line)
		builder.WriteString("\n")
	}
	builder.WriteString("\n")
	if _, err := io.WriteString(writer, builder.String()); err != nil {
		return fmt.Errorf("failed to write sse event: %w", err)
	}
	return nil
}

// WriteComment frames a ": text" comment line, typically used as a heartbeat.
func WriteComment(writer io.Writer, text string) error {
	if _, err := fmt.Fprintf(writer, ": %s\n\n", text); err != nil {
		return fmt.Errorf("failed to write sse comment: %w", err)
	}
	return nil
}

// WriteRetry frames a retry field advising the client reconnect delay in milliseconds.
func WriteRetry(writer io.Writer, millis int) error {
	if _, err := fmt.Fprintf(writer, "retry: %d\n\n", millis); err != nil {
		return fmt.Errorf("failed to write sse retry: %w", err)
	}
	return nil
}
