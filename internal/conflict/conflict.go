package conflict

import (
	"errors"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// conflictStatusCode is returned by the bot API when another session already
// holds the long-poll lease.
const conflictStatusCode = 409

// conflictSignature appears in the conflict rejection regardless of client
// library; matching the substring also covers errors surfaced as plain text
// on a child process stderr.
const conflictSignature = "terminated by other getUpdates request"

// Event records a detected lease violation. It is created by Inspect and
// consumed (by value) by the supervisor's recovery routine.
type Event struct {
	DetectedAt time.Time `json:"detected_at"`
	Message    string    `json:"message"`
	Holders    []int     `json:"holders,omitempty"` // PIDs known at detection time, filled in by the consumer
}

// Inspect classifies an error surfaced by the bot client's polling loop.
// It returns an Event when the error carries the remote conflict signature
// and nil for anything else; unrelated errors are the caller's to handle.
// Inspect has no side effects.
func Inspect(err error) *Event {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == conflictStatusCode {
		return &Event{DetectedAt: time.Now(), Message: apiErr.Message}
	}
	return InspectLine(err.Error())
}

// InspectLine classifies a single line of client output (typically stderr).
// The bot client runs as a separate process, so the conflict rejection often
// arrives as log text rather than a typed error.
func InspectLine(line string) *Event {
	if !strings.Contains(line, conflictSignature) && !containsConflictStatus(line) {
		return nil
	}
	return &Event{DetectedAt: time.Now(), Message: strings.TrimSpace(line)}
}

// containsConflictStatus matches the "Conflict:" rejection wording used by
// the bot API without matching arbitrary uses of the word elsewhere in a line.
func containsConflictStatus(line string) bool {
	return strings.Contains(line, "Conflict:")
}
