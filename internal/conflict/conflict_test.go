package conflict

import (
	"errors"
	"fmt"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func TestInspectNil(t *testing.T) {
	if ev := Inspect(nil); ev != nil {
		t.Fatalf("expected nil event for nil error, got %+v", ev)
	}
}

func TestInspectAPIConflict(t *testing.T) {
	err := &tgbotapi.Error{Code: 409, Message: "Conflict: terminated by other getUpdates request"}
	ev := Inspect(err)
	if ev == nil {
		t.Fatal("expected conflict event for 409 API error")
	}
	if ev.Message != err.Message {
		t.Fatalf("unexpected message: %q", ev.Message)
	}
	if ev.DetectedAt.IsZero() {
		t.Fatal("DetectedAt not set")
	}
}

func TestInspectWrappedAPIConflict(t *testing.T) {
	inner := &tgbotapi.Error{Code: 409, Message: "Conflict: terminated by other getUpdates request"}
	err := fmt.Errorf("poll updates: %w", inner)
	if ev := Inspect(err); ev == nil {
		t.Fatal("expected conflict event for wrapped 409 error")
	}
}

func TestInspectUnrelatedAPIError(t *testing.T) {
	err := &tgbotapi.Error{Code: 401, Message: "Unauthorized"}
	if ev := Inspect(err); ev != nil {
		t.Fatalf("401 must not classify as conflict, got %+v", ev)
	}
}

func TestInspectUnrelatedError(t *testing.T) {
	if ev := Inspect(errors.New("connection reset by peer")); ev != nil {
		t.Fatalf("network error must not classify as conflict, got %+v", ev)
	}
}

func TestInspectLineSignature(t *testing.T) {
	lines := []string{
		"telegram.error.Conflict: terminated by other getUpdates request; make sure that only one bot instance is running",
		"2026/01/02 10:00:00 ERROR poll failed err=\"Conflict: terminated by other getUpdates request\"",
		"Conflict: can't use getUpdates method while webhook is active",
	}
	for _, line := range lines {
		if ev := InspectLine(line); ev == nil {
			t.Fatalf("expected conflict event for line %q", line)
		}
	}
}

func TestInspectLineUnrelated(t *testing.T) {
	lines := []string{
		"",
		"INFO bot started",
		"merge conflict in main.go", // word alone is not the rejection
		"read tcp: connection timed out",
	}
	for _, line := range lines {
		if ev := InspectLine(line); ev != nil {
			t.Fatalf("line %q must not classify as conflict, got %+v", line, ev)
		}
	}
}

func TestInspectLineTrimsMessage(t *testing.T) {
	ev := InspectLine("  Conflict: terminated by other getUpdates request  ")
	if ev == nil {
		t.Fatal("expected event")
	}
	if ev.Message != "Conflict: terminated by other getUpdates request" {
		t.Fatalf("message not trimmed: %q", ev.Message)
	}
}
