package migration

import (
	"testing"
	"time"
)

func TestHistoryAppendAndEvents(t *testing.T) {
	h, err := OpenHistory(t.TempDir())
	if err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}
	defer h.Close()

	steps := []struct {
		status  Status
		message string
	}{
		{StatusInitializing, "job accepted"},
		{StatusValidating, "probing hosts"},
		{StatusFailed, "host unreachable"},
	}
	for _, s := range steps {
		if err := h.Append("job-1", s.status, s.message); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := h.Append("job-2", StatusInitializing, "other job"); err != nil {
		t.Fatal(err)
	}

	events, err := h.Events("job-1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	for i, s := range steps {
		if events[i].Status != s.status || events[i].Message != s.message {
			t.Fatalf("event %d = %+v, want %+v", i, events[i], s)
		}
		if events[i].At.IsZero() {
			t.Fatal("event without timestamp")
		}
	}
}

func TestHistoryPrune(t *testing.T) {
	h, err := OpenHistory(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	// One aged event, one fresh.
	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	if _, err := h.db.Exec(
		`INSERT INTO job_events (job_id, status, message, at) VALUES (?, ?, ?, ?)`,
		"job-1", string(StatusCompleted), "long ago", old,
	); err != nil {
		t.Fatal(err)
	}
	if err := h.Append("job-1", StatusInitializing, "fresh"); err != nil {
		t.Fatal(err)
	}

	n, err := h.Prune(24 * time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	events, err := h.Events("job-1")
	if err != nil || len(events) != 1 || events[0].Message != "fresh" {
		t.Fatalf("events after prune = %+v, %v", events, err)
	}
}
