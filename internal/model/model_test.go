package model

import (
	"errors"
	"testing"
	"time"
)

func TestTransition(t *testing.T) {
	statuses := []ProcessingStatus{StatusReceived, StatusProcessing, StatusCompleted, StatusFailed}
	allowed := map[[2]ProcessingStatus]bool{
		{StatusReceived, StatusProcessing}:  true,
		{StatusReceived, StatusFailed}:      true,
		{StatusProcessing, StatusCompleted}: true,
		{StatusProcessing, StatusFailed}:    true,
	}

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, from := range statuses {
		for _, to := range statuses {
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				r := NewRun("run-1", "doc-1", "alice", start)
				r.Status = from
				end := start.Add(time.Minute)

				err := r.Transition(to, end)
				if allowed[[2]ProcessingStatus{from, to}] {
					if err != nil {
						t.Fatalf("Transition: %v", err)
					}
					if r.Status != to {
						t.Errorf("Status = %q, want %q", r.Status, to)
					}
					if to.Terminal() && (r.FinishedAt == nil || !r.FinishedAt.Equal(end)) {
						t.Errorf("FinishedAt = %v, want %v", r.FinishedAt, end)
					}
					return
				}
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("Transition error = %v, want ErrInvalidTransition", err)
				}
				if r.Status != from || r.FinishedAt != nil {
					t.Errorf("rejected transition modified run: status %q, finished %v", r.Status, r.FinishedAt)
				}
			})
		}
	}
}

func TestTerminalRunStaysFinished(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := NewRun("run-1", "doc-1", "alice", start)
	if err := r.Transition(StatusProcessing, start); err != nil {
		t.Fatal(err)
	}
	if err := r.Transition(StatusCompleted, start.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	finished := *r.FinishedAt

	for _, next := range []ProcessingStatus{StatusProcessing, StatusFailed, StatusCompleted, StatusReceived} {
		if err := r.Transition(next, start.Add(time.Hour)); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("completed -> %s: err = %v", next, err)
		}
	}
	if r.Status != StatusCompleted || !r.FinishedAt.Equal(finished) {
		t.Errorf("run changed after completion: %q at %v", r.Status, r.FinishedAt)
	}
}
