package media

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		trigger Trigger
		wantErr error
	}{
		{"pending to processing", StatusPending, StatusProcessing, TriggerWorker, nil},
		{"processing to completed", StatusProcessing, StatusCompleted, TriggerWorker, nil},
		{"processing to failed", StatusProcessing, StatusFailed, TriggerWorker, nil},
		{"processing to unreleased", StatusProcessing, StatusUnreleased, TriggerWorker, nil},
		{"unreleased to pending", StatusUnreleased, StatusPending, TriggerMaintenance, nil},
		{"failed to processing via retry", StatusFailed, StatusProcessing, TriggerRetry, nil},
		{"failed to pending via maintenance", StatusFailed, StatusPending, TriggerMaintenance, nil},
		{"failed to processing via sync", StatusFailed, StatusProcessing, TriggerSync, ErrInvalidTransition},
		{"failed to processing via worker", StatusFailed, StatusProcessing, TriggerWorker, ErrInvalidTransition},
		{"anything to ignored", StatusCompleted, StatusIgnored, TriggerManual, nil},
		{"ignored is terminal", StatusIgnored, StatusPending, TriggerMaintenance, ErrTerminal},
		{"ignored manual restore", StatusIgnored, StatusPending, TriggerManual, nil},
		{"completed is terminal", StatusCompleted, StatusProcessing, TriggerRetry, ErrInvalidTransition},
		{"completed manual requeue", StatusCompleted, StatusPending, TriggerManual, nil},
		{"completed reopened by maintenance", StatusCompleted, StatusPending, TriggerMaintenance, nil},
		{"completed not reopened by sync", StatusCompleted, StatusPending, TriggerSync, ErrInvalidTransition},
		{"unreleased to completed", StatusUnreleased, StatusCompleted, TriggerWorker, ErrInvalidTransition},
		{"self transition", StatusFailed, StatusFailed, TriggerWorker, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CanTransition(tt.from, tt.to, tt.trigger)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind("tv"); err != nil || k != KindSeries {
		t.Fatalf("expected tv to parse as series, got %q (%v)", k, err)
	}
	if _, err := ParseKind("music"); err == nil {
		t.Fatalf("expected unknown kind to fail")
	}
}

func TestParseSeasonList(t *testing.T) {
	got := ParseSeasonList("Season 3, Season 1, S02, 1, Season 0, bogus")
	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if s := FormatSeasonList(got); s != "Season 1, Season 2, Season 3" {
		t.Fatalf("unexpected label %q", s)
	}
}

func TestDisplayTitle(t *testing.T) {
	if got := DisplayTitle("Dune", 2021); got != "Dune (2021)" {
		t.Fatalf("expected Dune (2021), got %q", got)
	}
	if got := DisplayTitle("Dune (2021)", 2021); got != "Dune (2021)" {
		t.Fatalf("expected year not to be appended twice, got %q", got)
	}
	if got := DisplayTitle("Dune", 0); got != "Dune" {
		t.Fatalf("expected bare title, got %q", got)
	}
}
