package queue

import (
	"testing"
	"time"

	"github.com/saltyorg/reqflow/internal/media"
)

func TestRegistry_RaceWindow(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	r := NewRegistry()
	r.now = func() time.Time { return now }

	key := Key{CatalogID: 42, Kind: media.KindSeries}
	r.Cancel(key)

	now = now.Add(time.Second)
	if !r.CancelledWithin(key, DefaultRaceWindow) {
		t.Fatalf("expected cancellation 1s ago to be inside the race window")
	}

	now = now.Add(5 * time.Second)
	if r.CancelledWithin(key, DefaultRaceWindow) {
		t.Fatalf("expected cancellation 6s ago to be outside the race window")
	}
	if _, ok := r.CancelledAt(key); !ok {
		t.Fatalf("expected entry to remain until cleared or purged")
	}

	if !r.Clear(key) {
		t.Fatalf("expected clear to report an existing entry")
	}
	if r.Clear(key) {
		t.Fatalf("expected second clear to report nothing")
	}
}

func TestRegistry_Purge(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	r := NewRegistry()
	r.now = func() time.Time { return now }

	r.Cancel(Key{CatalogID: 1, Kind: media.KindMovie})
	now = now.Add(time.Minute)
	r.Cancel(Key{CatalogID: 2, Kind: media.KindMovie})

	if removed := r.Purge(30 * time.Second); removed != 1 {
		t.Fatalf("expected 1 entry purged, got %d", removed)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 entry left, got %d", r.Len())
	}
}
