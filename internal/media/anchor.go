package media

import (
	"slices"
	"time"
)

// AnchorWindow limits a subscription scan to episodes that first aired between the
// subscription anchor date and today, both inclusive at day granularity.
type AnchorWindow struct {
	Anchor time.Time
	Today  time.Time
}

// Includes reports whether an episode with the given first-aired time falls inside the window.
// Episodes without an air date are never included.
func (w AnchorWindow) Includes(firstAired *time.Time) bool {
	if firstAired == nil {
		return false
	}
	day := truncateDay(*firstAired)
	return !day.Before(truncateDay(w.Anchor)) && !day.After(truncateDay(w.Today))
}

// AddAnchored merges episode ids found by a subscription scan into the season. The merge is
// forward-only: ids already confirmed or failed are left alone, nothing is ever removed, and the
// aired count only grows to cover the highest id seen. Returns the ids that were added.
func (s *Season) AddAnchored(ids []string, now time.Time) []string {
	var added []string
	for _, id := range ids {
		n, ok := ParseEpisodeID(id)
		if !ok {
			continue
		}
		if slices.Contains(s.Confirmed, id) || slices.Contains(s.Failed, id) || slices.Contains(s.Unprocessed, id) {
			continue
		}
		s.Unprocessed = addID(s.Unprocessed, id)
		if n > s.AiredCount {
			s.AiredCount = n
		}
		added = append(added, id)
	}
	if len(added) > 0 {
		s.Completed = false
		s.Discrepant = s.IsDiscrepant()
		s.UpdatedAt = &now
	}
	s.LastChecked = &now
	return added
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
