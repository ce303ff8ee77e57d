package media

import (
	"fmt"
	"slices"
	"time"
)

// Season tracks per-episode progress for one season of a series.
// Confirmed, Failed and Unprocessed are disjoint sets of episode ids.
type Season struct {
	Number       int        `json:"season_number"`
	EpisodeCount int        `json:"episode_count"`
	AiredCount   int        `json:"aired_episodes"`
	Confirmed    []string   `json:"confirmed_episodes"`
	Failed       []string   `json:"failed_episodes"`
	Unprocessed  []string   `json:"unprocessed_episodes"`
	Discrepant   bool       `json:"is_discrepant"`
	Completed    bool       `json:"completed"`
	LastChecked  *time.Time `json:"last_checked,omitempty"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

// NewSeason creates a season with every aired episode unprocessed
func NewSeason(number, episodeCount, airedCount int) Season {
	s := Season{
		Number:       number,
		EpisodeCount: episodeCount,
		AiredCount:   max(airedCount, 0),
		Confirmed:    []string{},
		Failed:       []string{},
		Unprocessed:  EpisodeRange(airedCount),
	}
	s.Discrepant = s.IsDiscrepant()
	return s
}

// IsDiscrepant reports a catalog inconsistency: more aired episodes than the season has.
// A season that is still airing (aired < total) is never discrepant.
func (s *Season) IsDiscrepant() bool {
	return s.AiredCount > s.EpisodeCount
}

// HasUnaired reports whether the catalog knows of episodes that have not aired yet
func (s *Season) HasUnaired() bool {
	return s.EpisodeCount > 0 && s.AiredCount < s.EpisodeCount
}

// Pending reports whether the season has episodes waiting for fulfilment
func (s *Season) Pending() bool {
	return len(s.Unprocessed) > 0
}

// AdvanceAired applies updated catalog counts. When the season still has a gap between aired and
// total episodes and nextAired is true, the aired count advances by one. Newly aired episode ids
// that are not already confirmed or failed are added to Unprocessed. Counts never move backwards.
// Returns true when anything changed.
func (s *Season) AdvanceAired(episodeCount, airedCount int, nextAired bool, now time.Time) bool {
	oldAired := s.AiredCount
	oldTotal := s.EpisodeCount

	newTotal := episodeCount
	if newTotal <= 0 {
		newTotal = oldTotal
	}
	newAired := max(airedCount, oldAired)
	if newAired < newTotal && nextAired {
		newAired++
	}

	changed := false
	if newAired > oldAired {
		for n := oldAired + 1; n <= newAired; n++ {
			id := EpisodeID(n)
			if slices.Contains(s.Confirmed, id) || slices.Contains(s.Failed, id) {
				continue
			}
			s.Unprocessed = addID(s.Unprocessed, id)
		}
		s.AiredCount = newAired
		s.Completed = false
		changed = true
	}
	if newTotal != oldTotal {
		s.EpisodeCount = newTotal
		changed = true
	}

	s.Discrepant = s.IsDiscrepant()
	s.LastChecked = &now
	if changed {
		s.UpdatedAt = &now
	}
	return changed
}

// ConfirmEpisode moves an episode into Confirmed
func (s *Season) ConfirmEpisode(id string) {
	s.Failed = removeID(s.Failed, id)
	s.Unprocessed = removeID(s.Unprocessed, id)
	s.Confirmed = addID(s.Confirmed, id)
}

// FailEpisode moves an episode into Failed unless it is already confirmed
func (s *Season) FailEpisode(id string) {
	if slices.Contains(s.Confirmed, id) {
		return
	}
	s.Unprocessed = removeID(s.Unprocessed, id)
	s.Failed = addID(s.Failed, id)
}

// RetryFailed moves failed episodes back into Unprocessed. Returns the number moved.
func (s *Season) RetryFailed(now time.Time) int {
	moved := 0
	for _, id := range s.Failed {
		if slices.Contains(s.Confirmed, id) {
			continue
		}
		s.Unprocessed = addID(s.Unprocessed, id)
		moved++
	}
	s.Failed = []string{}
	if moved > 0 {
		s.Completed = false
		s.UpdatedAt = &now
	}
	return moved
}

// MarkCompleted confirms every aired episode and clears the pending sets
func (s *Season) MarkCompleted(now time.Time) {
	for _, id := range EpisodeRange(s.AiredCount) {
		s.Confirmed = addID(s.Confirmed, id)
	}
	s.Failed = []string{}
	s.Unprocessed = []string{}
	s.Completed = true
	s.UpdatedAt = &now
}

// Validate checks the disjointness invariant and that every id lies within the aired range
func (s *Season) Validate() error {
	seen := make(map[string]string)
	check := func(set string, ids []string) error {
		for _, id := range ids {
			n, ok := ParseEpisodeID(id)
			if !ok {
				return fmt.Errorf("season %d: malformed episode id %q in %s", s.Number, id, set)
			}
			if n > s.AiredCount {
				return fmt.Errorf("season %d: %s lists %s beyond aired count %d", s.Number, set, id, s.AiredCount)
			}
			if other, dup := seen[id]; dup {
				return fmt.Errorf("season %d: %s present in both %s and %s", s.Number, id, other, set)
			}
			seen[id] = set
		}
		return nil
	}
	if err := check("confirmed", s.Confirmed); err != nil {
		return err
	}
	if err := check("failed", s.Failed); err != nil {
		return err
	}
	return check("unprocessed", s.Unprocessed)
}

// Seasons is the subdivision list of a series
type Seasons []Season

// Find returns the season with the given number
func (ss Seasons) Find(number int) (*Season, bool) {
	for i := range ss {
		if ss[i].Number == number {
			return &ss[i], true
		}
	}
	return nil, false
}

// AnyDiscrepant reports whether any season is discrepant
func (ss Seasons) AnyDiscrepant() bool {
	for i := range ss {
		if ss[i].IsDiscrepant() {
			return true
		}
	}
	return false
}

// DiscrepantNumbers lists the numbers of discrepant seasons
func (ss Seasons) DiscrepantNumbers() []int {
	var nums []int
	for i := range ss {
		if ss[i].IsDiscrepant() {
			nums = append(nums, ss[i].Number)
		}
	}
	return nums
}

// HasPending reports whether any season has unprocessed episodes
func (ss Seasons) HasPending() bool {
	for i := range ss {
		if ss[i].Pending() {
			return true
		}
	}
	return false
}

// Progress sums confirmed and aired episodes over all seasons
func (ss Seasons) Progress() (confirmed, aired int) {
	for i := range ss {
		confirmed += len(ss[i].Confirmed)
		aired += ss[i].AiredCount
	}
	return confirmed, aired
}

// Sort orders seasons by number
func (ss Seasons) Sort() {
	slices.SortFunc(ss, func(a, b Season) int { return a.Number - b.Number })
}

func addID(ids []string, id string) []string {
	if slices.Contains(ids, id) {
		return ids
	}
	ids = append(ids, id)
	slices.SortFunc(ids, compareEpisodeIDs)
	return ids
}

func removeID(ids []string, id string) []string {
	return slices.DeleteFunc(ids, func(v string) bool { return v == id })
}

func compareEpisodeIDs(a, b string) int {
	na, _ := ParseEpisodeID(a)
	nb, _ := ParseEpisodeID(b)
	return na - nb
}
