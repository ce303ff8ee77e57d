package media

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// episodeIDRegex matches episode identifiers like "E01", "e7", "E120"
var episodeIDRegex = regexp.MustCompile(`^[Ee](\d{1,4})$`)

// seasonLabelRegex matches requested season labels like "Season 2", "S02", "2"
var seasonLabelRegex = regexp.MustCompile(`^(?i:season\s*|s)?(\d{1,3})$`)

// DisplayTitle formats a title with its release year, e.g. "Dune (2021)"
func DisplayTitle(title string, year int) string {
	title = strings.TrimSpace(title)
	if year <= 0 {
		return title
	}
	suffix := fmt.Sprintf(" (%d)", year)
	if strings.HasSuffix(title, suffix) {
		return title
	}
	return title + suffix
}

// EpisodeID returns the canonical identifier for an episode number (1 -> "E01")
func EpisodeID(number int) string {
	return fmt.Sprintf("E%02d", number)
}

// ParseEpisodeID extracts the episode number from an identifier like "E07".
// Returns 0 and false if the identifier is malformed.
func ParseEpisodeID(id string) (int, bool) {
	match := episodeIDRegex.FindStringSubmatch(strings.TrimSpace(id))
	if match == nil {
		return 0, false
	}
	n, err := strconv.Atoi(match[1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// EpisodeRange returns the identifiers E01..E<count>
func EpisodeRange(count int) []string {
	if count <= 0 {
		return []string{}
	}
	ids := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		ids = append(ids, EpisodeID(i))
	}
	return ids
}

// ParseSeasonList parses a comma separated season list ("Season 1, Season 3" or "1,3")
// into sorted, de-duplicated season numbers. Specials (season 0) and malformed entries are skipped.
func ParseSeasonList(s string) []int {
	var seasons []int
	for part := range strings.SplitSeq(s, ",") {
		match := seasonLabelRegex.FindStringSubmatch(strings.TrimSpace(part))
		if match == nil {
			continue
		}
		n, err := strconv.Atoi(match[1])
		if err != nil || n <= 0 {
			continue
		}
		if !slices.Contains(seasons, n) {
			seasons = append(seasons, n)
		}
	}
	slices.Sort(seasons)
	return seasons
}

// FormatSeasonList renders season numbers the way request trackers label them
func FormatSeasonList(seasons []int) string {
	labels := make([]string, 0, len(seasons))
	for _, n := range seasons {
		labels = append(labels, fmt.Sprintf("Season %d", n))
	}
	return strings.Join(labels, ", ")
}
