// Package catalog resolves media metadata (titles, release dates, season and episode air
// counts) from an external catalog service.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/saltyorg/reqflow/internal/media"
)

// ErrNotFound is returned when the catalog has no entry for the requested id
var ErrNotFound = errors.New("catalog: not found")

// Catalog is the metadata boundary used by admission and maintenance
type Catalog interface {
	// ResolveMedia looks up a movie or series by its catalog (TMDB) id
	ResolveMedia(ctx context.Context, catalogID int64, kind media.Kind) (*Media, error)

	// ResolveSeasonEpisodes returns the total and aired episode counts of one season
	ResolveSeasonEpisodes(ctx context.Context, canonicalID string, season int) (*SeasonCounts, error)

	// NextEpisodeHasAired reports whether episode afterIndex+1 of a season has aired
	NextEpisodeHasAired(ctx context.Context, canonicalID string, season, afterIndex int) (bool, error)

	// ListSeasonEpisodes returns every regular season with per-episode air dates
	ListSeasonEpisodes(ctx context.Context, canonicalID string) ([]SeasonEpisodes, error)
}

// Media is a resolved catalog entry
type Media struct {
	CatalogID   int64
	Kind        media.Kind
	Title       string
	Year        int
	IMDbID      string
	CanonicalID string
	ReleasedAt  *time.Time
	Seasons     []SeasonCounts
}

// SeasonCounts holds the episode counts of one season
type SeasonCounts struct {
	Number       int
	EpisodeCount int
	AiredCount   int
}

// Episode is a single episode with its first air date (nil when unknown)
type Episode struct {
	Number     int
	FirstAired *time.Time
}

// SeasonEpisodes lists the episodes of one season
type SeasonEpisodes struct {
	Number   int
	Episodes []Episode
}
