package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/saltyorg/reqflow/internal/httpclient"
	"github.com/saltyorg/reqflow/internal/media"
)

const (
	DefaultTraktURL      = "https://api.trakt.tv"
	DefaultTraktTokenURL = "https://api.trakt.tv/oauth/token"
	traktAPIVersion      = "2"
	cacheSize            = 1024
)

// TraktConfig configures the Trakt catalog client
type TraktConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	TokenURL     string
	// Token is an optional OAuth token. Public endpoints only need the client id.
	Token             *oauth2.Token
	RequestsPerSecond float64
	CacheTTL          time.Duration
	Timeout           time.Duration
}

// TraktClient implements Catalog against the Trakt v2 API
type TraktClient struct {
	baseURL  string
	clientID string
	client   *http.Client
	oauth    *oauth2.Config
	source   *swappableSource
	cache    *expirable.LRU[string, []byte]
	group    singleflight.Group
	now      func() time.Time
}

// NewTraktClient creates a rate limited, caching Trakt client
func NewTraktClient(cfg TraktConfig) *TraktClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultTraktURL
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTraktTokenURL
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	c := &TraktClient{
		baseURL:  baseURL,
		clientID: cfg.ClientID,
		client:   httpclient.NewLimitedClient("trakt", cfg.Timeout, rate.NewLimiter(limit, 1)),
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		},
		cache: expirable.NewLRU[string, []byte](cacheSize, nil, ttl),
		now:   time.Now,
	}
	if cfg.Token != nil && (cfg.Token.AccessToken != "" || cfg.Token.RefreshToken != "") {
		c.source = &swappableSource{}
		c.source.set(c.oauth.TokenSource(context.Background(), cfg.Token))
		c.client.Transport = &oauth2.Transport{Source: c.source, Base: c.client.Transport}
	}
	return c
}

// RefreshToken forces an OAuth refresh and returns the new token for persistence.
// Returns nil without error when the client has no refresh token configured.
func (c *TraktClient) RefreshToken(ctx context.Context) (*oauth2.Token, error) {
	if c.source == nil {
		return nil, nil
	}
	current, err := c.source.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to read current token: %w", err)
	}
	if current.RefreshToken == "" {
		return nil, nil
	}

	expired := &oauth2.Token{RefreshToken: current.RefreshToken, Expiry: time.Unix(1, 0)}
	fresh, err := c.oauth.TokenSource(ctx, expired).Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	c.source.set(c.oauth.TokenSource(context.Background(), fresh))
	log.Debug().Time("expiry", fresh.Expiry).Msg("Refreshed catalog token")
	return fresh, nil
}

type traktIDs struct {
	Trakt int64  `json:"trakt"`
	IMDb  string `json:"imdb"`
	TMDB  int64  `json:"tmdb"`
}

type traktMovie struct {
	Title    string   `json:"title"`
	Year     int      `json:"year"`
	IDs      traktIDs `json:"ids"`
	Released string   `json:"released"`
}

type traktShow struct {
	Title      string     `json:"title"`
	Year       int        `json:"year"`
	IDs        traktIDs   `json:"ids"`
	FirstAired *time.Time `json:"first_aired"`
}

type traktSearchResult struct {
	Type  string      `json:"type"`
	Movie *traktMovie `json:"movie"`
	Show  *traktShow  `json:"show"`
}

type traktEpisode struct {
	Season     int        `json:"season"`
	Number     int        `json:"number"`
	FirstAired *time.Time `json:"first_aired"`
}

type traktSeason struct {
	Number        int            `json:"number"`
	EpisodeCount  int            `json:"episode_count"`
	AiredEpisodes int            `json:"aired_episodes"`
	Episodes      []traktEpisode `json:"episodes"`
}

// ResolveMedia looks up a movie or show by TMDB id
func (c *TraktClient) ResolveMedia(ctx context.Context, catalogID int64, kind media.Kind) (*Media, error) {
	searchType := "movie"
	if kind == media.KindSeries {
		searchType = "show"
	}

	var results []traktSearchResult
	path := fmt.Sprintf("/search/tmdb/%d?type=%s&extended=full", catalogID, searchType)
	if err := c.getJSON(ctx, path, true, &results); err != nil {
		return nil, err
	}

	for _, r := range results {
		switch {
		case kind == media.KindMovie && r.Movie != nil:
			m := &Media{
				CatalogID:   catalogID,
				Kind:        kind,
				Title:       r.Movie.Title,
				Year:        r.Movie.Year,
				IMDbID:      r.Movie.IDs.IMDb,
				CanonicalID: fmt.Sprint(r.Movie.IDs.Trakt),
			}
			if released, err := time.Parse(time.DateOnly, r.Movie.Released); err == nil {
				m.ReleasedAt = &released
			}
			return m, nil
		case kind == media.KindSeries && r.Show != nil:
			m := &Media{
				CatalogID:   catalogID,
				Kind:        kind,
				Title:       r.Show.Title,
				Year:        r.Show.Year,
				IMDbID:      r.Show.IDs.IMDb,
				CanonicalID: fmt.Sprint(r.Show.IDs.Trakt),
				ReleasedAt:  r.Show.FirstAired,
			}
			seasons, err := c.seasons(ctx, m.CanonicalID)
			if err != nil {
				return nil, err
			}
			for _, s := range seasons {
				m.Seasons = append(m.Seasons, SeasonCounts{Number: s.Number, EpisodeCount: s.EpisodeCount, AiredCount: s.AiredEpisodes})
			}
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %d", ErrNotFound, kind, catalogID)
}

// ResolveSeasonEpisodes returns the counts for one season
func (c *TraktClient) ResolveSeasonEpisodes(ctx context.Context, canonicalID string, season int) (*SeasonCounts, error) {
	seasons, err := c.seasons(ctx, canonicalID)
	if err != nil {
		return nil, err
	}
	for _, s := range seasons {
		if s.Number == season {
			return &SeasonCounts{Number: s.Number, EpisodeCount: s.EpisodeCount, AiredCount: s.AiredEpisodes}, nil
		}
	}
	return nil, fmt.Errorf("%w: show %s season %d", ErrNotFound, canonicalID, season)
}

// NextEpisodeHasAired checks episode afterIndex+1. A missing episode has not aired.
func (c *TraktClient) NextEpisodeHasAired(ctx context.Context, canonicalID string, season, afterIndex int) (bool, error) {
	var ep traktEpisode
	path := fmt.Sprintf("/shows/%s/seasons/%d/episodes/%d?extended=full", url.PathEscape(canonicalID), season, afterIndex+1)
	err := c.getJSON(ctx, path, false, &ep)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	if ep.FirstAired == nil {
		return false, nil
	}
	return !c.now().Before(*ep.FirstAired), nil
}

// ListSeasonEpisodes returns every regular season with its episodes' air dates
func (c *TraktClient) ListSeasonEpisodes(ctx context.Context, canonicalID string) ([]SeasonEpisodes, error) {
	var raw []traktSeason
	path := fmt.Sprintf("/shows/%s/seasons?extended=episodes,full", url.PathEscape(canonicalID))
	if err := c.getJSON(ctx, path, true, &raw); err != nil {
		return nil, err
	}

	out := make([]SeasonEpisodes, 0, len(raw))
	for _, s := range raw {
		if s.Number <= 0 {
			continue
		}
		se := SeasonEpisodes{Number: s.Number}
		for _, ep := range s.Episodes {
			se.Episodes = append(se.Episodes, Episode{Number: ep.Number, FirstAired: ep.FirstAired})
		}
		out = append(out, se)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (c *TraktClient) seasons(ctx context.Context, canonicalID string) ([]traktSeason, error) {
	var raw []traktSeason
	path := fmt.Sprintf("/shows/%s/seasons?extended=full", url.PathEscape(canonicalID))
	if err := c.getJSON(ctx, path, true, &raw); err != nil {
		return nil, err
	}
	seasons := raw[:0]
	for _, s := range raw {
		if s.Number > 0 {
			seasons = append(seasons, s)
		}
	}
	sort.Slice(seasons, func(i, j int) bool { return seasons[i].Number < seasons[j].Number })
	return seasons, nil
}

// getJSON fetches path and decodes it into out. Cacheable responses are served from the LRU
// and concurrent identical requests share one upstream call.
func (c *TraktClient) getJSON(ctx context.Context, path string, cacheable bool, out any) error {
	if cacheable {
		if body, ok := c.cache.Get(path); ok {
			return json.Unmarshal(body, out)
		}
	}

	v, err, _ := c.group.Do(path, func() (any, error) {
		return doWithRetry(ctx, path, func() ([]byte, error) {
			return c.fetch(ctx, path)
		})
	})
	if err != nil {
		return err
	}
	body := v.([]byte)
	if cacheable {
		c.cache.Add(path, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode catalog response: %w", err)
	}
	return nil
}

func (c *TraktClient) fetch(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("trakt-api-version", traktAPIVersion)
	req.Header.Set("trakt-api-key", c.clientID)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, RetryAfter: retryAfterDuration(resp.Header)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// swappableSource lets RefreshToken replace the token source used by the transport
type swappableSource struct {
	mu  sync.RWMutex
	src oauth2.TokenSource
}

func (s *swappableSource) set(src oauth2.TokenSource) {
	s.mu.Lock()
	s.src = oauth2.ReuseTokenSource(nil, src)
	s.mu.Unlock()
}

func (s *swappableSource) Token() (*oauth2.Token, error) {
	s.mu.RLock()
	src := s.src
	s.mu.RUnlock()
	return src.Token()
}
