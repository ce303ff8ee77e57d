package requests

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/saltyorg/reqflow/internal/httpclient"
	"github.com/saltyorg/reqflow/internal/media"
)

// ErrNotConfigured is returned when the tracker URL or API key is missing
var ErrNotConfigured = errors.New("request tracker not configured")

// Overseerr request and media status values
const (
	requestStatusApproved  = 2
	mediaStatusProcessing  = 3
	mediaStatusAvailable   = 5
	approvedRequestsPageSz = 500
)

// OverseerrClient implements Tracker for Overseerr/Jellyseerr
type OverseerrClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewOverseerrClient creates a tracker client. rps <= 0 disables rate limiting.
func NewOverseerrClient(baseURL, apiKey string, timeout time.Duration, rps float64) *OverseerrClient {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &OverseerrClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  httpclient.NewLimitedClient("overseerr", timeout, rate.NewLimiter(limit, 1)),
	}
}

type overseerrSeason struct {
	SeasonNumber int `json:"seasonNumber"`
	Status       int `json:"status"`
}

type overseerrMedia struct {
	ID        int64  `json:"id"`
	TMDBID    int64  `json:"tmdbId"`
	MediaType string `json:"mediaType"`
	Status    int    `json:"status"`
}

type overseerrRequest struct {
	ID      int64             `json:"id"`
	Status  int               `json:"status"`
	Type    string            `json:"type"`
	Media   overseerrMedia    `json:"media"`
	Seasons []overseerrSeason `json:"seasons"`
}

type overseerrRequestPage struct {
	Results []overseerrRequest `json:"results"`
}

// ListApprovedRequests lists approved requests still in processing
func (c *OverseerrClient) ListApprovedRequests(ctx context.Context) ([]Request, error) {
	if c.baseURL == "" || c.apiKey == "" {
		return nil, ErrNotConfigured
	}

	var page overseerrRequestPage
	url := fmt.Sprintf("%s/api/v1/request?take=%d&filter=approved&sort=added", c.baseURL, approvedRequestsPageSz)
	if err := c.doJSON(ctx, http.MethodGet, url, nil, &page); err != nil {
		return nil, err
	}

	var out []Request
	seriesIndex := make(map[int64]int)
	for _, r := range page.Results {
		if r.Status != requestStatusApproved || r.Media.Status != mediaStatusProcessing {
			continue
		}
		kind, err := media.ParseKind(r.Media.MediaType)
		if err != nil {
			log.Debug().Str("media_type", r.Media.MediaType).Int64("request_id", r.ID).Msg("Skipping request with unknown media type")
			continue
		}

		seasons := make([]int, 0, len(r.Seasons))
		for _, s := range r.Seasons {
			if s.SeasonNumber > 0 {
				seasons = append(seasons, s.SeasonNumber)
			}
		}

		if kind == media.KindSeries {
			if idx, ok := seriesIndex[r.Media.ID]; ok {
				merged := out[idx].Seasons
				for _, n := range seasons {
					if !slices.Contains(merged, n) {
						merged = append(merged, n)
					}
				}
				slices.Sort(merged)
				out[idx].Seasons = merged
				continue
			}
			seriesIndex[r.Media.ID] = len(out)
		}

		slices.Sort(seasons)
		out = append(out, Request{
			RequestID:      r.ID,
			RequestMediaID: r.Media.ID,
			CatalogID:      r.Media.TMDBID,
			Kind:           kind,
			Seasons:        seasons,
		})
	}
	return out, nil
}

// MarkFulfilled marks the media available and verifies the echoed TMDB id
func (c *OverseerrClient) MarkFulfilled(ctx context.Context, requestMediaID, catalogID int64) (bool, error) {
	if c.baseURL == "" || c.apiKey == "" {
		return false, ErrNotConfigured
	}

	var resp overseerrMedia
	url := fmt.Sprintf("%s/api/v1/media/%d/available", c.baseURL, requestMediaID)
	if err := c.doJSON(ctx, http.MethodPost, url, map[string]any{"is4k": false}, &resp); err != nil {
		return false, err
	}
	if resp.TMDBID != catalogID {
		log.Warn().
			Int64("media_id", requestMediaID).
			Int64("expected_tmdb_id", catalogID).
			Int64("tmdb_id", resp.TMDBID).
			Msg("Tracker returned a different TMDB id when marking media available")
		return false, nil
	}
	return true, nil
}

// IsAvailable reports whether the tracker lists the media as available. Unknown media is not available.
func (c *OverseerrClient) IsAvailable(ctx context.Context, kind media.Kind, catalogID int64) (bool, error) {
	if c.baseURL == "" || c.apiKey == "" {
		return false, ErrNotConfigured
	}

	mediaType := "movie"
	if kind == media.KindSeries {
		mediaType = "tv"
	}

	var resp struct {
		MediaInfo *overseerrMedia `json:"mediaInfo"`
	}
	url := fmt.Sprintf("%s/api/v1/%s/%d", c.baseURL, mediaType, catalogID)
	if err := c.doJSON(ctx, http.MethodGet, url, nil, &resp); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return resp.MediaInfo != nil && resp.MediaInfo.Status == mediaStatusAvailable, nil
}

// StatusError is returned for non-2xx tracker responses
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d", e.Code)
}

func (c *OverseerrClient) doJSON(ctx context.Context, method, url string, payload, out any) error {
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
