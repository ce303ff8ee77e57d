package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/saltyorg/reqflow/internal/media"
)

func newTestServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/search/tmdb/438631", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("trakt-api-key") != "client" {
			t.Errorf("expected trakt-api-key header, got %q", r.Header.Get("trakt-api-key"))
		}
		_, _ = w.Write([]byte(`[{"type":"movie","movie":{"title":"Dune","year":2021,"ids":{"trakt":287071,"imdb":"tt1160419","tmdb":438631},"released":"2021-10-22"}}]`))
	})
	mux.HandleFunc("/search/tmdb/1399", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`[{"type":"show","show":{"title":"Game of Thrones","year":2011,"ids":{"trakt":1390,"imdb":"tt0944947","tmdb":1399}}}]`))
	})
	mux.HandleFunc("/shows/1390/seasons", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Query().Get("extended") == "episodes,full" {
			_, _ = w.Write([]byte(`[{"number":1,"episodes":[{"season":1,"number":1,"first_aired":"2011-04-18T01:00:00.000Z"},{"season":1,"number":2,"first_aired":null}]}]`))
			return
		}
		_, _ = w.Write([]byte(`[{"number":0,"episode_count":3,"aired_episodes":3},{"number":2,"episode_count":10,"aired_episodes":9},{"number":1,"episode_count":10,"aired_episodes":10}]`))
	})
	mux.HandleFunc("/shows/1390/seasons/2/episodes/10", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"season":2,"number":10,"first_aired":"2012-06-04T01:00:00.000Z"}`))
	})
	mux.HandleFunc("/shows/1390/seasons/2/episodes/11", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	return httptest.NewServer(mux)
}

func TestResolveMovie(t *testing.T) {
	var hits atomic.Int32
	srv := newTestServer(t, &hits)
	defer srv.Close()

	c := NewTraktClient(TraktConfig{BaseURL: srv.URL, ClientID: "client", Timeout: 5 * time.Second})
	m, err := c.ResolveMedia(context.Background(), 438631, media.KindMovie)
	if err != nil {
		t.Fatalf("ResolveMedia failed: %v", err)
	}
	if m.Title != "Dune" || m.Year != 2021 || m.CanonicalID != "287071" || m.IMDbID != "tt1160419" {
		t.Fatalf("unexpected media: %+v", m)
	}
	if m.ReleasedAt == nil || m.ReleasedAt.Format(time.DateOnly) != "2021-10-22" {
		t.Fatalf("expected release date 2021-10-22, got %v", m.ReleasedAt)
	}

	if _, err := c.ResolveMedia(context.Background(), 438631, media.KindMovie); err != nil {
		t.Fatalf("second ResolveMedia failed: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected cached second lookup, got %d upstream hits", hits.Load())
	}
}

func TestResolveSeriesSeasons(t *testing.T) {
	var hits atomic.Int32
	srv := newTestServer(t, &hits)
	defer srv.Close()

	c := NewTraktClient(TraktConfig{BaseURL: srv.URL, ClientID: "client"})
	m, err := c.ResolveMedia(context.Background(), 1399, media.KindSeries)
	if err != nil {
		t.Fatalf("ResolveMedia failed: %v", err)
	}
	if len(m.Seasons) != 2 || m.Seasons[0].Number != 1 || m.Seasons[1].AiredCount != 9 {
		t.Fatalf("expected sorted regular seasons, got %+v", m.Seasons)
	}

	counts, err := c.ResolveSeasonEpisodes(context.Background(), "1390", 2)
	if err != nil {
		t.Fatalf("ResolveSeasonEpisodes failed: %v", err)
	}
	if counts.EpisodeCount != 10 || counts.AiredCount != 9 {
		t.Fatalf("unexpected counts: %+v", counts)
	}

	if _, err := c.ResolveSeasonEpisodes(context.Background(), "1390", 7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNextEpisodeHasAired(t *testing.T) {
	var hits atomic.Int32
	srv := newTestServer(t, &hits)
	defer srv.Close()

	c := NewTraktClient(TraktConfig{BaseURL: srv.URL, ClientID: "client"})
	aired, err := c.NextEpisodeHasAired(context.Background(), "1390", 2, 9)
	if err != nil || !aired {
		t.Fatalf("expected episode 10 aired, got %v (err %v)", aired, err)
	}
	aired, err = c.NextEpisodeHasAired(context.Background(), "1390", 2, 10)
	if err != nil || aired {
		t.Fatalf("expected missing episode to count as not aired, got %v (err %v)", aired, err)
	}

	c.now = func() time.Time { return time.Date(2012, 1, 1, 0, 0, 0, 0, time.UTC) }
	aired, _ = c.NextEpisodeHasAired(context.Background(), "1390", 2, 9)
	if aired {
		t.Fatalf("expected future episode to count as not aired")
	}
}

func TestListSeasonEpisodes(t *testing.T) {
	var hits atomic.Int32
	srv := newTestServer(t, &hits)
	defer srv.Close()

	c := NewTraktClient(TraktConfig{BaseURL: srv.URL, ClientID: "client"})
	seasons, err := c.ListSeasonEpisodes(context.Background(), "1390")
	if err != nil {
		t.Fatalf("ListSeasonEpisodes failed: %v", err)
	}
	if len(seasons) != 1 || len(seasons[0].Episodes) != 2 {
		t.Fatalf("unexpected seasons: %+v", seasons)
	}
	if seasons[0].Episodes[0].FirstAired == nil || seasons[0].Episodes[1].FirstAired != nil {
		t.Fatalf("unexpected air dates: %+v", seasons[0].Episodes)
	}
}

func TestRetryOnServerError(t *testing.T) {
	retryBaseDelay = 10 * time.Millisecond
	defer func() { retryBaseDelay = time.Second }()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"number":1,"episode_count":8,"aired_episodes":8}]`))
	}))
	defer srv.Close()

	c := NewTraktClient(TraktConfig{BaseURL: srv.URL, ClientID: "client"})
	counts, err := c.ResolveSeasonEpisodes(context.Background(), "42", 1)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if counts.AiredCount != 8 || calls.Load() != 2 {
		t.Fatalf("expected 2 calls and 8 aired, got %d calls and %+v", calls.Load(), counts)
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewTraktClient(TraktConfig{BaseURL: srv.URL, ClientID: "client"})
	_, err := c.ResolveSeasonEpisodes(context.Background(), "42", 1)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 StatusError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}
