package requests

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/saltyorg/reqflow/internal/media"
)

func TestListApprovedRequestsMergesSeries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("filter") != "approved" {
			t.Errorf("expected approved filter, got %q", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"results":[
			{"id":1,"status":2,"type":"movie","media":{"id":10,"tmdbId":438631,"mediaType":"movie","status":3}},
			{"id":2,"status":2,"type":"tv","media":{"id":11,"tmdbId":1399,"mediaType":"tv","status":3},"seasons":[{"seasonNumber":3},{"seasonNumber":1}]},
			{"id":3,"status":2,"type":"tv","media":{"id":11,"tmdbId":1399,"mediaType":"tv","status":3},"seasons":[{"seasonNumber":2},{"seasonNumber":1}]},
			{"id":4,"status":2,"type":"movie","media":{"id":12,"tmdbId":550,"mediaType":"movie","status":5}},
			{"id":5,"status":1,"type":"movie","media":{"id":13,"tmdbId":551,"mediaType":"movie","status":3}}
		]}`))
	}))
	defer srv.Close()

	c := NewOverseerrClient(srv.URL, "key", 5*time.Second, 0)
	reqs, err := c.ListApprovedRequests(context.Background())
	if err != nil {
		t.Fatalf("ListApprovedRequests failed: %v", err)
	}
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d: %+v", len(reqs), reqs)
	}
	if reqs[0].Kind != media.KindMovie || reqs[0].CatalogID != 438631 || reqs[0].RequestMediaID != 10 {
		t.Fatalf("unexpected movie request: %+v", reqs[0])
	}
	if reqs[1].Kind != media.KindSeries || !slices.Equal(reqs[1].Seasons, []int{1, 2, 3}) {
		t.Fatalf("expected merged seasons 1,2,3, got %+v", reqs[1])
	}
}

func TestMarkFulfilledVerifiesCatalogID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/media/10/available" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"id":10,"tmdbId":438631,"status":5}`))
	}))
	defer srv.Close()

	c := NewOverseerrClient(srv.URL, "key", 5*time.Second, 0)
	ok, err := c.MarkFulfilled(context.Background(), 10, 438631)
	if err != nil || !ok {
		t.Fatalf("expected confirmation, got %v (err %v)", ok, err)
	}
	ok, err = c.MarkFulfilled(context.Background(), 10, 1)
	if err != nil || ok {
		t.Fatalf("expected mismatch to report false, got %v (err %v)", ok, err)
	}
}

func TestIsAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/movie/1":
			_, _ = w.Write([]byte(`{"mediaInfo":{"id":1,"tmdbId":1,"status":5}}`))
		case "/api/v1/tv/2":
			_, _ = w.Write([]byte(`{"mediaInfo":{"id":2,"tmdbId":2,"status":3}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewOverseerrClient(srv.URL, "key", 5*time.Second, 0)
	if ok, err := c.IsAvailable(context.Background(), media.KindMovie, 1); err != nil || !ok {
		t.Fatalf("expected movie available, got %v (err %v)", ok, err)
	}
	if ok, err := c.IsAvailable(context.Background(), media.KindSeries, 2); err != nil || ok {
		t.Fatalf("expected series processing, got %v (err %v)", ok, err)
	}
	if ok, err := c.IsAvailable(context.Background(), media.KindMovie, 3); err != nil || ok {
		t.Fatalf("expected unknown media unavailable, got %v (err %v)", ok, err)
	}
}

func TestNotConfigured(t *testing.T) {
	c := NewOverseerrClient("", "", time.Second, 0)
	if _, err := c.ListApprovedRequests(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
