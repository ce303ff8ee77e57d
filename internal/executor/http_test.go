package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/saltyorg/reqflow/internal/media"
)

func TestHTTPExecutorMapsStatuses(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		body   string
		expect OutcomeKind
	}{
		{"success", http.StatusOK, `{"status":"success"}`, OutcomeSuccess},
		{"already available", http.StatusOK, `{"status":"already_available"}`, OutcomeAlreadyAvailable},
		{"cancelled", http.StatusOK, `{"status":"cancelled"}`, OutcomeCancelled},
		{"failure", http.StatusOK, `{"status":"failure","error":"no results"}`, OutcomeFailure},
		{"unknown", http.StatusOK, `{"status":"weird"}`, OutcomeFailure},
		{"server error", http.StatusBadGateway, `{"error":"upstream"}`, OutcomeFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Job
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewDecoder(r.Body).Decode(&got)
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			e := NewHTTPExecutor(srv.URL, "", 5*time.Second)
			out := e.Execute(context.Background(), Job{CatalogID: 42, Kind: media.KindMovie, Title: "Dune"})
			if out.Kind != tt.expect {
				t.Fatalf("expected %s, got %s", tt.expect, out)
			}
			if got.ID == "" || got.CatalogID != 42 {
				t.Fatalf("expected job with generated id, got %+v", got)
			}
			if tt.expect == OutcomeFailure && out.Err == nil {
				t.Fatalf("expected failure to carry an error")
			}
		})
	}
}

func TestHTTPExecutorNotConfigured(t *testing.T) {
	out := NewHTTPExecutor("", "", time.Second).Execute(context.Background(), Job{})
	if out.Kind != OutcomeFailure {
		t.Fatalf("expected failure, got %s", out)
	}
}
