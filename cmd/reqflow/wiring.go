package main

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/saltyorg/reqflow/internal/catalog"
	"github.com/saltyorg/reqflow/internal/config"
	"github.com/saltyorg/reqflow/internal/database"
	"github.com/saltyorg/reqflow/internal/executor"
	"github.com/saltyorg/reqflow/internal/processor"
	"github.com/saltyorg/reqflow/internal/requests"
)

// errExecutorNotConfigured fails every job until executor.url is set
var errExecutorNotConfigured = errors.New("executor.url is not configured")

func buildCatalog(db *database.DB, loader *config.Loader) *catalog.TraktClient {
	var token oauth2.Token
	if err := db.GetSettingJSON(processor.SettingCatalogToken, &token); err != nil {
		log.Warn().Err(err).Msg("Ignoring unreadable stored catalog token")
		token = oauth2.Token{}
	}

	clientID := loader.String("catalog.client_id", "")
	if clientID == "" {
		log.Warn().Msg("catalog.client_id is not set, catalog lookups will fail")
	}
	return catalog.NewTraktClient(catalog.TraktConfig{
		BaseURL:           loader.String("catalog.url", catalog.DefaultTraktURL),
		TokenURL:          loader.String("catalog.token_url", catalog.DefaultTraktTokenURL),
		ClientID:          clientID,
		ClientSecret:      loader.String("catalog.client_secret", ""),
		Token:             &token,
		RequestsPerSecond: loader.Float64("catalog.requests_per_second", 4),
		CacheTTL:          loader.DurationMinutes("catalog.cache_ttl_minutes", 30),
		Timeout:           config.GetTimeouts().HTTPClient,
	})
}

// buildTracker returns nil when no request tracker is configured
func buildTracker(loader *config.Loader) requests.Tracker {
	url := loader.String("requests.url", "")
	apiKey := loader.String("requests.api_key", "")
	if url == "" || apiKey == "" {
		log.Info().Msg("Request tracker not configured, requests must be queued through the API")
		return nil
	}
	return requests.NewOverseerrClient(url, apiKey, config.GetTimeouts().HTTPClient, loader.Float64("requests.requests_per_second", 0))
}

func buildExecutor(loader *config.Loader) executor.Executor {
	url := loader.String("executor.url", "")
	if url == "" {
		log.Warn().Msg("executor.url is not set, queued items will fail until it is configured")
		return executor.Func(func(context.Context, executor.Job) executor.Outcome {
			return executor.Failure(errExecutorNotConfigured)
		})
	}
	timeout := loader.DurationMinutes("executor.timeout_minutes", int(config.GetTimeouts().Execution.Minutes()))
	return executor.NewHTTPExecutor(url, loader.String("executor.token", ""), timeout)
}
