package catalog

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	retryMaxAttempts = 4
	retryMaxDelay    = 30 * time.Second
)

var retryBaseDelay = 1 * time.Second

// StatusError is returned for non-2xx catalog responses
type StatusError struct {
	Code       int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("catalog returned status %d", e.Code)
}

func doWithRetry[T any](ctx context.Context, operation string, fn func() (T, error)) (T, error) {
	var zero T
	backoff := retryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		value, err := fn()
		if err == nil {
			return value, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		retry, retryAfter := shouldRetry(err)
		if !retry || attempt == retryMaxAttempts {
			return zero, err
		}

		wait := max(backoff, retryAfter)
		log.Warn().
			Err(err).
			Str("operation", operation).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Catalog request failed; retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*2, retryMaxDelay)
	}

	return zero, lastErr
}

func shouldRetry(err error) (bool, time.Duration) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false, 0
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Code {
		case http.StatusRequestTimeout,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true, statusErr.RetryAfter
		}
		return false, 0
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true, 0
	}
	return false, 0
}

func retryAfterDuration(header http.Header) time.Duration {
	value := strings.TrimSpace(header.Get("Retry-After"))
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return min(time.Duration(seconds)*time.Second, retryMaxDelay)
	}
	if t, err := http.ParseTime(value); err == nil {
		if delay := time.Until(t); delay > 0 {
			return min(delay, retryMaxDelay)
		}
	}
	return 0
}
