package httpclient

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// maxLoggedBody caps how much of a response body is attached to trace logs
const maxLoggedBody = 4096

type traceTransport struct {
	base http.RoundTripper
	name string
}

// NewTraceTransport returns a RoundTripper that logs requests at trace level.
func NewTraceTransport(name string, base http.RoundTripper) http.RoundTripper {
	return &traceTransport{
		base: base,
		name: name,
	}
}

// NewTraceClient returns an HTTP client that logs requests at trace level.
func NewTraceClient(name string, timeout time.Duration) *http.Client {
	return Wrap(&http.Client{Timeout: timeout}, name)
}

// NewLimitedClient returns a trace client whose requests wait on limiter before being sent.
func NewLimitedClient(name string, timeout time.Duration, limiter *rate.Limiter) *http.Client {
	client := &http.Client{Timeout: timeout}
	if limiter != nil {
		client.Transport = &limitTransport{limiter: limiter}
	}
	return Wrap(client, name)
}

// Wrap applies trace logging to an existing HTTP client.
func Wrap(client *http.Client, name string) *http.Client {
	if client == nil {
		client = &http.Client{}
	}
	client.Transport = NewTraceTransport(name, client.Transport)
	return client
}

func (t *traceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}

	urlStr := redactURL(req.URL)
	start := time.Now()

	log.Trace().
		Str("client", t.name).
		Str("method", req.Method).
		Str("url", urlStr).
		Strs("headers", redactHeaders(req.Header)).
		Msg("HTTP request")

	resp, err := base.RoundTrip(req)
	duration := time.Since(start)
	if err != nil {
		log.Trace().
			Str("client", t.name).
			Str("method", req.Method).
			Str("url", urlStr).
			Dur("duration", duration).
			Err(err).
			Msg("HTTP request failed")
		return nil, err
	}

	bodyBytes, readErr := readAndRestoreBody(resp)
	logEvent := log.Trace().
		Str("client", t.name).
		Str("method", req.Method).
		Str("url", urlStr).
		Int("status", resp.StatusCode).
		Dur("duration", duration).
		Int("body_length", len(bodyBytes))

	if readErr != nil {
		logEvent.Err(readErr)
	}

	if len(bodyBytes) > 0 {
		logged := bodyBytes
		if len(logged) > maxLoggedBody {
			logEvent.Str("body", string(logged[:maxLoggedBody])+"...")
		} else if json.Valid(logged) {
			logEvent.RawJSON("body", logged)
		} else {
			logEvent.Str("body", string(logged))
		}
	}

	logEvent.Msg("HTTP response")

	return resp, nil
}

type limitTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *limitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

func readAndRestoreBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, nil
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	return bodyBytes, err
}

func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}

	copyURL := *u
	copyURL.User = nil
	if copyURL.RawQuery == "" {
		return copyURL.String()
	}

	q := copyURL.Query()
	for key := range q {
		if isSensitiveKey(key) {
			q.Set(key, "redacted")
		}
	}

	copyURL.RawQuery = q.Encode()
	return copyURL.String()
}

// redactHeaders renders headers as "Name: value" pairs with credentials masked
func redactHeaders(h http.Header) []string {
	out := make([]string, 0, len(h))
	for name, values := range h {
		value := strings.Join(values, ",")
		if isSensitiveKey(name) {
			value = "redacted"
		}
		out = append(out, name+": "+value)
	}
	return out
}

func isSensitiveKey(key string) bool {
	switch strings.ToLower(key) {
	case "apikey", "api_key", "api-key", "x-api-key", "token", "access_token", "client_secret",
		"trakt-api-key", "authorization", "auth", "cookie":
		return true
	default:
		return false
	}
}
