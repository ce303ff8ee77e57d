package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/reqflow/internal/httpclient"
)

// HTTPExecutor posts jobs to an automation service and maps its reply to an Outcome
type HTTPExecutor struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPExecutor creates an executor that POSTs jobs to url. The timeout bounds a whole job.
func NewHTTPExecutor(url, token string, timeout time.Duration) *HTTPExecutor {
	return &HTTPExecutor{
		url:    strings.TrimRight(url, "/"),
		token:  token,
		client: httpclient.NewTraceClient("executor", timeout),
	}
}

type jobResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// Execute runs one job. Transport failures and unknown statuses become failure outcomes.
func (e *HTTPExecutor) Execute(ctx context.Context, job Job) Outcome {
	if e.url == "" {
		return Failure(errors.New("executor url not configured"))
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return Failure(fmt.Errorf("failed to marshal job: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url+"/jobs", bytes.NewReader(data))
	if err != nil {
		return Failure(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", job.ID)
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return Failure(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var reply jobResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &reply); err != nil {
			return Failure(fmt.Errorf("failed to decode executor response: %w", err))
		}
	}

	log.Debug().
		Str("job_id", job.ID).
		Int("status_code", resp.StatusCode).
		Str("status", reply.Status).
		Dur("duration", time.Since(start)).
		Msg("Executor job finished")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if reply.Error != "" {
			return Failure(fmt.Errorf("executor returned status %d: %s", resp.StatusCode, reply.Error))
		}
		return Failure(fmt.Errorf("executor returned status %d", resp.StatusCode))
	}

	switch kind := OutcomeKind(strings.ToLower(reply.Status)); kind {
	case OutcomeSuccess, OutcomeCancelled, OutcomeAlreadyProcessing, OutcomeAlreadyCompleted,
		OutcomeAlreadyAvailable, OutcomeSkipped:
		return Outcome{Kind: kind}
	case OutcomeFailure:
		msg := reply.Error
		if msg == "" {
			msg = "executor reported failure"
		}
		return Failure(errors.New(msg))
	default:
		return Failure(fmt.Errorf("unknown executor status %q", reply.Status))
	}
}
