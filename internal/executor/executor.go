// Package executor runs the external fulfilment action for a queued media item.
package executor

import (
	"context"
	"fmt"

	"github.com/saltyorg/reqflow/internal/media"
)

// OutcomeKind classifies how a fulfilment attempt ended
type OutcomeKind string

const (
	OutcomeSuccess           OutcomeKind = "success"
	OutcomeCancelled         OutcomeKind = "cancelled"
	OutcomeAlreadyProcessing OutcomeKind = "already_processing"
	OutcomeAlreadyCompleted  OutcomeKind = "already_completed"
	OutcomeAlreadyAvailable  OutcomeKind = "already_available"
	OutcomeSkipped           OutcomeKind = "skipped"
	OutcomeFailure           OutcomeKind = "failure"
)

// Outcome is the result of Execute. Err is set for failures.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

// Success returns a successful outcome
func Success() Outcome { return Outcome{Kind: OutcomeSuccess} }

// Failure wraps err as a failed outcome
func Failure(err error) Outcome { return Outcome{Kind: OutcomeFailure, Err: err} }

// Message returns a human readable description, used as the stored error message
func (o Outcome) Message() string {
	if o.Err != nil {
		return o.Err.Error()
	}
	return string(o.Kind)
}

func (o Outcome) String() string {
	if o.Err != nil {
		return fmt.Sprintf("%s: %v", o.Kind, o.Err)
	}
	return string(o.Kind)
}

// Job describes one fulfilment attempt
type Job struct {
	ID        string     `json:"id"`
	CatalogID int64      `json:"tmdb_id"`
	Kind      media.Kind `json:"media_type"`
	Title     string     `json:"title"`
	Year      int        `json:"year,omitempty"`
	IMDbID    string     `json:"imdb_id,omitempty"`
	// Seasons maps season numbers to the episode ids still waiting for fulfilment
	Seasons map[int][]string `json:"seasons,omitempty"`
	Attempt int              `json:"attempt"`
	IsRetry bool             `json:"is_retry"`
}

// Executor performs the slow, unreliable fulfilment action. Execute must honour ctx.
type Executor interface {
	Execute(ctx context.Context, job Job) Outcome
}

// Func adapts a function to the Executor interface
type Func func(ctx context.Context, job Job) Outcome

// Execute calls f
func (f Func) Execute(ctx context.Context, job Job) Outcome { return f(ctx, job) }
