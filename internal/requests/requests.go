// Package requests talks to the request tracker that users file media requests in.
package requests

import (
	"context"

	"github.com/saltyorg/reqflow/internal/media"
)

// Tracker is the request tracker boundary
type Tracker interface {
	// ListApprovedRequests returns approved requests whose media is still being processed.
	// Series requests for the same media are merged with their seasons combined.
	ListApprovedRequests(ctx context.Context) ([]Request, error)

	// MarkFulfilled marks the tracker media entry available. Returns false when the tracker
	// answered but did not confirm the expected catalog id.
	MarkFulfilled(ctx context.Context, requestMediaID, catalogID int64) (bool, error)

	// IsAvailable reports whether the tracker already considers the media available
	IsAvailable(ctx context.Context, kind media.Kind, catalogID int64) (bool, error)
}

// Request is an approved request from the tracker
type Request struct {
	RequestID      int64
	RequestMediaID int64
	CatalogID      int64
	Kind           media.Kind
	Seasons        []int
}
