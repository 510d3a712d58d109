// Package remote talks to the authority that owns entity truth.
//
// The sync engine only sees the Authority interface. HTTPClient is the
// production transport; Memory is an in-process authority used by tests,
// the scenario harness and the CLI's memory:// mode.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/marketsync/internal/ir"
)

var (
	// ErrNotFound is returned when the authority has no entity with the
	// requested id.
	ErrNotFound = errors.New("remote entity not found")

	// ErrTempID is returned when a caller tries to send a locally fabricated
	// id to the authority.
	ErrTempID = errors.New("temp id must not reach the remote authority")
)

// Authority is the remote source of truth, addressed per collection key.
//
// ListChangedSince returns every entity whose modification time is >= since
// (inclusive), ascending by modification time. Deletions are never reported.
type Authority interface {
	ListAll(ctx context.Context, collection string) ([]ir.Entity, error)
	ListChangedSince(ctx context.Context, collection string, since time.Time) ([]ir.Entity, error)
	Create(ctx context.Context, collection string, draft ir.IRObject) (ir.Entity, error)
	Update(ctx context.Context, collection, id string, patch ir.Patch) (ir.Entity, error)
	Delete(ctx context.Context, collection, id string) error
	GetByIDs(ctx context.Context, collection string, ids []string) ([]ir.Entity, error)
}

// Clock supplies modification timestamps. testutil.ManualClock satisfies it.
type Clock interface {
	Now() time.Time
}

// HTTPError is a non-2xx response that survived all retries.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is(err, ErrNotFound) match a 404.
func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == 404
}

func checkID(id string) error {
	if id == "" {
		return ir.ErrMissingID
	}
	if ir.IsTempID(id) {
		return fmt.Errorf("%w: %s", ErrTempID, id)
	}
	return nil
}
