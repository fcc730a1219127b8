package review

import (
	"context"
	"errors"
)

// ErrActiveCase is returned by Store.Put when another case for the same
// batch fingerprint is still pending or in progress.
var ErrActiveCase = errors.New("batch already has an active case")

// Store is the persistence interface for review cases. Implementations return
// copies; callers may mutate what they get back.
type Store interface {
	Get(ctx context.Context, id string) (*Case, bool, error)
	// GetByFingerprint returns the most recent case for a batch fingerprint.
	GetByFingerprint(ctx context.Context, fingerprint string) (*Case, bool, error)
	// Put inserts or updates a case. At most one active case may exist per
	// fingerprint; a second one is rejected with ErrActiveCase.
	Put(ctx context.Context, c *Case) error
}
