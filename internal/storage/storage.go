// Package storage abstracts where uploaded artifacts live. The pipeline only
// ever streams an artifact by its locator or best-effort deletes it; the
// backend choice is configuration.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when no artifact exists for a locator.
var ErrNotFound = errors.New("artifact not found")

type Storage interface {
	// Open returns a stream of the artifact's bytes, or ErrNotFound.
	Open(ctx context.Context, locator string) (io.ReadCloser, error)
	// Delete removes the artifact. Callers treat failures as best-effort.
	Delete(ctx context.Context, locator string) error
}
