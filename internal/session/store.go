// Package session stores review sessions between requests. Sessions are
// transient: every backend expires them after a TTL.
package session

import (
	"context"
	"errors"

	"careguide/api/internal/review"
)

// ErrNotFound is returned for unknown or expired session ids.
var ErrNotFound = errors.New("session not found")

// Store loads and saves sessions by id. Load returns a copy the caller may
// mutate freely; nothing changes until Save.
type Store interface {
	Load(ctx context.Context, id string) (*review.Session, error)
	Save(ctx context.Context, s *review.Session) error
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}
