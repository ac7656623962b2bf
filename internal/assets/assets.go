// Package assets archives per-session artifacts (driver logs, recordings)
// when a session closes. The store is advisory: a failed upload never fails
// the session teardown.
package assets

import (
	"context"
	"io"
)

type Store interface {
	// Put stores one named artifact for a session and returns its URI.
	Put(ctx context.Context, sessionID, name string, r io.Reader, size int64) (string, error)
}
