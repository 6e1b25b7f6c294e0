package engine

import (
	"errors"
	"fmt"

	"github.com/flexdeviser/e4s-index-system/internal/durable"
	"github.com/flexdeviser/e4s-index-system/internal/kvstore"
)

// Error kinds from spec.md §7. Callers use errors.Is against these
// sentinels; the engine never string-matches errors.
var (
	// ErrNameInvalid: index name fails validation. 400-equivalent.
	ErrNameInvalid = errors.New("engine: invalid index name")
	// ErrNotFound: index not present for a lookup that requires it. 404-equivalent.
	ErrNotFound = errors.New("engine: index not found")
	// ErrClosed: engine is closed. 500-equivalent.
	ErrClosed = errors.New("engine: closed")
	// ErrTransientBackend: a fast-store or durable-store call failed with a
	// retry-eligible condition, surfaced to a synchronous caller.
	ErrTransientBackend = errors.New("engine: transient backend error")
	// ErrFatalBackend: configuration-level or persistent backend error (bad
	// schema, auth failure). Unlike ErrTransientBackend, subsequent
	// operations on the same path keep failing until the operator fixes it.
	ErrFatalBackend = errors.New("engine: fatal backend error")
)

// backendErr classifies a kvstore/durable error into the engine's
// Transient/Fatal split, preserving the underlying cause for logging.
func backendErr(err error) error {
	if errors.Is(err, kvstore.ErrFatal) || errors.Is(err, durable.ErrFatal) {
		return fmt.Errorf("%w: %v", ErrFatalBackend, err)
	}
	return fmt.Errorf("%w: %v", ErrTransientBackend, err)
}
