package types

import (
	"context"
)

// BackendAdapter is the uniform capability set the core requires from a
// storage target. The core never depends on backend-specific semantics
// beyond this contract; one implementation exists per concrete backend and
// is registered in the adapter registry under its BackendID.
type BackendAdapter interface {
	// Put stores a durable copy of the payload under the content id.
	Put(ctx context.Context, id ContentID, payload []byte) error

	// Get retrieves the payload for the content id.
	Get(ctx context.Context, id ContentID) ([]byte, error)

	// Delete removes the durable copy. Deleting an absent object is not
	// an error for the caller; adapters report NotFound and the caller
	// decides.
	Delete(ctx context.Context, id ContentID) error

	// Stat returns the stored payload size.
	Stat(ctx context.Context, id ContentID) (int64, error)

	// Health probes the backend and classifies its availability.
	Health(ctx context.Context) BackendHealth
}

// PinQuerier is the read-only index surface handed to external callers
// such as the HTTP API. The read path never touches the log.
type PinQuerier interface {
	GetPin(id ContentID) (*PinRecord, error)
	ListPins() []*PinRecord
}
