// Package storage defines the durable message-storage port. The entity
// manager only depends on ResetAddress; persisted requests whose replies
// were suppressed are redelivered from here by an external process.
package storage

import (
	"context"
)

// Entry is one stored request for an address.
type Entry struct {
	RequestID string `json:"request_id"`
	Data      []byte `json:"data"`
}

// Store persists pending requests keyed by entity address.
type Store interface {
	// Append records a pending request for the address.
	Append(ctx context.Context, addressKey string, entry Entry) error
	// Pending returns the stored requests for the address in insertion
	// order. An unknown address yields no entries, not an error.
	Pending(ctx context.Context, addressKey string) ([]Entry, error)
	// ResetAddress clears everything stored for the address. Best-effort
	// cleanup on entity teardown; resetting an unknown address is not an
	// error.
	ResetAddress(ctx context.Context, addressKey string) error
}
