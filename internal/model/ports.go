package model

import "context"

// ── Collaborator Port Interfaces ──
// These interfaces decouple the feed pipeline from the concrete broker
// client and storage implementations.

// Authenticator obtains a fresh encoded auth token for the given user.
// Used by the ticker's token-refresh flow when credentials expire.
type Authenticator interface {
	FreshToken(ctx context.Context, userID string) (string, error)
}

// InstrumentSource yields the full instrument-token universe, fetched
// once at startup to build subscription batches.
type InstrumentSource interface {
	InstrumentTokens(ctx context.Context) ([]uint32, error)
}

// TickStore persists tick rows. InsertBatch must be safe for use from
// the single batcher goroutine; implementations serialize writes per
// underlying handle.
type TickStore interface {
	// InsertBatch writes all rows in one transaction. Either the whole
	// batch lands or none of it does.
	InsertBatch(ctx context.Context, rows []TickRow) error

	// Close releases underlying resources.
	Close() error
}
