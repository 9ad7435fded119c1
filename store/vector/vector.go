// Package vector defines the durable long-term memory store contract.
// Implementations wrap an external vector database; the rest of the
// system depends only on this interface.
package vector

import (
	"context"
	"time"
)

// Record is one durable, searchable unit of long-term memory.
// The ID is deterministic ({userID}:{chatID}:{turnID}:{role}), so
// re-uploading the same logical message overwrites rather than
// duplicates.
type Record struct {
	ID        string
	Embedding []float32
	Content   string
	Metadata  Metadata
}

// Metadata carries the filterable attributes of a record.
type Metadata struct {
	UserID    string
	ChatID    string
	Role      string
	Timestamp time.Time
	Tags      []string
}

// Match is a query result with its similarity score in [0, 1].
type Match struct {
	Record
	Score float32
}

// Filter restricts queries and deletes. Zero-valued fields are ignored;
// an empty ChatID leaves the query unscoped across the user's chats.
type Filter struct {
	UserID string
	ChatID string
	IDs    []string
}

// Store is the durable vector store contract.
type Store interface {
	// Upsert writes one record, overwriting any record with the same ID.
	Upsert(ctx context.Context, record *Record) error

	// UpsertBatch writes records in one round trip where the backend
	// allows it. Callers cap batches at the backend's batch limit.
	UpsertBatch(ctx context.Context, records []*Record) error

	// Query returns up to topK records matching the filter, ordered by
	// similarity to the embedding, dropping matches below threshold.
	Query(ctx context.Context, embedding []float32, filter Filter, topK int, threshold float32) ([]*Match, error)

	// Delete removes all records matching the filter.
	Delete(ctx context.Context, filter Filter) error

	// Close releases backend resources.
	Close() error
}
