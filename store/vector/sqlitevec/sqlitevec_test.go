package sqlitevec

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astrayn/engram/store/vector"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func record(id, userID, chatID string, embedding []float32) *vector.Record {
	return &vector.Record{
		ID:        id,
		Embedding: embedding,
		Content:   "content of " + id,
		Metadata: vector.Metadata{
			UserID:    userID,
			ChatID:    chatID,
			Role:      "user",
			Timestamp: time.Now(),
			Tags:      []string{"conversation"},
		},
	}
}

func TestUpsertAndQuery(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Upsert(ctx, record("r1", "u1", "c1", []float32{1, 0})))
	require.NoError(t, db.Upsert(ctx, record("r2", "u1", "c1", []float32{0, 1})))

	matches, err := db.Query(ctx, []float32{1, 0}, vector.Filter{UserID: "u1"}, 10, 0.5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "r1", matches[0].ID)
	assert.InDelta(t, 1.0, float64(matches[0].Score), 1e-6)
	assert.Equal(t, "content of r1", matches[0].Content)
	assert.Equal(t, []string{"conversation"}, matches[0].Metadata.Tags)
}

func TestUpsert_OverwritesOnSameID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Upsert(ctx, record("r1", "u1", "c1", []float32{1, 0})))

	updated := record("r1", "u1", "c1", []float32{1, 0})
	updated.Content = "updated"
	require.NoError(t, db.Upsert(ctx, updated))

	matches, err := db.Query(ctx, []float32{1, 0}, vector.Filter{UserID: "u1"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "updated", matches[0].Content)
}

func TestUpsertBatch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	records := []*vector.Record{
		record("r1", "u1", "c1", []float32{1, 0}),
		record("r2", "u1", "c2", []float32{0.9, 0.1}),
		record("r3", "u2", "c9", []float32{1, 0}),
	}
	require.NoError(t, db.UpsertBatch(ctx, records))
	require.NoError(t, db.UpsertBatch(ctx, nil))

	matches, err := db.Query(ctx, []float32{1, 0}, vector.Filter{UserID: "u1"}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestQuery_ChatScopeAndTopK(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertBatch(ctx, []*vector.Record{
		record("r1", "u1", "c1", []float32{1, 0}),
		record("r2", "u1", "c1", []float32{0.9, 0.1}),
		record("r3", "u1", "c2", []float32{1, 0}),
	}))

	matches, err := db.Query(ctx, []float32{1, 0}, vector.Filter{UserID: "u1", ChatID: "c1"}, 1, 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	// Best match first.
	assert.Equal(t, "r1", matches[0].ID)
}

func TestDelete(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertBatch(ctx, []*vector.Record{
		record("r1", "u1", "c1", []float32{1, 0}),
		record("r2", "u1", "c2", []float32{1, 0}),
		record("r3", "u2", "c1", []float32{1, 0}),
	}))

	// One chat.
	require.NoError(t, db.Delete(ctx, vector.Filter{UserID: "u1", ChatID: "c1"}))
	matches, err := db.Query(ctx, []float32{1, 0}, vector.Filter{UserID: "u1"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "r2", matches[0].ID)

	// Whole user.
	require.NoError(t, db.Delete(ctx, vector.Filter{UserID: "u1"}))
	matches, err = db.Query(ctx, []float32{1, 0}, vector.Filter{UserID: "u1"}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, matches)

	// Other users untouched.
	matches, err = db.Query(ctx, []float32{1, 0}, vector.Filter{UserID: "u2"}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestEncodeDecodeVector(t *testing.T) {
	v := []float32{0, 1.5, -2.25, math.Pi}
	assert.Equal(t, v, decodeVector(encodeVector(v)))
	assert.Empty(t, decodeVector(encodeVector(nil)))
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float64
	}{
		{name: "identical", a: []float32{1, 2, 3}, b: []float32{1, 2, 3}, expected: 1},
		{name: "orthogonal", a: []float32{1, 0}, b: []float32{0, 1}, expected: 0},
		{name: "opposite", a: []float32{1, 0}, b: []float32{-1, 0}, expected: -1},
		{name: "empty", a: nil, b: nil, expected: 0},
		{name: "length mismatch", a: []float32{1}, b: []float32{1, 0}, expected: 0},
		{name: "zero vector", a: []float32{0, 0}, b: []float32{1, 0}, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, float64(cosineSimilarity(tt.a, tt.b)), 1e-6)
		})
	}
}
