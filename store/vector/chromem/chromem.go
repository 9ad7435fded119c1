// Package chromem implements the vector store on chromem-go, a pure Go
// embedded vector database. It needs no external service, which makes
// it the default backend for development and zero-dependency deploys.
package chromem

import (
	"context"
	"strings"
	"sync"
	"time"

	cg "github.com/philippgille/chromem-go"
	"github.com/pkg/errors"

	"github.com/astrayn/engram/store/vector"
)

const metadataTimeLayout = time.RFC3339Nano

// Store wraps a chromem-go database. Each user gets their own
// collection for namespace isolation.
type Store struct {
	mu          sync.RWMutex
	db          *cg.DB
	collections map[string]*cg.Collection
}

// New creates an in-memory chromem store.
func New() *Store {
	return &Store{
		db:          cg.NewDB(),
		collections: make(map[string]*cg.Collection),
	}
}

// NewPersistent creates a chromem store persisted under dir.
func NewPersistent(dir string) (*Store, error) {
	db, err := cg.NewPersistentDB(dir, false)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open chromem database")
	}
	return &Store{
		db:          db,
		collections: make(map[string]*cg.Collection),
	}, nil
}

func collectionName(userID string) string {
	return "user_" + userID
}

func (s *Store) collection(userID string) (*cg.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[userID]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[userID]; ok {
		return col, nil
	}

	// Embeddings are always supplied by the caller, so no embedding
	// function is registered.
	col, err := s.db.GetOrCreateCollection(collectionName(userID), nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create collection")
	}
	s.collections[userID] = col
	return col, nil
}

// Upsert writes one record, overwriting any document with the same ID.
func (s *Store) Upsert(ctx context.Context, record *vector.Record) error {
	col, err := s.collection(record.Metadata.UserID)
	if err != nil {
		return err
	}

	doc := cg.Document{
		ID:        record.ID,
		Content:   record.Content,
		Embedding: record.Embedding,
		Metadata:  encodeMetadata(record.Metadata),
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return errors.Wrap(err, "failed to add document")
	}
	return nil
}

// UpsertBatch writes records one by one; chromem is embedded, so there
// is no round-trip cost to batch away.
func (s *Store) UpsertBatch(ctx context.Context, records []*vector.Record) error {
	for _, record := range records {
		if err := s.Upsert(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

// Query returns up to topK records from the user's collection ordered
// by similarity, dropping matches below threshold.
func (s *Store) Query(ctx context.Context, embedding []float32, filter vector.Filter, topK int, threshold float32) ([]*vector.Match, error) {
	col, err := s.collection(filter.UserID)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults larger than the collection size.
	count := col.Count()
	if count == 0 {
		return []*vector.Match{}, nil
	}
	if topK > count {
		topK = count
	}

	var where map[string]string
	if filter.ChatID != "" {
		where = map[string]string{"chat_id": filter.ChatID}
	}

	results, err := col.QueryEmbedding(ctx, embedding, topK, where, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query collection")
	}

	matches := []*vector.Match{}
	for _, result := range results {
		if result.Similarity < threshold {
			continue
		}
		matches = append(matches, &vector.Match{
			Record: vector.Record{
				ID:        result.ID,
				Embedding: result.Embedding,
				Content:   result.Content,
				Metadata:  decodeMetadata(result.Metadata),
			},
			Score: result.Similarity,
		})
	}
	return matches, nil
}

// Delete removes records matching the filter. A user-only filter drops
// the whole collection.
func (s *Store) Delete(ctx context.Context, filter vector.Filter) error {
	if filter.ChatID == "" && len(filter.IDs) == 0 {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.collections, filter.UserID)
		if err := s.db.DeleteCollection(collectionName(filter.UserID)); err != nil {
			return errors.Wrap(err, "failed to delete collection")
		}
		return nil
	}

	col, err := s.collection(filter.UserID)
	if err != nil {
		return err
	}

	var where map[string]string
	if filter.ChatID != "" {
		where = map[string]string{"chat_id": filter.ChatID}
	}
	if err := col.Delete(ctx, where, nil, filter.IDs...); err != nil {
		return errors.Wrap(err, "failed to delete documents")
	}
	return nil
}

// Close is a no-op for the embedded database.
func (s *Store) Close() error {
	return nil
}

func encodeMetadata(m vector.Metadata) map[string]string {
	return map[string]string{
		"user_id": m.UserID,
		"chat_id": m.ChatID,
		"role":    m.Role,
		"ts":      m.Timestamp.Format(metadataTimeLayout),
		"tags":    strings.Join(m.Tags, ","),
	}
}

func decodeMetadata(m map[string]string) vector.Metadata {
	md := vector.Metadata{
		UserID: m["user_id"],
		ChatID: m["chat_id"],
		Role:   m["role"],
	}
	if ts, err := time.Parse(metadataTimeLayout, m["ts"]); err == nil {
		md.Timestamp = ts
	}
	if m["tags"] != "" {
		md.Tags = strings.Split(m["tags"], ",")
	}
	return md
}

var _ vector.Store = (*Store)(nil)
