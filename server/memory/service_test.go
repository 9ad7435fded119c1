package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astrayn/engram/store"
	"github.com/astrayn/engram/store/vector"
)

// memVectorStore is a map-backed vector.Store for wiring tests.
type memVectorStore struct {
	mu      sync.Mutex
	records map[string]*vector.Record
}

func newMemVectorStore() *memVectorStore {
	return &memVectorStore{records: map[string]*vector.Record{}}
}

func (m *memVectorStore) Upsert(ctx context.Context, record *vector.Record) error {
	return m.UpsertBatch(ctx, []*vector.Record{record})
}

func (m *memVectorStore) UpsertBatch(_ context.Context, records []*vector.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, record := range records {
		m.records[record.ID] = record
	}
	return nil
}

func (m *memVectorStore) Query(context.Context, []float32, vector.Filter, int, float32) ([]*vector.Match, error) {
	return nil, nil
}

func (m *memVectorStore) Delete(_ context.Context, filter vector.Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, record := range m.records {
		if record.Metadata.UserID != filter.UserID {
			continue
		}
		if filter.ChatID != "" && record.Metadata.ChatID != filter.ChatID {
			continue
		}
		delete(m.records, id)
	}
	return nil
}

func (m *memVectorStore) Close() error { return nil }

func (m *memVectorStore) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type serviceEmbedder struct{}

func (serviceEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (serviceEmbedder) Dimensions() int { return 2 }

func newTestService(t *testing.T, durable vector.Store) *Service {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.Persist.Cooldown = 0

	var embedder serviceEmbedder
	s := NewService(cfg, durable, embedder, nil, nil)
	t.Cleanup(s.Close)
	return s
}

func TestService_RejectsMissingUserID(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	_, err := s.Search(ctx, "", "hello", "c1", 0)
	assert.ErrorIs(t, err, ErrMissingUserID)

	assert.ErrorIs(t, s.RecordTurn(ctx, "", "c1", "q", "a", nil), ErrMissingUserID)
	assert.ErrorIs(t, s.EndChat(ctx, "", "c1", false), ErrMissingUserID)
	assert.ErrorIs(t, s.EraseChat(ctx, "", "c1"), ErrMissingUserID)
	assert.ErrorIs(t, s.EraseUser(ctx, ""), ErrMissingUserID)

	_, err = s.GetProfile("")
	assert.ErrorIs(t, err, ErrMissingUserID)
	_, err = s.UpsertProfile("", &store.ProfileDelta{Name: "x"})
	assert.ErrorIs(t, err, ErrMissingUserID)
}

// RecordTurn returns before the session write happens: with the single
// worker held on a blocker task the turn stays invisible, and becomes
// visible only once the queue drains.
func TestService_RecordTurnIsAsynchronous(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	release := make(chan struct{})
	var blocked sync.WaitGroup
	blocked.Add(1)
	s.tasks.Go(taskKey("u1", "c1"), "block", func(context.Context) {
		blocked.Done()
		<-release
	})
	blocked.Wait()

	require.NoError(t, s.RecordTurn(ctx, "u1", "c1", "what is Go?", "a language", nil))
	assert.Nil(t, s.sessions.Get("u1", "c1"))

	close(release)
	s.Flush()

	session := s.sessions.Get("u1", "c1")
	require.NotNil(t, session)
	require.Len(t, session.Turns, 1)
	assert.Equal(t, "what is Go?", session.Turns[0].UserPrompt)
	assert.Equal(t, "u1", session.Turns[0].UserID)
	assert.NotEmpty(t, session.Turns[0].TurnID)
}

func TestService_FirstTurnIncrementsConversationCount(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	require.NoError(t, s.RecordTurn(ctx, "u1", "c1", "q1", "a1", nil))
	require.NoError(t, s.RecordTurn(ctx, "u1", "c1", "q2", "a2", nil))
	s.Flush()

	profile := s.profiles.Get("u1")
	require.NotNil(t, profile)
	assert.Equal(t, 1, profile.ConversationCount)
}

func TestService_EndChatPersistsSession(t *testing.T) {
	durable := newMemVectorStore()
	s := newTestService(t, durable)
	ctx := context.Background()

	require.NoError(t, s.RecordTurn(ctx, "u1", "c1", "q1", "a1", nil))
	require.NoError(t, s.RecordTurn(ctx, "u1", "c1", "q2", "a2", nil))
	require.NoError(t, s.EndChat(ctx, "u1", "c1", false))
	s.Flush()

	assert.Equal(t, 4, durable.size())
	session := s.sessions.Get("u1", "c1")
	require.NotNil(t, session)
	assert.True(t, session.IsPersisted)
}

// A swept session that was never explicitly ended still reaches the
// durable store: the evict hook uploads it before the store drops it.
func TestService_EvictionPersistsUnpersistedSession(t *testing.T) {
	durable := newMemVectorStore()
	s := newTestService(t, durable)
	ctx := context.Background()

	require.NoError(t, s.RecordTurn(ctx, "u1", "c1", "q1", "a1", nil))
	s.Flush()
	require.Zero(t, durable.size())

	assert.Equal(t, 1, s.sessions.EvictStale(0))
	assert.Equal(t, 2, durable.size())
	assert.Nil(t, s.sessions.Get("u1", "c1"))
}

func TestService_SearchAfterProfileUpsert(t *testing.T) {
	s := newTestService(t, nil)

	_, err := s.UpsertProfile("u1", &store.ProfileDelta{Name: "Sam"})
	require.NoError(t, err)

	result, err := s.Search(context.Background(), "u1", "hi", "c1", 0)
	require.NoError(t, err)
	assert.True(t, result.UsedProfile)
	assert.Contains(t, result.ContextText, "Sam")
}

func TestService_EraseChat(t *testing.T) {
	durable := newMemVectorStore()
	s := newTestService(t, durable)
	ctx := context.Background()

	require.NoError(t, s.RecordTurn(ctx, "u1", "c1", "q1", "a1", nil))
	require.NoError(t, s.EndChat(ctx, "u1", "c1", false))
	s.Flush()
	require.Equal(t, 2, durable.size())

	require.NoError(t, s.EraseChat(ctx, "u1", "c1"))
	assert.Zero(t, durable.size())
	assert.Nil(t, s.sessions.Get("u1", "c1"))
}

func TestService_EraseUserDropsProfile(t *testing.T) {
	durable := newMemVectorStore()
	s := newTestService(t, durable)
	ctx := context.Background()

	_, err := s.UpsertProfile("u1", &store.ProfileDelta{Name: "Sam"})
	require.NoError(t, err)
	require.NoError(t, s.RecordTurn(ctx, "u1", "c1", "q1", "a1", nil))
	require.NoError(t, s.EndChat(ctx, "u1", "c1", false))
	s.Flush()

	require.NoError(t, s.EraseUser(ctx, "u1"))

	assert.Zero(t, durable.size())
	profile, err := s.GetProfile("u1")
	require.NoError(t, err)
	assert.Nil(t, profile)
}
