package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSessionStore(t *testing.T) *SessionStore {
	t.Helper()
	s := NewSessionStore(SessionStoreConfig{
		MaxIdle:       time.Hour,
		SweepInterval: time.Hour, // keep the sweep out of the way
	}, nil)
	t.Cleanup(s.Close)
	return s
}

func makeTurn(userID, chatID, prompt string, ts time.Time) *ConversationTurn {
	return &ConversationTurn{
		TurnID:     fmt.Sprintf("turn-%s-%d", chatID, ts.UnixNano()),
		UserID:     userID,
		ChatID:     chatID,
		UserPrompt: prompt,
		AIResponse: "response to " + prompt,
		Timestamp:  ts,
	}
}

func TestSessionStore_AppendCreatesSession(t *testing.T) {
	s := newTestSessionStore(t)

	session := s.Append("u1", "c1", makeTurn("u1", "c1", "hello", time.Now()))
	require.NotNil(t, session)
	assert.NotEmpty(t, session.SessionID)
	assert.Equal(t, 1, session.TurnCount())
	assert.False(t, session.IsPersisted)
	assert.Equal(t, 1, s.Size())

	// Same key reuses the session; new turns clear the persisted flag.
	s.MarkPersisted("u1", "c1", time.Now())
	session = s.Append("u1", "c1", makeTurn("u1", "c1", "again", time.Now()))
	assert.Equal(t, 2, session.TurnCount())
	assert.False(t, session.IsPersisted)
	assert.Equal(t, 1, s.Size())
}

func TestSessionStore_RecentScoped(t *testing.T) {
	s := newTestSessionStore(t)
	base := time.Now()

	for i := 0; i < 5; i++ {
		s.Append("u1", "c1", makeTurn("u1", "c1", fmt.Sprintf("q%d", i), base.Add(time.Duration(i)*time.Second)))
	}
	s.Append("u1", "c2", makeTurn("u1", "c2", "other chat", base.Add(10*time.Second)))
	s.Append("u2", "c1", makeTurn("u2", "c1", "other user", base.Add(11*time.Second)))

	turns := s.Recent(&FindConversationTurn{UserID: "u1", ChatID: "c1", Limit: 3})
	require.Len(t, turns, 3)
	assert.Equal(t, "q2", turns[0].UserPrompt)
	assert.Equal(t, "q4", turns[2].UserPrompt)
}

func TestSessionStore_RecentCrossChat(t *testing.T) {
	s := newTestSessionStore(t)
	base := time.Now()

	s.Append("u1", "c1", makeTurn("u1", "c1", "first", base))
	s.Append("u1", "c2", makeTurn("u1", "c2", "second", base.Add(time.Second)))
	s.Append("u1", "c3", makeTurn("u1", "c3", "third", base.Add(2*time.Second)))

	turns := s.Recent(&FindConversationTurn{UserID: "u1", Limit: 2})
	require.Len(t, turns, 2)
	// Cross-chat results are ordered by timestamp.
	assert.Equal(t, "second", turns[0].UserPrompt)
	assert.Equal(t, "third", turns[1].UserPrompt)
}

func TestSessionStore_EvictStale(t *testing.T) {
	s := newTestSessionStore(t)

	var mu sync.Mutex
	var hooked []string
	s.SetEvictHook(func(_ context.Context, userID, chatID string) {
		mu.Lock()
		defer mu.Unlock()
		hooked = append(hooked, userID+"/"+chatID)
	})

	s.Append("u1", "old", makeTurn("u1", "old", "unpersisted", time.Now()))
	s.Append("u1", "fresh", makeTurn("u1", "fresh", "active", time.Now()))

	// Backdate the first session.
	s.mu.Lock()
	s.sessions[sessionKey("u1", "old")].LastActivity = time.Now().Add(-3 * time.Hour)
	s.mu.Unlock()

	evicted := s.EvictStale(time.Hour)
	assert.Equal(t, 1, evicted)
	assert.Nil(t, s.Get("u1", "old"))
	require.NotNil(t, s.Get("u1", "fresh"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"u1/old"}, hooked, "unpersisted session gets a best-effort persistence attempt")
}

// The evict hook fires while the session is still in the store, so a
// hook that persists through ClaimUpload actually gets the turns.
func TestSessionStore_EvictHookCanClaimTurns(t *testing.T) {
	s := newTestSessionStore(t)

	var claimed []*ConversationTurn
	s.SetEvictHook(func(_ context.Context, userID, chatID string) {
		turns, ok := s.ClaimUpload(userID, chatID, 0, false)
		require.True(t, ok, "session must still be claimable from the evict hook")
		claimed = turns
	})

	s.Append("u1", "old", makeTurn("u1", "old", "unpersisted", time.Now()))
	s.mu.Lock()
	s.sessions[sessionKey("u1", "old")].LastActivity = time.Now().Add(-3 * time.Hour)
	s.mu.Unlock()

	assert.Equal(t, 1, s.EvictStale(time.Hour))
	assert.Len(t, claimed, 1)
	assert.Nil(t, s.Get("u1", "old"))
}

// Append and Get hand out copies: later store writes do not show up in
// a previously returned session, and mutating a returned session does
// not touch the store.
func TestSessionStore_SnapshotIsolation(t *testing.T) {
	s := newTestSessionStore(t)

	first := s.Append("u1", "c1", makeTurn("u1", "c1", "one", time.Now()))
	s.Append("u1", "c1", makeTurn("u1", "c1", "two", time.Now()))
	assert.Equal(t, 1, first.TurnCount())

	got := s.Get("u1", "c1")
	require.NotNil(t, got)
	got.Turns = got.Turns[:0]
	assert.Equal(t, 2, s.Get("u1", "c1").TurnCount())
}

func TestSessionStore_ClaimUpload(t *testing.T) {
	s := newTestSessionStore(t)

	// Missing or empty session: nothing to claim.
	_, ok := s.ClaimUpload("u1", "c1", time.Minute, false)
	assert.False(t, ok)

	s.Append("u1", "c1", makeTurn("u1", "c1", "q1", time.Now()))
	s.Append("u1", "c1", makeTurn("u1", "c1", "q2", time.Now()))

	turns, ok := s.ClaimUpload("u1", "c1", time.Minute, false)
	require.True(t, ok)
	assert.Len(t, turns, 2)

	// Second claim inside the cooldown window is refused.
	_, ok = s.ClaimUpload("u1", "c1", time.Minute, false)
	assert.False(t, ok)

	// force bypasses the cooldown.
	turns, ok = s.ClaimUpload("u1", "c1", time.Minute, true)
	require.True(t, ok)
	assert.Len(t, turns, 2)

	// Once persisted with no new turns, non-forced claims are refused
	// even after the cooldown expires.
	s.MarkPersisted("u1", "c1", time.Now().Add(-time.Hour))
	_, ok = s.ClaimUpload("u1", "c1", time.Minute, false)
	assert.False(t, ok)

	// A new turn clears the persisted flag and a later claim succeeds.
	s.Append("u1", "c1", makeTurn("u1", "c1", "q3", time.Now()))
	s.mu.Lock()
	s.sessions[sessionKey("u1", "c1")].LastUploadAt = time.Now().Add(-time.Hour)
	s.mu.Unlock()
	turns, ok = s.ClaimUpload("u1", "c1", time.Minute, false)
	require.True(t, ok)
	assert.Len(t, turns, 3)
}

func TestSessionStore_Delete(t *testing.T) {
	s := newTestSessionStore(t)

	s.Append("u1", "c1", makeTurn("u1", "c1", "hello", time.Now()))
	s.Delete("u1", "c1")
	assert.Nil(t, s.Get("u1", "c1"))
	assert.Equal(t, 0, s.Size())
}
