package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// ChatSession is the in-memory aggregate for one chat.
// There is exactly one live session per (userID, chatID) at a time.
type ChatSession struct {
	SessionID    string
	UserID       string
	ChatID       string
	Turns        []*ConversationTurn
	LastActivity time.Time
	// IsPersisted is true only after a successful durable upload and is
	// cleared whenever a new turn arrives afterward.
	IsPersisted  bool
	LastUploadAt time.Time
}

// TurnCount returns the number of turns in the session.
func (s *ChatSession) TurnCount() int {
	return len(s.Turns)
}

// EvictHook is invoked for an unpersisted session the sweep is about to
// drop, while the session is still in the store so the hook's
// persistence path can claim its turns. It is best-effort: the session
// is removed regardless of the hook's outcome.
type EvictHook func(ctx context.Context, userID, chatID string)

// SessionStoreConfig configures the session store.
type SessionStoreConfig struct {
	MaxIdle       time.Duration // Inactivity window before eviction (default: 2 hours)
	SweepInterval time.Duration // Interval between eviction sweeps (default: 10 minutes)
}

// DefaultSessionStoreConfig returns the default session store configuration.
func DefaultSessionStoreConfig() SessionStoreConfig {
	return SessionStoreConfig{
		MaxIdle:       2 * time.Hour,
		SweepInterval: 10 * time.Minute,
	}
}

// SessionStore holds live chat sessions keyed by (userID, chatID).
// It is purely in-memory with time-based eviction; only its own API
// mutates the map.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*ChatSession // key: userID + "/" + chatID

	config    SessionStoreConfig
	evictHook EvictHook
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSessionStore creates a session store and starts its eviction sweep.
func NewSessionStore(cfg SessionStoreConfig, logger *slog.Logger) *SessionStore {
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 2 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &SessionStore{
		sessions: make(map[string]*ChatSession),
		config:   cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}

	s.wg.Add(1)
	go s.sweepLoop()

	return s
}

// SetEvictHook registers the best-effort persistence callback used for
// sessions that still carry unpersisted turns when they are swept.
func (s *SessionStore) SetEvictHook(hook EvictHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictHook = hook
}

// Close stops the eviction sweep.
func (s *SessionStore) Close() {
	s.cancel()
	s.wg.Wait()
}

func sessionKey(userID, chatID string) string {
	return userID + "/" + chatID
}

// Append adds a turn to the session for (userID, chatID), creating the
// session on first use. Appending clears IsPersisted. The returned
// session is a snapshot taken under the store lock; callers may read it
// without further synchronization.
func (s *SessionStore) Append(userID, chatID string, turn *ConversationTurn) *ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey(userID, chatID)
	session, ok := s.sessions[key]
	if !ok {
		session = &ChatSession{
			SessionID: shortuuid.New(),
			UserID:    userID,
			ChatID:    chatID,
		}
		s.sessions[key] = session
	}

	session.Turns = append(session.Turns, turn)
	session.LastActivity = time.Now()
	session.IsPersisted = false

	return snapshotSession(session)
}

// Get returns a snapshot of the live session for (userID, chatID), or nil.
func (s *SessionStore) Get(userID, chatID string) *ChatSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionKey(userID, chatID)]
	if !ok {
		return nil
	}
	return snapshotSession(session)
}

// snapshotSession copies a session for use outside the store lock.
// Turns are append-only, so copying the slice header list is enough.
// Expects the store lock to be held.
func snapshotSession(session *ChatSession) *ChatSession {
	clone := *session
	clone.Turns = append([]*ConversationTurn(nil), session.Turns...)
	return &clone
}

// Recent returns up to find.Limit most recent turns, newest last.
// With an empty ChatID it spans all of the user's live chats, which is
// how new-chat strategies discover cross-chat history.
func (s *SessionStore) Recent(find *FindConversationTurn) []*ConversationTurn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var turns []*ConversationTurn
	if find.ChatID != "" {
		if session, ok := s.sessions[sessionKey(find.UserID, find.ChatID)]; ok {
			turns = append(turns, session.Turns...)
		}
	} else {
		for _, session := range s.sessions {
			if session.UserID == find.UserID {
				turns = append(turns, session.Turns...)
			}
		}
		sort.Slice(turns, func(i, j int) bool {
			return turns[i].Timestamp.Before(turns[j].Timestamp)
		})
	}

	if find.Limit > 0 && len(turns) > find.Limit {
		turns = turns[len(turns)-find.Limit:]
	}

	return turns
}

// ClaimUpload atomically checks whether a durable upload may proceed for
// (userID, chatID) and, if so, stamps LastUploadAt and returns a snapshot
// of the session's turns. The stamp and the check happen under one lock
// so two triggers (scheduler and forced save) cannot both pass the
// cooldown gate. Returns (nil, false) when the session is missing, empty,
// already persisted with no new turns, or still inside the cooldown
// window (unless force is set).
func (s *SessionStore) ClaimUpload(userID, chatID string, cooldown time.Duration, force bool) ([]*ConversationTurn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionKey(userID, chatID)]
	if !ok || len(session.Turns) == 0 {
		return nil, false
	}
	if !force {
		if session.IsPersisted {
			return nil, false
		}
		if cooldown > 0 && time.Since(session.LastUploadAt) < cooldown {
			return nil, false
		}
	}

	session.LastUploadAt = time.Now()

	snapshot := make([]*ConversationTurn, len(session.Turns))
	copy(snapshot, session.Turns)
	return snapshot, true
}

// MarkPersisted records a successful durable upload for the session.
// The cooldown timestamp and the persisted flag are updated under the
// same lock that gates the next persistence attempt.
func (s *SessionStore) MarkPersisted(userID, chatID string, uploadedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[sessionKey(userID, chatID)]; ok {
		session.IsPersisted = true
		session.LastUploadAt = uploadedAt
	}
}

// Delete removes the session for (userID, chatID) regardless of its
// persistence state.
func (s *SessionStore) Delete(userID, chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionKey(userID, chatID))
}

// EvictStale removes sessions idle for longer than maxAge. A session
// with unpersisted turns gets one best-effort persistence attempt via
// the evict hook first, while it is still in the store, so the hook can
// claim and upload its turns. Returns the number of evicted sessions.
func (s *SessionStore) EvictStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	type candidate struct {
		userID, chatID string
		needsUpload    bool
	}

	s.mu.RLock()
	var stale []candidate
	for _, session := range s.sessions {
		if session.LastActivity.Before(cutoff) {
			stale = append(stale, candidate{
				userID:      session.UserID,
				chatID:      session.ChatID,
				needsUpload: !session.IsPersisted && len(session.Turns) > 0,
			})
		}
	}
	hook := s.evictHook
	s.mu.RUnlock()

	for _, c := range stale {
		if c.needsUpload && hook != nil {
			hook(s.ctx, c.userID, c.chatID)
		}
	}

	evicted := 0
	s.mu.Lock()
	for _, c := range stale {
		key := sessionKey(c.userID, c.chatID)
		session, ok := s.sessions[key]
		if !ok || !session.LastActivity.Before(cutoff) {
			// New activity while the hook ran keeps the session alive.
			continue
		}
		delete(s.sessions, key)
		evicted++
		s.logger.Debug("session evicted",
			"user_id", c.userID,
			"chat_id", c.chatID,
			"turns", len(session.Turns),
			"persisted", session.IsPersisted)
	}
	s.mu.Unlock()

	return evicted
}

// Size returns the number of live sessions.
func (s *SessionStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// sweepLoop periodically evicts idle sessions.
func (s *SessionStore) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.EvictStale(s.config.MaxIdle)
		}
	}
}
