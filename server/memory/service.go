// Package memory is the façade over the hybrid memory subsystem. The
// request-handling layer calls Search before generating an answer and
// RecordTurn / EndChat afterward; everything that writes memory runs as
// a background task after the response path has completed.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/astrayn/engram/plugin/ai"
	"github.com/astrayn/engram/plugin/ai/cache"
	"github.com/astrayn/engram/internal/observability"
	"github.com/astrayn/engram/server/memory/extractor"
	"github.com/astrayn/engram/server/memory/hybrid"
	"github.com/astrayn/engram/server/memory/persist"
	"github.com/astrayn/engram/server/memory/strategy"
	"github.com/astrayn/engram/store"
	"github.com/astrayn/engram/store/vector"
)

// ErrMissingUserID is returned when a memory operation arrives without
// a user identity. This is a caller defect and is rejected
// synchronously, unlike collaborator failures which degrade silently.
var ErrMissingUserID = errors.New("memory: missing user id")

// Config aggregates the subsystem configuration.
type Config struct {
	Session   store.SessionStoreConfig
	Cache     cache.Config
	Strategy  *strategy.Config
	Hybrid    hybrid.Config
	Extractor extractor.Config
	Persist   persist.Config

	// Workers and QueueSize size the background task runner.
	Workers   int
	QueueSize int
}

// DefaultConfig returns the default subsystem configuration.
func DefaultConfig() Config {
	return Config{
		Session:   store.DefaultSessionStoreConfig(),
		Cache:     cache.DefaultConfig(),
		Strategy:  strategy.DefaultConfig(),
		Hybrid:    hybrid.DefaultConfig(),
		Extractor: extractor.DefaultConfig(),
		Persist:   persist.DefaultConfig(),
		Workers:   4,
		QueueSize: 256,
	}
}

// Service wires the session store, profile store, strategy selector,
// orchestrator, extractor, and persistence scheduler together.
type Service struct {
	sessions     *store.SessionStore
	profiles     *store.ProfileStore
	contextCache *cache.ContextCache
	orchestrator *hybrid.Orchestrator
	extractor    *extractor.Extractor
	scheduler    *persist.Scheduler
	tasks        *TaskRunner
	logger       *slog.Logger
}

// NewService builds the memory subsystem. durable, embedder, and llm
// are the external collaborators; any of them may be nil, in which case
// the dependent paths degrade (no durable search, no extraction).
func NewService(cfg Config, durable vector.Store, embedder ai.EmbeddingService, llm ai.LLMService, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	sessions := store.NewSessionStore(cfg.Session, logger)
	profiles := store.NewProfileStore()
	contextCache := cache.New(cfg.Cache)
	selector := strategy.NewSelectorWithConfig(cfg.Strategy)

	s := &Service{
		sessions:     sessions,
		profiles:     profiles,
		contextCache: contextCache,
		orchestrator: hybrid.NewOrchestrator(cfg.Hybrid, selector, sessions, profiles, durable, embedder, contextCache, logger),
		extractor:    extractor.New(cfg.Extractor, llm, profiles, logger),
		scheduler:    persist.NewScheduler(cfg.Persist, sessions, durable, embedder, llm, logger),
		tasks:        NewTaskRunner(cfg.Workers, cfg.QueueSize, logger),
		logger:       logger,
	}

	// Sessions swept with unpersisted turns get one best-effort upload.
	sessions.SetEvictHook(func(ctx context.Context, userID, chatID string) {
		s.scheduler.OnChatBoundary(ctx, userID, chatID, false)
	})

	return s
}

// Search retrieves the context block for one inbound user message. It
// is called once per message, before the answer is generated, and
// never blocks on background writes.
func (s *Service) Search(ctx context.Context, userID, query, chatID string, turnIndex int) (*hybrid.SearchResult, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}

	reqCtx := observability.NewRequestContext(s.logger, userID, chatID)
	result, err := s.orchestrator.Search(ctx, userID, query, chatID, turnIndex)
	if err != nil {
		return nil, err
	}
	reqCtx.With().Debug("memory search",
		observability.LogFieldStrategy, string(result.Strategy),
		observability.LogFieldDuration, reqCtx.DurationMs())
	return result, nil
}

// RecordTurn stores a completed query/response pair. The session
// append, cache invalidation, and any extraction trigger all run as one
// background task: the caller's response is fully returned before the
// write is observable. Tasks are keyed by chat, so turns of one chat
// are appended in submission order and the extractor only ever sees
// the session snapshot its own task produced.
func (s *Service) RecordTurn(_ context.Context, userID, chatID, userPrompt, aiResponse string, attachment *store.Attachment) error {
	if userID == "" {
		return ErrMissingUserID
	}

	turn := &store.ConversationTurn{
		TurnID:     uuid.NewString(),
		UserID:     userID,
		ChatID:     chatID,
		UserPrompt: userPrompt,
		AIResponse: aiResponse,
		Timestamp:  time.Now(),
		Attachment: attachment,
	}

	s.tasks.Go(taskKey(userID, chatID), "record_turn", func(ctx context.Context) {
		session := s.sessions.Append(userID, chatID, turn)
		s.contextCache.Invalidate(cache.Key(userID, chatID))

		if session.TurnCount() == 1 {
			s.profiles.IncrementConversationCount(userID)
		}
		if s.extractor.ShouldExtract(session.TurnCount()) {
			s.extractor.Extract(ctx, session)
		}
	})

	return nil
}

// EndChat signals a chat boundary: the user switched away, signed out,
// or requested an explicit save. Persistence runs in the background;
// force bypasses the upload cooldown.
func (s *Service) EndChat(_ context.Context, userID, chatID string, force bool) error {
	if userID == "" {
		return ErrMissingUserID
	}

	s.tasks.Go(taskKey(userID, chatID), "end_chat", func(ctx context.Context) {
		s.scheduler.OnChatBoundary(ctx, userID, chatID, force)
	})

	return nil
}

// GetProfile returns the user's profile, or nil when none exists.
func (s *Service) GetProfile(userID string) (*store.UserProfile, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	return s.profiles.Get(userID), nil
}

// UpsertProfile merges fields into the user's profile directly,
// independent of automatic extraction.
func (s *Service) UpsertProfile(userID string, delta *store.ProfileDelta) (*store.UserProfile, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}

	profile := s.profiles.Upsert(userID, delta)
	s.contextCache.Invalidate(cache.UserPattern(userID))
	return profile, nil
}

// EraseChat removes one chat's durable records and live session.
func (s *Service) EraseChat(ctx context.Context, userID, chatID string) error {
	if userID == "" {
		return ErrMissingUserID
	}

	s.contextCache.Invalidate(cache.Key(userID, chatID))
	return s.scheduler.EraseChat(ctx, userID, chatID)
}

// EraseUser removes all durable records and the profile for a user.
func (s *Service) EraseUser(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrMissingUserID
	}

	s.profiles.Delete(userID)
	s.contextCache.Invalidate(cache.UserPattern(userID))
	return s.scheduler.EraseUser(ctx, userID)
}

// taskKey routes all background work of one chat to one worker.
func taskKey(userID, chatID string) string {
	return userID + "/" + chatID
}

// Flush runs any queued background work to completion. Intended for
// shutdown paths and tests; new tasks are rejected afterward.
func (s *Service) Flush() {
	s.tasks.Close()
}

// Close drains background work and stops the sweep and cleanup loops.
func (s *Service) Close() {
	s.tasks.Close()
	s.sessions.Close()
	s.contextCache.Close()
}
