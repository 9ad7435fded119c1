// Package persist promotes ephemeral chat sessions to the durable
// vector store. Uploads happen on chat boundaries, behind a per-chat
// cooldown, and entirely off the request path: failures are logged and
// the session simply stays unpersisted until a later boundary event.
package persist

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/astrayn/engram/plugin/ai"
	"github.com/astrayn/engram/store"
	"github.com/astrayn/engram/store/vector"
)

const summarySystemPrompt = `Summarize the following conversation in at most three sentences.
Keep concrete facts, names, and decisions. Respond with the summary only.`

// Config configures the scheduler.
type Config struct {
	// Cooldown is the minimum interval between two uploads of the same
	// chat, so rapid chat switching does not re-upload unchanged turns.
	Cooldown time.Duration
	// MaxBatchSize caps one upsert batch at the store's batch limit.
	MaxBatchSize int
	// UploadTimeout bounds one whole upload (summary, embedding, upserts).
	UploadTimeout time.Duration
	// MaxSummaryChars truncates the fallback summary text.
	MaxSummaryChars int
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Cooldown:        5 * time.Minute,
		MaxBatchSize:    100,
		UploadTimeout:   30 * time.Second,
		MaxSummaryChars: 2000,
	}
}

// Scheduler uploads chat sessions to the durable store.
type Scheduler struct {
	config   Config
	sessions *store.SessionStore
	durable  vector.Store
	embedder ai.EmbeddingService
	llm      ai.LLMService // optional summarizer
	logger   *slog.Logger
}

// NewScheduler creates a scheduler. llm may be nil; the summary then
// falls back to a truncated transcript.
func NewScheduler(
	cfg Config,
	sessions *store.SessionStore,
	durable vector.Store,
	embedder ai.EmbeddingService,
	llm ai.LLMService,
	logger *slog.Logger,
) *Scheduler {
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 30 * time.Second
	}
	if cfg.MaxSummaryChars <= 0 {
		cfg.MaxSummaryChars = 2000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		config:   cfg,
		sessions: sessions,
		durable:  durable,
		embedder: embedder,
		llm:      llm,
		logger:   logger,
	}
}

// OnChatBoundary uploads the session for (userID, chatID) unless it is
// empty, already persisted, or inside the cooldown window. force
// bypasses the cooldown. The cooldown stamp is claimed atomically with
// the turn snapshot, so a racing forced save cannot double-upload.
func (s *Scheduler) OnChatBoundary(ctx context.Context, userID, chatID string, force bool) {
	if s.durable == nil || s.embedder == nil {
		return
	}

	turns, ok := s.sessions.ClaimUpload(userID, chatID, s.config.Cooldown, force)
	if !ok {
		s.logger.Debug("persistence skipped",
			"user_id", userID, "chat_id", chatID, "force", force)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.UploadTimeout)
	defer cancel()

	// One embedding per chat: the summary vector is shared by every
	// record of the upload.
	embedding, err := s.embedder.Embed(ctx, s.summarize(ctx, turns))
	if err != nil {
		s.logger.Warn("persistence failed: embedding",
			"user_id", userID, "chat_id", chatID, "error", err)
		return
	}

	records := buildRecords(turns, embedding)
	if err := s.upsertAll(ctx, records); err != nil {
		s.logger.Warn("persistence failed: upsert",
			"user_id", userID, "chat_id", chatID,
			"records", len(records), "error", err)
		return
	}

	s.sessions.MarkPersisted(userID, chatID, time.Now())
	s.logger.Info("chat persisted",
		"user_id", userID, "chat_id", chatID,
		"turns", len(turns), "records", len(records))
}

// EraseChat removes all durable records for one chat and drops its
// live session.
func (s *Scheduler) EraseChat(ctx context.Context, userID, chatID string) error {
	s.sessions.Delete(userID, chatID)
	if s.durable == nil {
		return nil
	}
	if err := s.durable.Delete(ctx, vector.Filter{UserID: userID, ChatID: chatID}); err != nil {
		return fmt.Errorf("failed to erase chat records: %w", err)
	}
	return nil
}

// EraseUser removes all durable records for a user.
func (s *Scheduler) EraseUser(ctx context.Context, userID string) error {
	if s.durable == nil {
		return nil
	}
	if err := s.durable.Delete(ctx, vector.Filter{UserID: userID}); err != nil {
		return fmt.Errorf("failed to erase user records: %w", err)
	}
	return nil
}

// summarize produces the text that gets embedded for the chat. The
// summarizer is best-effort: on any failure the truncated transcript
// stands in.
func (s *Scheduler) summarize(ctx context.Context, turns []*store.ConversationTurn) string {
	transcript := renderTranscript(turns)

	if s.llm != nil {
		summary, err := s.llm.Complete(ctx, []ai.Message{
			{Role: "system", Content: summarySystemPrompt},
			{Role: "user", Content: transcript},
		})
		if err == nil && strings.TrimSpace(summary) != "" {
			return summary
		}
		if err != nil {
			s.logger.Debug("summary fell back to transcript", "error", err)
		}
	}

	if len(transcript) > s.config.MaxSummaryChars {
		transcript = transcript[:s.config.MaxSummaryChars]
	}
	return transcript
}

// upsertAll writes records in batches of MaxBatchSize, batches in
// parallel.
func (s *Scheduler) upsertAll(ctx context.Context, records []*vector.Record) error {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(4)

	for start := 0; start < len(records); start += s.config.MaxBatchSize {
		end := start + s.config.MaxBatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]
		group.Go(func() error {
			return s.durable.UpsertBatch(ctx, batch)
		})
	}

	return group.Wait()
}

// RecordID builds the deterministic durable ID for one side of a turn.
// Re-running persistence for the same turn overwrites, never duplicates.
func RecordID(userID, chatID, turnID string, role store.Role) string {
	return fmt.Sprintf("%s:%s:%s:%s", userID, chatID, turnID, role)
}

// buildRecords produces one record per stored message: two per turn,
// all carrying the chat's shared embedding.
func buildRecords(turns []*store.ConversationTurn, embedding []float32) []*vector.Record {
	records := make([]*vector.Record, 0, 2*len(turns))
	for _, turn := range turns {
		tags := []string{"conversation"}
		if turn.Attachment != nil {
			tags = append(tags, "attachment")
		}

		records = append(records, &vector.Record{
			ID:        RecordID(turn.UserID, turn.ChatID, turn.TurnID, store.RoleUser),
			Embedding: embedding,
			Content:   turn.UserPrompt,
			Metadata: vector.Metadata{
				UserID:    turn.UserID,
				ChatID:    turn.ChatID,
				Role:      string(store.RoleUser),
				Timestamp: turn.Timestamp,
				Tags:      tags,
			},
		})
		records = append(records, &vector.Record{
			ID:        RecordID(turn.UserID, turn.ChatID, turn.TurnID, store.RoleAssistant),
			Embedding: embedding,
			Content:   turn.AIResponse,
			Metadata: vector.Metadata{
				UserID:    turn.UserID,
				ChatID:    turn.ChatID,
				Role:      string(store.RoleAssistant),
				Timestamp: turn.Timestamp,
				Tags:      tags,
			},
		})
	}
	return records
}

func renderTranscript(turns []*store.ConversationTurn) string {
	var sb strings.Builder
	for _, turn := range turns {
		sb.WriteString("User: ")
		sb.WriteString(turn.UserPrompt)
		sb.WriteString("\nAssistant: ")
		sb.WriteString(turn.AIResponse)
		sb.WriteString("\n")
	}
	return sb.String()
}
