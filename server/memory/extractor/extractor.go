// Package extractor derives user-profile updates from accumulated
// conversation turns. It runs strictly off the request path: a failed
// or empty extraction leaves the profile untouched.
package extractor

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/astrayn/engram/plugin/ai"
	"github.com/astrayn/engram/store"
)

const extractionSystemPrompt = `You extract facts about the user from a conversation transcript.
Respond with a single JSON object and nothing else. Use only these keys,
omitting any you cannot fill from the transcript:
  "name": the user's name
  "role": their job or role
  "background": one short sentence of background
  "interests": array of short interest phrases
  "preferences": array of short preference phrases
  "conversation_style": how they like to be spoken to
Only include facts the user stated about themselves. If the transcript
contains no such facts, respond with {}.`

// Config configures the extractor.
type Config struct {
	// TurnInterval is how many accumulated turns trigger an extraction.
	TurnInterval int
	// Timeout bounds the completion call.
	Timeout time.Duration
	// MaxTranscriptTurns caps how much history is rendered into the
	// prompt. The window always starts at the session's first turn so
	// facts stated early remain extractable.
	MaxTranscriptTurns int
}

// DefaultConfig returns the default extractor configuration.
func DefaultConfig() Config {
	return Config{
		TurnInterval:       3,
		Timeout:            20 * time.Second,
		MaxTranscriptTurns: 50,
	}
}

// Extractor turns conversation history into profile deltas.
type Extractor struct {
	config   Config
	llm      ai.LLMService
	profiles *store.ProfileStore
	logger   *slog.Logger

	// group collapses concurrent extractions for the same user.
	group singleflight.Group
}

// New creates an extractor.
func New(cfg Config, llm ai.LLMService, profiles *store.ProfileStore, logger *slog.Logger) *Extractor {
	if cfg.TurnInterval <= 0 {
		cfg.TurnInterval = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxTranscriptTurns <= 0 {
		cfg.MaxTranscriptTurns = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		config:   cfg,
		llm:      llm,
		profiles: profiles,
		logger:   logger,
	}
}

// ShouldExtract reports whether a session with turnCount accumulated
// turns is due for an extraction pass.
func (e *Extractor) ShouldExtract(turnCount int) bool {
	return turnCount > 0 && turnCount%e.config.TurnInterval == 0
}

// Extract derives a profile delta from the session's entire turn
// history and merges it. The full history matters: facts stated in the
// first turn must still be extractable when the pass runs turns later.
// Failures are logged and swallowed.
func (e *Extractor) Extract(ctx context.Context, session *store.ChatSession) {
	if e.llm == nil || session == nil || len(session.Turns) == 0 {
		return
	}

	_, _, _ = e.group.Do(session.UserID, func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()

		transcript := renderTranscript(session.Turns, e.config.MaxTranscriptTurns)

		raw, err := e.llm.Complete(ctx, []ai.Message{
			{Role: "system", Content: extractionSystemPrompt},
			{Role: "user", Content: transcript},
		})
		if err != nil {
			e.logger.Warn("profile extraction skipped: completion failed",
				"user_id", session.UserID, "error", err)
			return nil, nil
		}

		delta, err := parseDelta(raw)
		if err != nil {
			e.logger.Warn("profile extraction skipped: unparseable output",
				"user_id", session.UserID, "error", err)
			return nil, nil
		}
		if delta.IsEmpty() {
			return nil, nil
		}

		e.profiles.Upsert(session.UserID, delta)
		e.logger.Debug("profile updated from conversation",
			"user_id", session.UserID,
			"turns", len(session.Turns))
		return nil, nil
	})
}

// parseDelta parses the model output, tolerating markdown code fences.
func parseDelta(raw string) (*store.ProfileDelta, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var delta store.ProfileDelta
	if err := json.Unmarshal([]byte(cleaned), &delta); err != nil {
		return nil, err
	}
	return &delta, nil
}

// renderTranscript formats the turns for the prompt, keeping the head
// of the conversation when the cap is exceeded.
func renderTranscript(turns []*store.ConversationTurn, maxTurns int) string {
	if len(turns) > maxTurns {
		turns = turns[:maxTurns]
	}

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
