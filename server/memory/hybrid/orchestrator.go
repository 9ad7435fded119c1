// Package hybrid combines the session store, the user profile store,
// and the durable vector store into a single context block per query,
// executing whichever retrieval strategy the selector chose.
package hybrid

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/astrayn/engram/plugin/ai"
	"github.com/astrayn/engram/plugin/ai/cache"
	"github.com/astrayn/engram/server/memory/strategy"
	"github.com/astrayn/engram/store"
	"github.com/astrayn/engram/store/vector"
)

// Config configures the orchestrator.
type Config struct {
	// LocalTurnLimit bounds how many recent session turns a full search reads.
	LocalTurnLimit int
	// MinLocalResults is the local-turn count at which the durable
	// search is skipped entirely.
	MinLocalResults int
	// DurableTopK bounds how many durable matches a full search requests.
	DurableTopK int
	// SimilarityThreshold drops durable matches scoring below it.
	SimilarityThreshold float32
	// DurableTimeout bounds the embedding plus vector-store round trip.
	DurableTimeout time.Duration
	// CacheTTL is how long a rendered conversation block stays cached.
	CacheTTL time.Duration
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		LocalTurnLimit:      3,
		MinLocalResults:     2,
		DurableTopK:         2,
		SimilarityThreshold: 0.70,
		DurableTimeout:      5 * time.Second,
		CacheTTL:            2 * time.Minute,
	}
}

// SearchResult is the outcome of one context retrieval.
type SearchResult struct {
	ContextText string
	Strategy    strategy.Strategy
	Reason      string

	LocalCount   int
	DurableCount int
	UsedProfile  bool
	// SkippedDurableSearch is true when enough local turns made the
	// vector-store round trip unnecessary.
	SkippedDurableSearch bool
}

// Orchestrator executes retrieval strategies.
type Orchestrator struct {
	config   Config
	selector *strategy.Selector

	sessions *store.SessionStore
	profiles *store.ProfileStore
	durable  vector.Store
	embedder ai.EmbeddingService
	cache    *cache.ContextCache

	logger *slog.Logger
}

// NewOrchestrator wires an orchestrator. durable and embedder may be
// nil, in which case full searches degrade to local-plus-profile.
func NewOrchestrator(
	cfg Config,
	selector *strategy.Selector,
	sessions *store.SessionStore,
	profiles *store.ProfileStore,
	durable vector.Store,
	embedder ai.EmbeddingService,
	contextCache *cache.ContextCache,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.LocalTurnLimit <= 0 {
		cfg.LocalTurnLimit = 3
	}
	if cfg.DurableTopK <= 0 {
		cfg.DurableTopK = 2
	}
	if cfg.DurableTimeout <= 0 {
		cfg.DurableTimeout = 5 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		config:   cfg,
		selector: selector,
		sessions: sessions,
		profiles: profiles,
		durable:  durable,
		embedder: embedder,
		cache:    contextCache,
		logger:   logger,
	}
}

// Search selects a strategy for the query and executes it. Strategy
// selection and profile lookups never block; only the full strategy
// reaches the durable store, and its failures degrade rather than
// propagate.
func (o *Orchestrator) Search(ctx context.Context, userID, query, chatID string, turnIndex int) (*SearchResult, error) {
	decision := o.selector.Select(query, turnIndex)
	result := &SearchResult{
		Strategy: decision.Strategy,
		Reason:   decision.Reason,
	}

	switch decision.Strategy {
	case strategy.StrategySkip:
		return result, nil

	case strategy.StrategyProfile:
		o.attachProfile(userID, result)
		return result, nil

	case strategy.StrategyCached:
		if o.cache != nil {
			if block, ok := o.cache.Get(cache.Key(userID, chatID)); ok {
				result.ContextText = block
				return result, nil
			}
		}
		// Miss: degrade to profile-only.
		o.attachProfile(userID, result)
		return result, nil

	case strategy.StrategyFull:
		return o.fullSearch(ctx, userID, query, chatID, turnIndex, result)

	default:
		return nil, fmt.Errorf("unknown strategy %q", decision.Strategy)
	}
}

// fullSearch runs the three-tier retrieval: recent local turns first,
// the durable store only when local context is thin, and the profile
// always.
func (o *Orchestrator) fullSearch(ctx context.Context, userID, query, chatID string, turnIndex int, result *SearchResult) (*SearchResult, error) {
	var sections []string

	profileBlock := o.profiles.RenderContext(userID)
	if profileBlock != "" {
		result.UsedProfile = true
		sections = append(sections, "### User profile\n"+profileBlock)
	}

	localChatID := chatID
	if turnIndex <= 0 {
		// New chat: recent turns from any of the user's live chats.
		localChatID = ""
	}
	turns := o.sessions.Recent(&store.FindConversationTurn{
		UserID: userID,
		ChatID: localChatID,
		Limit:  o.config.LocalTurnLimit,
	})
	result.LocalCount = len(turns)

	if len(turns) > 0 {
		block := renderTurns(turns)
		sections = append(sections, "### Recent conversation\n"+block)
		// Prime only when the block is scoped to this chat; a cross-chat
		// block cached under the chat key would leak into later turns.
		if o.cache != nil && localChatID != "" {
			o.cache.Set(cache.Key(userID, chatID), block, o.config.CacheTTL)
		}
	}

	// Cost optimization: enough plausibly relevant local turns make the
	// durable round trip unnecessary.
	if len(turns) >= o.config.MinLocalResults {
		result.SkippedDurableSearch = true
	} else if o.durable != nil && o.embedder != nil {
		matches := o.queryDurable(ctx, userID, query, chatID, turnIndex)
		result.DurableCount = len(matches)
		if len(matches) > 0 {
			sections = append(sections, "### Related memories\n"+renderMatches(matches))
		}
	}

	result.ContextText = strings.Join(sections, "\n\n")
	return result, nil
}

// queryDurable embeds the query and searches the vector store. Any
// failure is logged and swallowed; memory is an enhancement, not a
// correctness requirement, of the answer path.
func (o *Orchestrator) queryDurable(ctx context.Context, userID, query, chatID string, turnIndex int) []*vector.Match {
	ctx, cancel := context.WithTimeout(ctx, o.config.DurableTimeout)
	defer cancel()

	embedding, err := o.embedder.Embed(ctx, query)
	if err != nil {
		o.logger.Warn("durable search degraded: embedding failed",
			"user_id", userID, "error", err)
		return nil
	}

	filter := vector.Filter{UserID: userID}
	if turnIndex > 0 && chatID != "" {
		// Established chat: never re-pay the cross-chat discovery cost.
		filter.ChatID = chatID
	}

	matches, err := o.durable.Query(ctx, embedding, filter, o.config.DurableTopK, o.config.SimilarityThreshold)
	if err != nil {
		o.logger.Warn("durable search degraded: vector query failed",
			"user_id", userID, "chat_id", chatID, "error", err)
		return nil
	}
	return matches
}

func (o *Orchestrator) attachProfile(userID string, result *SearchResult) {
	if block := o.profiles.RenderContext(userID); block != "" {
		result.UsedProfile = true
		result.ContextText = block
	}
}

// renderTurns formats turns oldest first, one line per side.
func renderTurns(turns []*store.ConversationTurn) string {
	var sb strings.Builder
	for i, turn := range turns {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("User: ")
		sb.WriteString(turn.UserPrompt)
		sb.WriteString("\nAssistant: ")
		sb.WriteString(turn.AIResponse)
	}
	return sb.String()
}

func renderMatches(matches []*vector.Match) string {
	var sb strings.Builder
	for i, match := range matches {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(fmt.Sprintf("- %s", match.Content))
	}
	return sb.String()
}
