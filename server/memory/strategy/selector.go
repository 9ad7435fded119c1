// Package strategy classifies each incoming query into a retrieval
// strategy. Selection is a pure function over normalized text: the
// cheapest strategy that can plausibly answer the query wins, and only
// explicit memory references or long queries justify a durable-store
// round trip.
package strategy

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Strategy is the chosen depth of memory retrieval for one query.
type Strategy string

const (
	// StrategySkip returns no context at all.
	StrategySkip Strategy = "skip"
	// StrategyProfile returns profile context only.
	StrategyProfile Strategy = "profile_only"
	// StrategyCached reuses the short-lived cached rendering of recent
	// turns, degrading to profile-only on a miss.
	StrategyCached Strategy = "cached"
	// StrategyFull combines local turns, durable matches, and profile.
	StrategyFull Strategy = "full"
)

// Decision reason constants.
const (
	ReasonGreeting       = "greeting"
	ReasonAcknowledgment = "acknowledgment"
	ReasonMemoryTrigger  = "memory_trigger"
	ReasonPersonalInfo   = "personal_info"
	ReasonComplexQuery   = "complex_query"
	ReasonDefault        = "default"
)

// Decision is the outcome of strategy selection.
type Decision struct {
	Strategy   Strategy
	Reason     string
	Confidence float32 // 0.0-1.0
}

// Selector classifies queries. It is stateless after construction;
// Select is a pure function of its inputs.
type Selector struct {
	config *Config
}

// NewSelector creates a selector with the default configuration.
func NewSelector() *Selector {
	return NewSelectorWithConfig(DefaultConfig())
}

// NewSelectorWithConfig creates a selector with the given configuration.
func NewSelectorWithConfig(config *Config) *Selector {
	if err := Validate(config); err != nil {
		panic(fmt.Sprintf("invalid strategy config: %v", err))
	}
	return &Selector{config: config}
}

// Select classifies the query at the given turn index within its chat.
// Rules are evaluated in order on a lower-cased, trimmed copy; the
// first match wins.
func (s *Selector) Select(query string, turnIndex int) Decision {
	normalized := normalize(query)
	if normalized == "" {
		return Decision{Strategy: StrategySkip, Reason: ReasonAcknowledgment, Confidence: 0.9}
	}

	// Rule 1: greetings. Early in a chat the profile lets the assistant
	// greet by name; later a bare greeting needs nothing.
	if s.isGreeting(normalized) {
		if turnIndex <= s.config.GreetingTurnLimit {
			return Decision{Strategy: StrategyProfile, Reason: ReasonGreeting, Confidence: 0.95}
		}
		return Decision{Strategy: StrategySkip, Reason: ReasonGreeting, Confidence: 0.95}
	}

	// Rule 2: pure acknowledgments need no context.
	if s.isAcknowledgment(normalized) {
		return Decision{Strategy: StrategySkip, Reason: ReasonAcknowledgment, Confidence: 0.95}
	}

	// Rule 3: explicit references to earlier conversation.
	for _, trigger := range s.config.MemoryTriggers {
		if strings.Contains(normalized, trigger) {
			return Decision{Strategy: StrategyFull, Reason: ReasonMemoryTrigger, Confidence: 0.9}
		}
	}

	short := utf8.RuneCountInString(normalized) < s.config.ShortQueryThreshold

	// Rule 4: short personal-info questions are answerable from the
	// profile alone.
	if short {
		for _, pattern := range s.config.PersonalInfoPatterns {
			if strings.Contains(normalized, pattern) {
				return Decision{Strategy: StrategyProfile, Reason: ReasonPersonalInfo, Confidence: 0.85}
			}
		}
	}

	// Rule 5: long queries are complex enough to justify a full search.
	if !short {
		return Decision{Strategy: StrategyFull, Reason: ReasonComplexQuery, Confidence: 0.7}
	}

	// Rule 6: default. In an established chat the cached rendering of
	// recent turns is the cheapest useful context; it degrades to
	// profile-only on a miss, which is also the new-chat default.
	if turnIndex > 0 {
		return Decision{Strategy: StrategyCached, Reason: ReasonDefault, Confidence: 0.6}
	}
	return Decision{Strategy: StrategyProfile, Reason: ReasonDefault, Confidence: 0.6}
}

// isGreeting reports whether the query is a greeting or greeting-prefixed.
func (s *Selector) isGreeting(query string) bool {
	trimmed := strings.TrimRight(query, "!.?, ")
	for _, greeting := range s.config.Greetings {
		if trimmed == greeting || strings.HasPrefix(query, greeting+" ") {
			return true
		}
	}
	return false
}

// isAcknowledgment reports whether the query is a pure confirmation.
func (s *Selector) isAcknowledgment(query string) bool {
	trimmed := strings.TrimRight(query, "!.?, ")
	for _, ack := range s.config.Acknowledgments {
		if trimmed == ack {
			return true
		}
	}
	return false
}

func normalize(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}
