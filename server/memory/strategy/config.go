package strategy

import "fmt"

// Config holds the pattern lists and thresholds the selector matches
// against. The lists are data, not control flow, so they can be tuned
// without touching the selector's structure.
type Config struct {
	// Greetings are short openers matched exactly or as a prefix.
	Greetings []string `json:"greetings" yaml:"greetings"`

	// Acknowledgments are pure confirmations that need no memory at all.
	Acknowledgments []string `json:"acknowledgments" yaml:"acknowledgments"`

	// MemoryTriggers are phrases that explicitly reference earlier
	// conversation and always justify a durable-store search.
	MemoryTriggers []string `json:"memoryTriggers" yaml:"memoryTriggers"`

	// PersonalInfoPatterns mark short questions answerable from the
	// profile alone.
	PersonalInfoPatterns []string `json:"personalInfoPatterns" yaml:"personalInfoPatterns"`

	// ShortQueryThreshold is the rune count at or above which an
	// unmatched query is considered complex enough for a full search.
	ShortQueryThreshold int `json:"shortQueryThreshold" yaml:"shortQueryThreshold"`

	// GreetingTurnLimit is the last turn index at which a greeting still
	// returns profile context so the assistant can greet by name.
	GreetingTurnLimit int `json:"greetingTurnLimit" yaml:"greetingTurnLimit"`
}

// DefaultConfig returns the default selector configuration.
func DefaultConfig() *Config {
	return &Config{
		Greetings: []string{
			"hi", "hello", "hey", "hiya", "howdy", "yo",
			"good morning", "good afternoon", "good evening",
		},
		Acknowledgments: []string{
			"thanks", "thank you", "thx", "ty",
			"ok", "okay", "yes", "no", "yep", "nope", "yeah", "nah",
			"got it", "sounds good", "sure", "cool", "great", "perfect",
		},
		MemoryTriggers: []string{
			"remember", "earlier", "we discussed", "we talked",
			"you said", "you mentioned", "last time", "previously",
			"ago", "recall",
		},
		PersonalInfoPatterns: []string{
			"my name", "who am i", "my role", "my job",
			"about me", "know me",
		},
		ShortQueryThreshold: 30,
		GreetingTurnLimit:   2,
	}
}

// Validate checks that the configuration is usable.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.ShortQueryThreshold <= 0 {
		return fmt.Errorf("shortQueryThreshold must be positive, got %d", cfg.ShortQueryThreshold)
	}
	if cfg.GreetingTurnLimit < 0 {
		return fmt.Errorf("greetingTurnLimit must not be negative, got %d", cfg.GreetingTurnLimit)
	}
	if len(cfg.Greetings) == 0 || len(cfg.Acknowledgments) == 0 {
		return fmt.Errorf("pattern lists must not be empty")
	}
	return nil
}
