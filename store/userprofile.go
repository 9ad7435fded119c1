package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// UserProfile is the cross-chat identity record for one user.
// Updates are additive-merge only: a merge never removes previously
// known facts, it only adds new ones or overwrites a scalar field with a
// newer non-empty value.
type UserProfile struct {
	UserID            string
	Name              string
	Role              string
	Background        string
	Interests         []string
	Preferences       []string
	ConversationStyle string
	ConversationCount int
	LastUpdated       time.Time
}

// ProfileDelta is a partial profile update, typically produced by the
// extractor. Empty scalar fields are ignored on merge; set-valued fields
// are unioned.
type ProfileDelta struct {
	Name              string   `json:"name,omitempty"`
	Role              string   `json:"role,omitempty"`
	Background        string   `json:"background,omitempty"`
	Interests         []string `json:"interests,omitempty"`
	Preferences       []string `json:"preferences,omitempty"`
	ConversationStyle string   `json:"conversation_style,omitempty"`
}

// IsEmpty reports whether the delta carries no new information.
func (d *ProfileDelta) IsEmpty() bool {
	return d.Name == "" && d.Role == "" && d.Background == "" &&
		d.ConversationStyle == "" && len(d.Interests) == 0 && len(d.Preferences) == 0
}

// ProfileStore holds at most one profile per user for the lifetime of
// the process. Profiles are never auto-deleted.
type ProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]*UserProfile
}

// NewProfileStore creates an empty profile store.
func NewProfileStore() *ProfileStore {
	return &ProfileStore{
		profiles: make(map[string]*UserProfile),
	}
}

// Get returns a copy of the user's profile, or nil if none exists.
func (s *ProfileStore) Get(userID string) *UserProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profile, ok := s.profiles[userID]
	if !ok {
		return nil
	}
	clone := *profile
	clone.Interests = append([]string(nil), profile.Interests...)
	clone.Preferences = append([]string(nil), profile.Preferences...)
	return &clone
}

// Upsert merges the delta into the user's profile, creating it on first
// use. Scalars overwrite only when the new value is non-empty;
// interests and preferences are unioned, never replaced.
func (s *ProfileStore) Upsert(userID string, delta *ProfileDelta) *UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()

	profile, ok := s.profiles[userID]
	if !ok {
		profile = &UserProfile{UserID: userID}
		s.profiles[userID] = profile
	}

	if v := strings.TrimSpace(delta.Name); v != "" {
		profile.Name = v
	}
	if v := strings.TrimSpace(delta.Role); v != "" {
		profile.Role = v
	}
	if v := strings.TrimSpace(delta.Background); v != "" {
		profile.Background = v
	}
	if v := strings.TrimSpace(delta.ConversationStyle); v != "" {
		profile.ConversationStyle = v
	}
	profile.Interests = unionStrings(profile.Interests, delta.Interests)
	profile.Preferences = unionStrings(profile.Preferences, delta.Preferences)
	profile.LastUpdated = time.Now()

	return profile
}

// IncrementConversationCount bumps the per-user conversation counter,
// creating the profile if needed.
func (s *ProfileStore) IncrementConversationCount(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	profile, ok := s.profiles[userID]
	if !ok {
		profile = &UserProfile{UserID: userID}
		s.profiles[userID] = profile
	}
	profile.ConversationCount++
	profile.LastUpdated = time.Now()
}

// Delete removes the user's profile. Deletion is always explicit.
func (s *ProfileStore) Delete(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, userID)
}

// Size returns the number of stored profiles.
func (s *ProfileStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.profiles)
}

// RenderContext renders a short natural-language paragraph summarizing
// the profile for inclusion in a retrieval result. Returns "" when no
// profile exists or the profile holds no facts.
func (s *ProfileStore) RenderContext(userID string) string {
	profile := s.Get(userID)
	if profile == nil {
		return ""
	}

	var parts []string
	if profile.Name != "" {
		parts = append(parts, fmt.Sprintf("The user's name is %s.", profile.Name))
	}
	if profile.Role != "" {
		parts = append(parts, fmt.Sprintf("They work as a %s.", profile.Role))
	}
	if profile.Background != "" {
		parts = append(parts, fmt.Sprintf("Background: %s.", profile.Background))
	}
	if len(profile.Interests) > 0 {
		parts = append(parts, fmt.Sprintf("Interests: %s.", strings.Join(profile.Interests, ", ")))
	}
	if len(profile.Preferences) > 0 {
		parts = append(parts, fmt.Sprintf("Preferences: %s.", strings.Join(profile.Preferences, ", ")))
	}
	if profile.ConversationStyle != "" {
		parts = append(parts, fmt.Sprintf("Preferred conversation style: %s.", profile.ConversationStyle))
	}
	if len(parts) == 0 {
		return ""
	}

	return strings.Join(parts, " ")
}

// unionStrings merges additions into base, preserving base order,
// dropping duplicates and blanks, and sorting the appended tail for a
// stable result.
func unionStrings(base, additions []string) []string {
	if len(additions) == 0 {
		return base
	}

	seen := make(map[string]bool, len(base))
	for _, v := range base {
		seen[strings.ToLower(v)] = true
	}

	var added []string
	for _, v := range additions {
		v = strings.TrimSpace(v)
		if v == "" || seen[strings.ToLower(v)] {
			continue
		}
		seen[strings.ToLower(v)] = true
		added = append(added, v)
	}
	sort.Strings(added)

	return append(base, added...)
}
