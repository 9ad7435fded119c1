package extractor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astrayn/engram/plugin/ai"
	"github.com/astrayn/engram/store"
)

type stubLLM struct {
	mu       sync.Mutex
	response string
	err      error
	prompts  []string
}

func (s *stubLLM) Complete(_ context.Context, messages []ai.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, messages[len(messages)-1].Content)
	return s.response, s.err
}

func (s *stubLLM) lastPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.prompts) == 0 {
		return ""
	}
	return s.prompts[len(s.prompts)-1]
}

func sessionWithTurns(userID string, prompts ...string) *store.ChatSession {
	session := &store.ChatSession{UserID: userID, ChatID: "c1"}
	for i, prompt := range prompts {
		session.Turns = append(session.Turns, &store.ConversationTurn{
			TurnID:     fmt.Sprintf("t%d", i),
			UserID:     userID,
			ChatID:     "c1",
			UserPrompt: prompt,
			AIResponse: "noted",
		})
	}
	return session
}

func TestShouldExtract(t *testing.T) {
	extractor := New(Config{TurnInterval: 3}, &stubLLM{}, store.NewProfileStore(), nil)

	assert.False(t, extractor.ShouldExtract(0))
	assert.False(t, extractor.ShouldExtract(1))
	assert.False(t, extractor.ShouldExtract(2))
	assert.True(t, extractor.ShouldExtract(3))
	assert.False(t, extractor.ShouldExtract(4))
	assert.True(t, extractor.ShouldExtract(6))
}

// Facts stated in the first turn are still extracted when the pass
// runs turns later, because the whole transcript goes into the prompt.
func TestExtract_ReadsFullHistory(t *testing.T) {
	llm := &stubLLM{response: `{"name": "Alex", "role": "designer"}`}
	profiles := store.NewProfileStore()
	extractor := New(DefaultConfig(), llm, profiles, nil)

	session := sessionWithTurns("u1",
		"hi, I'm Alex and I work as a designer",
		"what's a good grid system?",
		"and for mobile?",
	)
	extractor.Extract(context.Background(), session)

	assert.Contains(t, llm.lastPrompt(), "I'm Alex")

	profile := profiles.Get("u1")
	require.NotNil(t, profile)
	assert.Equal(t, "Alex", profile.Name)
	assert.Equal(t, "designer", profile.Role)
}

func TestExtract_MergesIntoExistingProfile(t *testing.T) {
	llm := &stubLLM{response: `{"interests": ["typography"]}`}
	profiles := store.NewProfileStore()
	profiles.Upsert("u1", &store.ProfileDelta{Name: "Alex", Interests: []string{"hiking"}})
	extractor := New(DefaultConfig(), llm, profiles, nil)

	extractor.Extract(context.Background(), sessionWithTurns("u1", "I love typography", "ok", "bye"))

	profile := profiles.Get("u1")
	require.NotNil(t, profile)
	assert.Equal(t, "Alex", profile.Name)
	assert.ElementsMatch(t, []string{"hiking", "typography"}, profile.Interests)
}

func TestExtract_ToleratesCodeFences(t *testing.T) {
	llm := &stubLLM{response: "```json\n{\"name\": \"Alex\"}\n```"}
	profiles := store.NewProfileStore()
	extractor := New(DefaultConfig(), llm, profiles, nil)

	extractor.Extract(context.Background(), sessionWithTurns("u1", "I'm Alex"))

	profile := profiles.Get("u1")
	require.NotNil(t, profile)
	assert.Equal(t, "Alex", profile.Name)
}

func TestExtract_FailuresLeaveProfileUntouched(t *testing.T) {
	tests := []struct {
		name string
		llm  *stubLLM
	}{
		{name: "completion error", llm: &stubLLM{err: fmt.Errorf("model overloaded")}},
		{name: "non-JSON output", llm: &stubLLM{response: "I could not find any facts."}},
		{name: "empty object", llm: &stubLLM{response: "{}"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			profiles := store.NewProfileStore()
			extractor := New(DefaultConfig(), tt.llm, profiles, nil)

			extractor.Extract(context.Background(), sessionWithTurns("u1", "hello there"))

			assert.Nil(t, profiles.Get("u1"))
		})
	}
}

func TestExtract_NilSessionAndNilLLMAreNoOps(t *testing.T) {
	profiles := store.NewProfileStore()

	New(DefaultConfig(), nil, profiles, nil).Extract(context.Background(), sessionWithTurns("u1", "hi"))
	New(DefaultConfig(), &stubLLM{}, profiles, nil).Extract(context.Background(), nil)

	assert.Nil(t, profiles.Get("u1"))
}

func TestRenderTranscript_KeepsHeadWhenCapped(t *testing.T) {
	session := sessionWithTurns("u1", "first", "second", "third", "fourth")

	transcript := renderTranscript(session.Turns, 2)
	assert.Contains(t, transcript, "first")
	assert.Contains(t, transcript, "second")
	assert.NotContains(t, transcript, "third")
	assert.Equal(t, 2, strings.Count(transcript, "User: "))
}
