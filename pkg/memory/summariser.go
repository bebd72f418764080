package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/voxstream/pkg/provider/llm"
	"github.com/MrWong99/voxstream/pkg/types"
)

// summarisationPrompt is the system prompt sent to the LLM when summarising a
// user's history.
const summarisationPrompt = `Summarise the following conversation between a user and a voice assistant.
Preserve: the topics discussed, questions asked, answers given, and anything the
user asked the assistant to remember. Reply in the language of the conversation.
Be concise.`

// Summariser produces a concise summary of conversation history.
type Summariser interface {
	// Summarise condenses turns into a short text. Empty input yields an
	// empty summary.
	Summarise(ctx context.Context, turns []types.Turn) (string, error)
}

// LLMSummariser uses an LLM provider to summarise conversations.
type LLMSummariser struct {
	llm   llm.Provider
	model string
}

var _ Summariser = (*LLMSummariser)(nil)

// NewLLMSummariser creates an [LLMSummariser] backed by provider. model, when
// non-empty, overrides the provider's default model.
func NewLLMSummariser(provider llm.Provider, model string) *LLMSummariser {
	return &LLMSummariser{llm: provider, model: model}
}

// Summarise formats turns into a transcript, sends it to the LLM with a
// summarisation prompt and returns the reply.
func (s *LLMSummariser) Summarise(ctx context.Context, turns []types.Turn) (string, error) {
	if len(turns) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&sb, "[%s]: %s\n", t.Role, t.Content)
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarisationPrompt,
		Model:        s.model,
		Messages: []types.Message{
			{Role: types.RoleUser, Content: sb.String()},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("summarise: %w", err)
	}

	return strings.TrimSpace(resp.Content), nil
}
