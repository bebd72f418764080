package memory

import (
	"github.com/MrWong99/voxstream/pkg/types"
)

// charsPerToken is the heuristic ratio used for token estimation.
// English text averages roughly 4 characters per token across common
// LLM tokenizers. This avoids pulling in a tokenizer dependency.
const charsPerToken = 4

// EstimateTokens returns a rough token count for a single message using the
// 1-token-per-4-characters heuristic.
func EstimateTokens(m types.Message) int {
	chars := len(m.Content) + len(m.Role)
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}

// Window returns the newest suffix of msgs whose estimated size fits within
// maxTokens. A non-positive budget returns msgs unchanged. The result never
// starts with an assistant message, so the model always sees the user side
// of the first exchange it is given.
func Window(msgs []types.Message, maxTokens int) []types.Message {
	if maxTokens <= 0 {
		return msgs
	}
	used := 0
	start := len(msgs)
	for start > 0 {
		t := EstimateTokens(msgs[start-1])
		if used+t > maxTokens {
			break
		}
		used += t
		start--
	}
	for start < len(msgs) && msgs[start].Role == types.RoleAssistant {
		start++
	}
	return msgs[start:]
}
