package types

// TokenUsage represents token consumption statistics for one generation.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// Add adds another TokenUsage to this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Tokenizer counts tokens in prompt text.
//
// Two implementations exist: EstimateTokenizer (here, no dependencies) and the
// tiktoken-backed counter in llm. The orchestrator only depends on this interface.
type Tokenizer interface {
	CountTokens(text string) int
}

// EstimateTokenizer provides a simple character-based token estimation.
type EstimateTokenizer struct {
	charsPerToken float64
	cjkPerToken   float64
}

// NewEstimateTokenizer creates a new EstimateTokenizer.
func NewEstimateTokenizer() *EstimateTokenizer {
	return &EstimateTokenizer{
		charsPerToken: 4.0,
		cjkPerToken:   1.5,
	}
}

// CountTokens counts tokens in text.
func (t *EstimateTokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	var cjkCount, otherCount int
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FA5 {
			cjkCount++
		} else {
			otherCount++
		}
	}
	tokens := float64(cjkCount)/t.cjkPerToken + float64(otherCount)/t.charsPerToken
	if tokens < 1 {
		return 1
	}
	return int(tokens)
}

// Usage estimates the usage of a prompt/completion pair.
func (t *EstimateTokenizer) Usage(prompt, completion string) TokenUsage {
	p, c := t.CountTokens(prompt), t.CountTokens(completion)
	return TokenUsage{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c}
}
