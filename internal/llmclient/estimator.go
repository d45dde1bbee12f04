package llmclient

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/xkilldash9x/pagepilot/api/schemas"
)

// imageTokens approximates the prompt cost of one screenshot.
const imageTokens = 1000

// loadEncoding may fetch BPE ranks over the network on first use.
var loadEncoding = func() (func(string) int, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, err
	}
	return func(s string) int { return len(enc.Encode(s, nil, nil)) }, nil
}

// TokenEstimator fills in usage for providers that omit token counts. When
// the encoding cannot be loaded it falls back to four characters per token.
type TokenEstimator struct {
	once  sync.Once
	count func(string) int
}

func (e *TokenEstimator) init() {
	e.once.Do(func() {
		count, err := loadEncoding()
		if err != nil {
			count = func(s string) int { return (utf8.RuneCountInString(s) + 3) / 4 }
		}
		e.count = count
	})
}

// Count estimates the tokens of a text.
func (e *TokenEstimator) Count(text string) int {
	e.init()
	return e.count(text)
}

// Messages estimates the prompt size of a conversation.
func (e *TokenEstimator) Messages(messages []schemas.Message) int {
	e.init()
	total := 3
	for _, m := range messages {
		total += 4
		for _, p := range m.Parts {
			if p.Kind == schemas.PartImage {
				total += imageTokens
				continue
			}
			if text, ok := partText(p); ok {
				total += e.count(text)
			}
		}
	}
	return total
}

// fill estimates whatever the provider left at zero.
func (e *TokenEstimator) fill(resp *schemas.ModelResponse, messages []schemas.Message) {
	if resp.Usage.PromptTokens == 0 {
		resp.Usage.PromptTokens = e.Messages(messages)
	}
	if resp.Usage.CompletionTokens == 0 {
		resp.Usage.CompletionTokens = e.Count(resp.Content) + e.Count(resp.Thinking)
	}
	if resp.Usage.TotalTokens == 0 {
		resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}
}
