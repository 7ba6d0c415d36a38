package agent

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

// tokenizerForModel returns a codec suitable for an OpenAI-style model id.
func tokenizerForModel(model string) (tokenizer.Codec, error) {
	sanitized := strings.ToLower(strings.TrimSpace(model))
	switch {
	case sanitized == "":
		return tokenizer.Get(tokenizer.Cl100kBase)
	case strings.HasPrefix(sanitized, "gpt-5"):
		return tokenizer.ForModel(tokenizer.GPT5)
	case strings.HasPrefix(sanitized, "gpt-4.1"):
		return tokenizer.ForModel(tokenizer.GPT41)
	case strings.HasPrefix(sanitized, "gpt-4o"):
		return tokenizer.ForModel(tokenizer.GPT4o)
	case strings.HasPrefix(sanitized, "gpt-4"):
		return tokenizer.ForModel(tokenizer.GPT4)
	case strings.HasPrefix(sanitized, "o1"):
		return tokenizer.ForModel(tokenizer.O1)
	case strings.HasPrefix(sanitized, "o3"):
		return tokenizer.ForModel(tokenizer.O3)
	default:
		return tokenizer.Get(tokenizer.O200kBase)
	}
}

// countPromptTokens approximates prompt tokens for a chat completions payload
// by joining every message role and content before encoding.
func countPromptTokens(model string, payload []byte) int {
	enc, err := tokenizerForModel(model)
	if err != nil || enc == nil {
		return 0
	}
	segments := make([]string, 0, 8)
	gjson.GetBytes(payload, "messages").ForEach(func(_, message gjson.Result) bool {
		if role := message.Get("role").String(); role != "" {
			segments = append(segments, role)
		}
		if content := message.Get("content").String(); content != "" {
			segments = append(segments, content)
		}
		return true
	})
	joined := strings.TrimSpace(strings.Join(segments, "\n"))
	if joined == "" {
		return 0
	}
	count, err := enc.Count(joined)
	if err != nil {
		return 0
	}
	return count
}
