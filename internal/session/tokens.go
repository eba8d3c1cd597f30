package session

import (
	"sync"

	"github.com/cloudwego/eino/schema"
	"github.com/weaviate/tiktoken-go"
)

// estimateEncoding is close enough across modern models for a threshold
// check; exact counts come from provider usage reports.
const estimateEncoding = "cl100k_base"

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

// estimateTokens approximates the token footprint of text. Falls back to
// a bytes/4 heuristic when the tokenizer cannot load.
func estimateTokens(text string) int {
	encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(estimateEncoding)
		if err == nil {
			encoder = enc
		}
	})
	if encoder == nil {
		return len(text) / 4
	}
	return len(encoder.Encode(text, nil, nil))
}

// estimateMessages approximates the request footprint of a conversation,
// counting message content and tool call arguments.
func estimateMessages(messages []*schema.Message) int {
	total := 0
	for _, msg := range messages {
		total += estimateTokens(msg.Content)
		for _, call := range msg.ToolCalls {
			total += estimateTokens(call.Function.Arguments)
		}
	}
	return total
}
