package gemini

import (
	"fmt"
	"strings"
)

// BlockedContentError is a generation refused by the service's policy filters.
type BlockedContentError struct {
	Reason  string
	Message string
}

func (e *BlockedContentError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("content blocked (%s): %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("content blocked (%s)", e.Reason)
}

// ServiceError is any other summarization failure: transport, quota,
// invalid model, empty output.
type ServiceError struct {
	Message string
	// TokenLimit is set when the failure looks like an output or input
	// size limit.
	TokenLimit bool
	Err        error
}

func (e *ServiceError) Error() string {
	return "summarization failed: " + e.Message
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Hint is a user-facing suggestion for token-limit failures.
func (e *ServiceError) Hint() string {
	if !e.TokenLimit {
		return ""
	}
	return "The request hit the model's token limit. Try a model with a larger context window, or retrieve fewer records."
}

var tokenLimitPhrases = []string{
	"max_tokens",
	"max tokens",
	"token limit",
	"maximum number of tokens",
	"exceeds the maximum",
	"context length",
	"too many tokens",
	"input token count",
}

// looksLikeTokenLimit matches the wording providers use for size limits.
func looksLikeTokenLimit(message string) bool {
	lower := strings.ToLower(message)
	for _, phrase := range tokenLimitPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return strings.Contains(lower, "token") && (strings.Contains(lower, "limit") || strings.Contains(lower, "exceed"))
}
