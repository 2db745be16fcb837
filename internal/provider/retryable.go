package provider

import (
	"context"
	"errors"
	"strings"
)

// ErrPartialReply wraps a stream failure that happened after text was
// already delivered. Such turns are not retried.
var ErrPartialReply = errors.New("reply interrupted mid-stream")

// Retryable reports whether a provider error is worth another attempt:
// rate limits, overloads, 5xx responses and transient network failures.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrPartialReply) {
		return false
	}
	msg := strings.ToLower(err.Error())

	// Rate limit (429)
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit") {
		return true
	}
	// Anthropic overloaded (529)
	if strings.Contains(msg, "529") || strings.Contains(msg, "overloaded") {
		return true
	}
	// Server errors
	for _, code := range []string{"500", "502", "503", "504"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	// Network errors
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "eof") ||
		strings.Contains(msg, "temporary failure")
}
