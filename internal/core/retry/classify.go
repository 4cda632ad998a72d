package retry

import (
	"errors"
	"net/http"
	"strings"

	"github.com/vietddude/catalogsync/internal/core/domain"
)

// rateLimitPhrases are matched against untyped error text.
var rateLimitPhrases = []string{
	"rate limit",
	"ratelimit",
	"throttl",
	"too many requests",
}

// IsRateLimited reports whether err signals a rate limit.
//
// Typed faults decide by kind and status. Errors that never crossed a typed
// boundary fall back to matching the message text.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}

	var fault *domain.Fault
	if errors.As(err, &fault) {
		return fault.Kind == domain.KindRateLimited || fault.Status == http.StatusTooManyRequests
	}

	s := strings.ToLower(err.Error())
	if strings.Contains(s, "429") {
		return true
	}
	for _, phrase := range rateLimitPhrases {
		if strings.Contains(s, phrase) {
			return true
		}
	}
	return false
}
