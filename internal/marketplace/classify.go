package marketplace

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/marketsync/marketsync/internal/core"
	"github.com/marketsync/marketsync/internal/core/engine"
)

// DefaultRetryAfter is used for 429 responses without a usable header.
const DefaultRetryAfter = 2 * time.Second

var wafMarkers = []string{"just a moment", "checking your browser", "cf-ray"}

func looksLikeJSON(contentType, body string) bool {
	if strings.Contains(strings.ToLower(contentType), "application/json") {
		return true
	}
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return false
	}
	return (strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")) ||
		(strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"))
}

// isBotBlock reports whether a 403 came from the WAF rather than the API.
func isBotBlock(path string, header http.Header, body string) bool {
	lower := strings.ToLower(body)
	if strings.Contains(lower, "cloudflare") && strings.Contains(lower, "attention required") {
		return true
	}
	for _, marker := range wafMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	if strings.Contains(lower, "ddos") && strings.Contains(lower, "protection") {
		return true
	}
	if header.Get("Cf-Ray") != "" {
		return true
	}
	if strings.Contains(path, "/ws/") || strings.Contains(path, "/api/") {
		return !looksLikeJSON(header.Get("Content-Type"), body)
	}
	return false
}

// parseRetryAfter accepts delta-seconds or an HTTP date. ok is false when the
// header is missing or unusable.
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds * float64(time.Second)), true
	}
	when, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	delay := when.Sub(now)
	if delay < 0 {
		delay = 0
	}
	return delay, true
}

// classifyStatus maps a non-2xx response to an Error and a tracker outcome.
func classifyStatus(call Call, status int, header http.Header, body string) (*Error, core.Outcome) {
	tag := call.EndpointTag
	var err *Error
	outcome := core.OutcomeClientError

	switch {
	case status == http.StatusTooManyRequests:
		err = newError(KindRateLimit, status, tag, "rate limited")
		outcome = core.OutcomeRateLimit
	case status == http.StatusUnauthorized:
		err = newError(KindAuth, status, tag, "unauthorized")
	case status == http.StatusForbidden:
		if isBotBlock(call.Path, header, body) {
			err = newError(KindBotBlock, status, tag, "blocked by bot protection")
			outcome = core.OutcomeWAF
		} else {
			err = newError(KindForbidden, status, tag, "forbidden")
		}
	case status == http.StatusNotFound:
		err = newError(KindNotFound, status, tag, "not found")
		err.retryable = call.Allow404Retry
	case status == http.StatusBadRequest:
		err = newError(KindBadRequest, status, tag, "bad request")
	case status >= 500:
		err = newError(KindServer, status, tag, "server error")
		outcome = core.OutcomeServerError
	default:
		err = newError(KindProtocol, status, tag, "unexpected status")
	}

	if err.Kind == KindProtocol {
		// 408, 409, 423 and 425 have no dedicated kind; they surface as
		// generic errors unless the call opts in.
		err.retryable = slices.Contains(call.RetryStatuses, status)
	} else if engine.IsRetryable(status, call.RetryStatuses...) {
		err.retryable = true
	}
	err.Body = excerpt(body)
	return err, outcome
}

// countsAsBreakerFailure is true for 5xx and any 403.
func countsAsBreakerFailure(err *Error) bool {
	if err == nil {
		return false
	}
	switch err.Kind {
	case KindServer, KindForbidden, KindBotBlock:
		return true
	}
	return false
}
