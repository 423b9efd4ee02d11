package collector

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"

	"github.com/FlowingSPDG/stream-monitor/twitchapi"
)

// ErrorClass tells whether a poll failure is likely to clear up on its own.
type ErrorClass int

const (
	// ErrorClassRetryable covers network trouble, timeouts, 5xx and rate limiting.
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal covers bad credentials, unknown channels and rejected requests.
	// The poller keeps polling but logs these loudly since they need an operator.
	ErrorClassFatal
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	if ec == ErrorClassFatal {
		return "fatal"
	}
	return "retryable"
}

// Classify inspects platform API errors first and falls back to message
// patterns. Unknown errors are retryable.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassRetryable
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorClassRetryable
	}
	if errors.Is(err, twitchapi.ErrUserNotFound) {
		return ErrorClassFatal
	}

	var helixErr *twitchapi.APIError
	if errors.As(err, &helixErr) {
		return classifyStatus(helixErr.Status)
	}
	var googleErr *googleapi.Error
	if errors.As(err, &googleErr) {
		// YouTube reports an exhausted quota as 403.
		for _, item := range googleErr.Errors {
			if item.Reason == "quotaExceeded" || item.Reason == "rateLimitExceeded" {
				return ErrorClassRetryable
			}
		}
		return classifyStatus(googleErr.Code)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassRetryable
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range []string{"invalid client", "invalid_client", "unauthorized", "not found"} {
		if strings.Contains(lower, pattern) {
			return ErrorClassFatal
		}
	}
	return ErrorClassRetryable
}

func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return ErrorClassRetryable
	case status >= 400:
		return ErrorClassFatal
	default:
		return ErrorClassRetryable
	}
}
