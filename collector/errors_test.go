package collector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"google.golang.org/api/googleapi"

	"github.com/FlowingSPDG/stream-monitor/twitchapi"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"deadline", fmt.Errorf("poll: %w", context.DeadlineExceeded), ErrorClassRetryable},
		{"helix 500", &twitchapi.APIError{Status: 503}, ErrorClassRetryable},
		{"helix 429", fmt.Errorf("wrapped: %w", &twitchapi.APIError{Status: 429}), ErrorClassRetryable},
		{"helix 400", &twitchapi.APIError{Status: 400, Body: "malformed query"}, ErrorClassFatal},
		{"helix 401", &twitchapi.APIError{Status: 401}, ErrorClassFatal},
		{"unknown user", fmt.Errorf("resolve: %w", twitchapi.ErrUserNotFound), ErrorClassFatal},
		{"youtube quota", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "quotaExceeded"}}}, ErrorClassRetryable},
		{"youtube forbidden", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "forbidden"}}}, ErrorClassFatal},
		{"youtube 404", &googleapi.Error{Code: 404}, ErrorClassFatal},
		{"net error", &net.DNSError{Err: "no such host", Name: "api.twitch.tv"}, ErrorClassRetryable},
		{"token rejected", errors.New("token: status 400: invalid client secret"), ErrorClassFatal},
		{"unknown", errors.New("something odd"), ErrorClassRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}
