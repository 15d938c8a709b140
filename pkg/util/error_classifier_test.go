package util

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifySourceError(t *testing.T) {
	var syntaxErr error = &json.SyntaxError{}

	cases := []struct {
		name      string
		err       error
		retryable bool
		kind      string
	}{
		{"nil", nil, false, ""},
		{"canceled", fmt.Errorf("fetch: %w", context.Canceled), false, "context_canceled"},
		{"deadline", context.DeadlineExceeded, true, "timeout"},
		{"auth", errors.New("NO [AUTHENTICATIONFAILED] Invalid credentials (Failure)"), false, "auth_failed"},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, true, "network_timeout"},
		{"eof", fmt.Errorf("read greeting: %w", io.EOF), true, "connection_closed"},
		{"json", syntaxErr, false, "decode_error"},
		{"unavailable", errors.New("NO [UNAVAILABLE] server busy"), true, "server_unavailable"},
		{"unknown", errors.New("something odd"), false, "unknown_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			retryable, kind := ClassifySourceError(tc.err)
			assert.Equal(t, tc.retryable, retryable)
			assert.Equal(t, tc.kind, kind)
		})
	}
}
