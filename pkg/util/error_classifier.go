package util

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
)

// ClassifySourceError 判断访问邮箱 / 外部服务时的错误是否可重试
// Returns: (isRetryable, errorType)
func ClassifySourceError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	if errors.Is(err, context.Canceled) {
		return false, "context_canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}

	// 认证失败：不可重试，需要用户重新授权
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"authenticationfailed", "authentication failed", "invalid credentials", "authorizationfailed", "login failed"} {
		if strings.Contains(msg, marker) {
			return false, "auth_failed"
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true, "connection_closed"
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return false, "decode_error"
	}

	// 服务端临时不可用
	for _, marker := range []string{"[unavailable]", "try again", "temporarily", "connection reset", "broken pipe"} {
		if strings.Contains(msg, marker) {
			return true, "server_unavailable"
		}
	}

	return false, "unknown_error"
}
