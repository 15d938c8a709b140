// Package source defines the contract for collecting unread items from a
// mail account and the decorators that wrap every concrete adapter.
package source

import (
	"context"
	"errors"
	"fmt"

	"newsdigest/internal/model"
)

// Adapter 一个邮箱账户。FetchUnread 和 MarkProcessed 都可以安全重试。
type Adapter interface {
	// Account 返回账户标识，在所有 adapter 中唯一
	Account() string
	// FetchUnread 返回最多 limit 封未读邮件
	FetchUnread(ctx context.Context, limit int) ([]model.SourceItem, error)
	// MarkProcessed 标记邮件已处理，重复调用无副作用
	MarkProcessed(ctx context.Context, ids []string) error
}

// ErrSourceUnavailable 临时不可用，可以重试
var ErrSourceUnavailable = errors.New("source unavailable")

// AuthExpiredError 凭证失效，需要用户重新授权，不可重试
type AuthExpiredError struct {
	Account string
	Err     error
}

func (e *AuthExpiredError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("authentication expired for %s", e.Account)
	}
	return fmt.Sprintf("authentication expired for %s: %v", e.Account, e.Err)
}

func (e *AuthExpiredError) Unwrap() error { return e.Err }

// IsAuthExpired reports whether err is or wraps an *AuthExpiredError.
func IsAuthExpired(err error) bool {
	var authErr *AuthExpiredError
	return errors.As(err, &authErr)
}

// Unavailable 包装底层错误为 ErrSourceUnavailable
func Unavailable(account string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, account, err)
}

// ErrorKind 返回用于运行记录和指标的错误类别
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsAuthExpired(err):
		return "auth_expired"
	case errors.Is(err, ErrSourceUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "failed"
	}
}
