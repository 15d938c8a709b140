// Package imap implements source.Adapter for IMAP mailboxes.
package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"

	"newsdigest/internal/model"
	"newsdigest/internal/source"
	"newsdigest/pkg/logger"
	"newsdigest/pkg/util"
)

// Config 一个 IMAP 账户
type Config struct {
	Account  string
	Host     string
	Port     int
	Username string
	Password string
	TLS      bool // true: 993 隐式 TLS；false: STARTTLS
	Mailbox  string
}

// Adapter 每次调用建立新连接，调用结束后 Logout
type Adapter struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Adapter {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.Port == 0 {
		cfg.Port = 993
		if !cfg.TLS {
			cfg.Port = 143
		}
	}
	if cfg.Account == "" {
		cfg.Account = cfg.Username
	}
	return &Adapter{cfg: cfg, logger: logger.With(zap.String("account", cfg.Account))}
}

func (a *Adapter) Account() string { return a.cfg.Account }

// dialTimeout ctx 没有 deadline 时建立连接的上限
const dialTimeout = 30 * time.Second

// dial 建立连接并完成 TLS 握手；ctx 取消时关闭连接，握手和问候语都不会一直阻塞
func (a *Adapter) dial(ctx context.Context, addr string) (*imapclient.Client, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	tlsConfig := &tls.Config{ServerName: a.cfg.Host}

	if a.cfg.TLS {
		conn, err := (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return imapclient.New(conn, nil), nil
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	client, err := imapclient.NewStartTLS(conn, &imapclient.Options{TLSConfig: tlsConfig})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return client, nil
}

func (a *Adapter) connect(ctx context.Context) (*imapclient.Client, error) {
	addr := net.JoinHostPort(a.cfg.Host, strconv.Itoa(a.cfg.Port))

	client, err := a.dial(ctx, addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, source.Unavailable(a.cfg.Account, fmt.Errorf("connecting to %s: %w", addr, err))
	}

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()
	if err := client.Login(a.cfg.Username, a.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// 网络中断导致的登录失败可以重试，其它情况视为凭证失效
		if retryable, _ := util.ClassifySourceError(err); retryable {
			return nil, source.Unavailable(a.cfg.Account, fmt.Errorf("login: %w", err))
		}
		return nil, &source.AuthExpiredError{Account: a.cfg.Account, Err: err}
	}
	return client, nil
}

// session 连接、登录、选择邮箱；ctx 取消时强制关闭连接以中断阻塞的命令
func (a *Adapter) session(ctx context.Context, fn func(c *imapclient.Client, sel *imap.SelectData) error) error {
	client, err := a.connect(ctx)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer func() {
		if stop() {
			_ = client.Logout().Wait()
		}
	}()

	sel, err := client.Select(a.cfg.Mailbox, nil).Wait()
	if err != nil {
		return a.wrap(ctx, fmt.Errorf("selecting %s: %w", a.cfg.Mailbox, err))
	}
	if err := fn(client, sel); err != nil {
		return a.wrap(ctx, err)
	}
	return nil
}

func (a *Adapter) wrap(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	_, kind := util.ClassifySourceError(err)
	a.logger.Debug("imap command failed", zap.String("kind", kind), zap.Error(err))
	return source.Unavailable(a.cfg.Account, err)
}

// FetchUnread 搜索 UNSEEN，按 UID 升序取前 limit 封，BODY.PEEK 不改变已读状态
func (a *Adapter) FetchUnread(ctx context.Context, limit int) ([]model.SourceItem, error) {
	var items []model.SourceItem
	err := a.session(ctx, func(c *imapclient.Client, sel *imap.SelectData) error {
		search, err := c.UIDSearch(&imap.SearchCriteria{
			NotFlag: []imap.Flag{imap.FlagSeen},
		}, nil).Wait()
		if err != nil {
			return fmt.Errorf("searching unseen: %w", err)
		}

		uids := search.AllUIDs()
		if len(uids) == 0 {
			return nil
		}
		sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
		if limit > 0 && len(uids) > limit {
			uids = uids[:limit]
		}

		section := &imap.FetchItemBodySection{Peek: true}
		fetch := c.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
			Envelope:    true,
			Flags:       true,
			UID:         true,
			BodySection: []*imap.FetchItemBodySection{section},
		})
		defer fetch.Close()

		for {
			msg := fetch.Next()
			if msg == nil {
				break
			}
			buf, err := msg.Collect()
			if err != nil {
				a.logger.Warn("skipping unreadable message", zap.Error(err))
				continue
			}
			items = append(items, a.toItem(sel.UIDValidity, buf, buf.FindBodySection(section)))
		}
		if err := fetch.Close(); err != nil {
			return fmt.Errorf("fetching messages: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.WithTrace(ctx, a.logger).Debug("fetched unread messages", zap.Int("count", len(items)))
	return items, nil
}

// MarkProcessed STORE +FLAGS.SILENT (\Seen)。UIDVALIDITY 变化后的旧 id 被忽略。
func (a *Adapter) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return a.session(ctx, func(c *imapclient.Client, sel *imap.SelectData) error {
		uids := make([]imap.UID, 0, len(ids))
		for _, id := range ids {
			validity, uid, err := ParseItemID(id)
			if err != nil {
				a.logger.Warn("ignoring malformed item id", zap.String("id", id), zap.Error(err))
				continue
			}
			if validity != sel.UIDValidity {
				a.logger.Warn("ignoring item from previous UIDVALIDITY",
					zap.String("id", id),
					zap.Uint32("uid_validity", sel.UIDValidity),
				)
				continue
			}
			uids = append(uids, uid)
		}
		if len(uids) == 0 {
			return nil
		}

		return c.Store(imap.UIDSetNum(uids...), &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  []imap.Flag{imap.FlagSeen},
		}, nil).Close()
	})
}

func (a *Adapter) toItem(validity uint32, buf *imapclient.FetchMessageBuffer, raw []byte) model.SourceItem {
	item := model.SourceItem{
		ID:      FormatItemID(validity, buf.UID),
		Account: a.cfg.Account,
	}
	if env := buf.Envelope; env != nil {
		item.Subject = env.Subject
		item.ReceivedAt = env.Date
		if len(env.From) > 0 {
			item.Sender = strings.ToLower(env.From[0].Addr())
			item.SenderName = env.From[0].Name
		}
	}
	for _, flag := range buf.Flags {
		if flag == imap.FlagSeen {
			item.Read = true
		}
	}
	if raw != nil {
		parsed := parseMessage(raw)
		item.Body = parsed.Body
		item.Headers = parsed.Headers
		if item.ReceivedAt.IsZero() {
			item.ReceivedAt = parsed.Date
		}
	}
	if item.ReceivedAt.IsZero() {
		item.ReceivedAt = time.Now().UTC()
	}
	return item
}

// FormatItemID 组合 UIDVALIDITY 和 UID，保证 id 在邮箱重建后不会指向别的邮件
func FormatItemID(validity uint32, uid imap.UID) string {
	return fmt.Sprintf("%d:%d", validity, uid)
}

// ParseItemID 是 FormatItemID 的逆操作
func ParseItemID(id string) (uint32, imap.UID, error) {
	v, u, ok := strings.Cut(id, ":")
	if !ok {
		return 0, 0, fmt.Errorf("item id %q: missing separator", id)
	}
	validity, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("item id %q: %w", id, err)
	}
	uid, err := strconv.ParseUint(u, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("item id %q: %w", id, err)
	}
	return uint32(validity), imap.UID(uid), nil
}
