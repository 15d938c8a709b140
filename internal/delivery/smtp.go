package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"

	"newsdigest/internal/model"
)

// SMTP 连接安全模式
const (
	SecurityStartTLS = "starttls"
	SecurityTLS      = "tls"
	SecurityNone     = "none"
)

type SMTPConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	From     string        `yaml:"from"`
	To       []string      `yaml:"to"`
	Security string        `yaml:"security"`
	Timeout  time.Duration `yaml:"timeout"`
}

func (c SMTPConfig) Validate() error {
	if c.Host == "" || c.Port == 0 {
		return fmt.Errorf("smtp host and port are required")
	}
	if c.From == "" || len(c.To) == 0 {
		return fmt.Errorf("smtp from and to are required")
	}
	switch c.Security {
	case "", SecurityStartTLS, SecurityTLS, SecurityNone:
		return nil
	default:
		return fmt.Errorf("unknown smtp security %q", c.Security)
	}
}

// SMTPDeliverer 以 text/plain 邮件发送摘要
type SMTPDeliverer struct {
	cfg SMTPConfig
	loc *time.Location
}

func NewSMTP(cfg SMTPConfig, loc *time.Location) *SMTPDeliverer {
	if cfg.Security == "" {
		cfg.Security = SecurityStartTLS
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPDeliverer{cfg: cfg, loc: loc}
}

func (s *SMTPDeliverer) Deliver(ctx context.Context, digest model.Digest) error {
	msg, err := composeMessage(s.cfg.From, s.cfg.To, digest, s.loc)
	if err != nil {
		return fmt.Errorf("compose digest mail: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	client, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	// smtp.Client 不支持 ctx，超时或取消时关闭底层连接
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	if err := s.send(client, msg); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("smtp send: %w", ctx.Err())
		}
		return err
	}
	return nil
}

func (s *SMTPDeliverer) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	tlsConfig := &tls.Config{ServerName: s.cfg.Host}

	var (
		conn net.Conn
		err  error
	)
	if s.cfg.Security == SecurityTLS {
		d := tls.Dialer{Config: tlsConfig}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create smtp client: %w", err)
	}

	if s.cfg.Security == SecurityStartTLS {
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, fmt.Errorf("smtp auth: %w", err)
		}
	}
	return client, nil
}

func (s *SMTPDeliverer) send(client *smtp.Client, msg []byte) error {
	if err := client.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range s.cfg.To {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	return client.Quit()
}

func composeMessage(from string, to []string, digest model.Digest, loc *time.Location) ([]byte, error) {
	var h mail.Header
	h.SetDate(digest.GeneratedAt)
	h.SetSubject(Subject(digest, loc))
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	rcpts := make([]*mail.Address, 0, len(to))
	for _, addr := range to {
		rcpts = append(rcpts, &mail.Address{Address: addr})
	}
	h.SetAddressList("To", rcpts)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("X-Run-ID", digest.RunID)
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte(Render(digest, loc))); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
