package delivery

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"newsdigest/internal/model"
)

func sampleDigest() model.Digest {
	return model.Digest{
		RunID:       "run-1",
		GeneratedAt: time.Date(2026, 5, 4, 6, 0, 0, 0, time.UTC),
		ItemCount:   3,
		Partial:     true,
		Entries: []model.DigestEntry{
			{
				Category:  model.CategoryTech,
				ItemCount: 2,
				Lines: []model.DigestLine{
					{ItemID: "1", Sender: "Go Weekly", Subject: "Go 1.26", Summary: "Go 1.26 ships"},
					{ItemID: "2", Sender: "Rust Digest", Subject: "Async", Summary: "Async traits"},
				},
			},
			model.PlaceholderEntry(model.CategoryHealth, []model.SourceItem{{ID: "3", Sender: "doc@clinic.example", Subject: "Sleep"}}),
		},
	}
}

func TestRender(t *testing.T) {
	text := Render(sampleDigest(), nil)

	assert.Contains(t, text, "Monday 04 May 2026")
	assert.Contains(t, text, "== TECH (2) ==")
	assert.Contains(t, text, "- Go Weekly: Go 1.26 ships")
	assert.Contains(t, text, "summarization failed for HEALTH")
	assert.Contains(t, text, "- doc@clinic.example: Sleep")
	assert.Less(t, strings.Index(text, "TECH"), strings.Index(text, "HEALTH"))
}

func TestRenderEmpty(t *testing.T) {
	text := Render(model.Digest{GeneratedAt: time.Now()}, time.UTC)
	assert.Contains(t, text, "No newsletters arrived")
}

func TestComposeMessage(t *testing.T) {
	raw, err := composeMessage("digest@example.com", []string{"me@example.com"}, sampleDigest(), nil)
	require.NoError(t, err)

	r, err := mail.CreateReader(strings.NewReader(string(raw)))
	require.NoError(t, err)
	subject, err := r.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Newsletter digest 2026-05-04 (3)", subject)
	assert.Equal(t, "run-1", r.Header.Get("X-Run-ID"))
	to, err := r.Header.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 1)
	assert.Equal(t, "me@example.com", to[0].Address)
}

type fakePublisher struct {
	key     string
	payload any
	err     error
}

func (f *fakePublisher) PublishWithContext(_ context.Context, key string, payload any) error {
	f.key, f.payload = key, payload
	return f.err
}

func TestMQDelivery(t *testing.T) {
	pub := &fakePublisher{}
	d, err := New(Config{Channel: "mq"}, pub, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, d.Deliver(context.Background(), sampleDigest()))
	assert.Equal(t, DefaultRoutingKey, pub.key)
	msg, ok := pub.payload.(digestMessage)
	require.True(t, ok)
	assert.Equal(t, "run-1", msg.RunID)
	assert.Contains(t, msg.Text, "TECH")
}

func TestDeliveryErrorsWrapSentinel(t *testing.T) {
	pub := &fakePublisher{err: errors.New("channel closed")}
	d, err := New(Config{Channel: "mq"}, pub, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = d.Deliver(context.Background(), sampleDigest())
	require.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Contains(t, err.Error(), "channel closed")
}

func TestLogDelivery(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	d, err := New(Config{}, nil, zap.New(core))
	require.NoError(t, err)

	require.NoError(t, d.Deliver(context.Background(), sampleDigest()))
	entries := logs.FilterMessage("digest delivered").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "run-1", entries[0].ContextMap()["run_id"])
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Channel: "fax"}, nil, zaptest.NewLogger(t))
	require.Error(t, err)
	_, err = New(Config{Channel: "mq"}, nil, zaptest.NewLogger(t))
	require.Error(t, err)
	_, err = New(Config{Channel: "smtp", SMTP: SMTPConfig{Host: "localhost"}}, nil, zaptest.NewLogger(t))
	require.Error(t, err)
}

// fakeSMTP 只实现发送一封邮件需要的命令
type fakeSMTP struct {
	ln       net.Listener
	mu       sync.Mutex
	from     string
	rcpts    []string
	data     string
	rejectTo string
}

func startFakeSMTP(t *testing.T, rejectTo string) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeSMTP{ln: ln, rejectTo: rejectTo}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *fakeSMTP) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *fakeSMTP) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeSMTP) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	reply := func(line string) { _, _ = conn.Write([]byte(line + "\r\n")) }

	reply("220 fake ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		cmd := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			reply("250 fake")
		case strings.HasPrefix(cmd, "MAIL FROM:"):
			s.mu.Lock()
			s.from = strings.Trim(line[len("MAIL FROM:"):], "<>")
			s.mu.Unlock()
			reply("250 ok")
		case strings.HasPrefix(cmd, "RCPT TO:"):
			addr := strings.Trim(line[len("RCPT TO:"):], "<>")
			if addr == s.rejectTo {
				reply("550 no such user")
				continue
			}
			s.mu.Lock()
			s.rcpts = append(s.rcpts, addr)
			s.mu.Unlock()
			reply("250 ok")
		case cmd == "DATA":
			reply("354 go ahead")
			var b strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				b.WriteString(l)
			}
			s.mu.Lock()
			s.data = b.String()
			s.mu.Unlock()
			reply("250 queued")
		case cmd == "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 not implemented")
		}
	}
}

func TestSMTPDelivery(t *testing.T) {
	srv := startFakeSMTP(t, "")
	d, err := New(Config{
		Channel: "smtp",
		SMTP: SMTPConfig{
			Host:     "127.0.0.1",
			Port:     srv.port(),
			From:     "digest@example.com",
			To:       []string{"me@example.com"},
			Security: SecurityNone,
			Timeout:  5 * time.Second,
		},
	}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, d.Deliver(context.Background(), sampleDigest()))

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, "digest@example.com", srv.from)
	assert.Equal(t, []string{"me@example.com"}, srv.rcpts)
	assert.Contains(t, srv.data, "Subject: Newsletter digest 2026-05-04 (3)")
	assert.Contains(t, srv.data, "Go 1.26 ships")
}

func TestSMTPRejectedRecipientFails(t *testing.T) {
	srv := startFakeSMTP(t, "gone@example.com")
	d, err := New(Config{
		Channel: "smtp",
		SMTP: SMTPConfig{
			Host:     "127.0.0.1",
			Port:     srv.port(),
			From:     "digest@example.com",
			To:       []string{"gone@example.com"},
			Security: SecurityNone,
		},
	}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = d.Deliver(context.Background(), sampleDigest())
	require.ErrorIs(t, err, ErrDeliveryFailed)
}
