package imap

import (
	"bytes"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message/mail"
)

// 分类器关心的 header
var keptHeaders = []string{
	"List-Unsubscribe",
	"List-Unsubscribe-Post",
	"List-Id",
	"Precedence",
	"X-Mailer",
	"Feedback-ID",
}

const maxBodyBytes = 64 << 10

type parsedMessage struct {
	Headers map[string]string
	Body    string
	Date    time.Time
}

// parseMessage 解析 RFC 5322 原文，优先取 text/plain，没有时退回 text/html
func parseMessage(raw []byte) parsedMessage {
	out := parsedMessage{Headers: make(map[string]string)}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		out.Body = truncateBody(string(raw))
		return out
	}
	defer mr.Close()

	for _, name := range keptHeaders {
		if v := mr.Header.Get(name); v != "" {
			out.Headers[name] = v
		}
	}
	if date, err := mr.Header.Date(); err == nil {
		out.Date = date
	}

	var textBody, htmlBody string
	for {
		part, err := mr.NextPart()
		if err != nil {
			// io.EOF 或者损坏的 MIME 结构，保留已经读到的部分
			break
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		body, readErr := io.ReadAll(io.LimitReader(part.Body, maxBodyBytes+utf8.UTFMax))
		if readErr != nil {
			continue
		}
		switch {
		case strings.HasPrefix(contentType, "text/plain") && textBody == "":
			textBody = string(body)
		case strings.HasPrefix(contentType, "text/html") && htmlBody == "":
			htmlBody = string(body)
		}
	}

	out.Body = textBody
	if out.Body == "" {
		out.Body = htmlBody
	}
	out.Body = truncateBody(out.Body)
	return out
}

// truncateBody 截断到 maxBodyBytes 以内，不拆开多字节字符
func truncateBody(s string) string {
	if len(s) <= maxBodyBytes {
		return s
	}
	n := maxBodyBytes
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
