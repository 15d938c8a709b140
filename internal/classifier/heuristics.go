package classifier

import (
	"regexp"
	"strings"
	"unicode"

	"newsdigest/internal/model"
)

var unsubscribeRe = regexp.MustCompile(`(?i)(unsubscribe|opt.?out|se d[ée]sinscrire|d[ée]sabonner|manage (your )?(email )?preferences)`)

// footerWindow 只在正文末尾查找退订链接
const footerWindow = 2000

func hasUnsubscribe(item model.SourceItem) bool {
	if item.Header("List-Unsubscribe") != "" {
		return true
	}
	body := item.Body
	if len(body) > footerWindow {
		body = body[len(body)-footerWindow:]
	}
	return unsubscribeRe.MatchString(body)
}

func splitAddress(addr string) (local, domain string) {
	addr = strings.ToLower(strings.TrimSpace(addr))
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return addr, ""
	}
	return addr[:at], addr[at+1:]
}

func matchesAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func domainMatches(domain string, domains []string) bool {
	for _, d := range domains {
		d = strings.ToLower(d)
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}

// shape 把主题和页脚中的数字抹平，用来判断同一发件人的邮件是否结构重复
type shape struct {
	subject string
	footer  string
}

func shapeOf(item model.SourceItem) shape {
	return shape{subject: subjectSkeleton(item.Subject), footer: footerLine(item.Body)}
}

func (s shape) matches(o shape) bool {
	return (s.subject != "" && s.subject == o.subject) || (s.footer != "" && s.footer == o.footer)
}

func subjectSkeleton(subject string) string {
	var b strings.Builder
	prev := ' '
	for _, r := range strings.ToLower(subject) {
		switch {
		case unicode.IsDigit(r):
			r = '#'
		case unicode.IsSpace(r) || unicode.IsPunct(r):
			r = ' '
		}
		if (r == ' ' || r == '#') && r == prev {
			continue
		}
		b.WriteRune(r)
		prev = r
	}
	return strings.TrimSpace(b.String())
}

// footerLine 正文最后一个非空行，数字抹平
func footerLine(body string) string {
	lines := strings.Split(strings.TrimSpace(body), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		return strings.Map(func(r rune) rune {
			if unicode.IsDigit(r) {
				return '#'
			}
			return unicode.ToLower(r)
		}, line)
	}
	return ""
}

// earlier 在同一 run 中 a 是否先于 b 收到（时间相同则按账户和 id）
func earlier(a, b model.SourceItem) bool {
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.Before(b.ReceivedAt)
	}
	if a.Account != b.Account {
		return a.Account < b.Account
	}
	return a.ID < b.ID
}

// repeated 同一发件人在本 run 中更早收到的邮件里是否有结构相同的
func repeated(item model.SourceItem, peers []model.SourceItem) bool {
	if item.Sender == "" {
		return false
	}
	own := shapeOf(item)
	for _, peer := range peers {
		if peer.Key() == item.Key() || !strings.EqualFold(peer.Sender, item.Sender) || !earlier(peer, item) {
			continue
		}
		if own.matches(shapeOf(peer)) {
			return true
		}
	}
	return false
}
