package model

import (
	"fmt"
	"time"
)

// DigestLine 摘要中的一行：发件人 + 单封邮件摘要
type DigestLine struct {
	ItemID  string `json:"item_id"`
	Sender  string `json:"sender"`
	Subject string `json:"subject"`
	Summary string `json:"summary"`
}

// DigestEntry 每个 run 每个分类至多一条
type DigestEntry struct {
	Category  Category     `json:"category"`
	Overview  string       `json:"overview,omitempty"`
	Lines     []DigestLine `json:"lines"`
	ItemCount int          `json:"item_count"`
	Failed    bool         `json:"failed,omitempty"`
}

// PlaceholderEntry 摘要失败时使用：保留主题列表，标记失败
func PlaceholderEntry(category Category, items []SourceItem) DigestEntry {
	lines := make([]DigestLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, DigestLine{
			ItemID:  item.ID,
			Sender:  item.DisplaySender(),
			Subject: item.Subject,
			Summary: item.Subject,
		})
	}
	return DigestEntry{
		Category:  category,
		Overview:  fmt.Sprintf("summarization failed for %s", category),
		Lines:     lines,
		ItemCount: len(items),
		Failed:    true,
	}
}

// Digest 一次 run 的投递内容，可能为空（没有 newsletter）
type Digest struct {
	RunID       string        `json:"run_id"`
	GeneratedAt time.Time     `json:"generated_at"`
	Entries     []DigestEntry `json:"entries"`
	ItemCount   int           `json:"item_count"`
	Partial     bool          `json:"partial"`
}

func (d Digest) Empty() bool {
	return len(d.Entries) == 0
}
