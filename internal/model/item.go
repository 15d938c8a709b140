package model

import (
	"strings"
	"time"
)

// SourceItem 是从某个邮箱拉取的一封未读邮件，拉取后不可变
type SourceItem struct {
	ID         string            `json:"id"`
	Account    string            `json:"account"`
	Sender     string            `json:"sender"`
	SenderName string            `json:"sender_name,omitempty"`
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
	Headers    map[string]string `json:"headers,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
	Read       bool              `json:"read"`
}

// ItemKey 在整个 run 内唯一标识一封邮件
type ItemKey struct {
	Account string
	ID      string
}

func (i SourceItem) Key() ItemKey {
	return ItemKey{Account: i.Account, ID: i.ID}
}

// Header 大小写不敏感地读取 header
func (i SourceItem) Header(name string) string {
	if v, ok := i.Headers[name]; ok {
		return v
	}
	for k, v := range i.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// DisplaySender 优先使用显示名
func (i SourceItem) DisplaySender() string {
	if i.SenderName != "" {
		return i.SenderName
	}
	return i.Sender
}
