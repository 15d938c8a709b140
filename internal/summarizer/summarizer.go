// Package summarizer turns the newsletters of a run into one digest entry per
// category.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"newsdigest/internal/model"
	"newsdigest/pkg/logger"
	"newsdigest/pkg/metrics"
)

// ErrSummarizationFailed 每个分类都失败；调用方仍然可以投递占位摘要
var ErrSummarizationFailed = errors.New("summarization failed for every category")

// AI 摘要协作者
type AI interface {
	Summarize(ctx context.Context, category model.Category, items []model.SourceItem) (string, error)
}

// Config 摘要配置
type Config struct {
	// 同时进行的分类数
	Concurrency int `yaml:"concurrency"`
	// 每个分类最多送给 AI 的邮件数，其余只列出主题
	MaxItemsPerCategory int `yaml:"max_items_per_category"`
}

type Summarizer struct {
	cfg    Config
	ai     AI
	logger *zap.Logger
}

func New(cfg Config, ai AI, logger *zap.Logger) *Summarizer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.MaxItemsPerCategory <= 0 {
		cfg.MaxItemsPerCategory = 50
	}
	return &Summarizer{cfg: cfg, ai: ai, logger: logger}
}

// Summarize 各分类独立处理，单个分类失败时使用占位条目。
// 返回的条目按 model.Categories 顺序排列。
func (s *Summarizer) Summarize(ctx context.Context, grouped map[model.Category][]model.SourceItem) ([]model.DigestEntry, error) {
	categories := make([]model.Category, 0, len(grouped))
	for cat, items := range grouped {
		if len(items) > 0 {
			categories = append(categories, cat)
		}
	}
	if len(categories) == 0 {
		return nil, nil
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i].Order() < categories[j].Order() })

	entries := make([]model.DigestEntry, len(categories))
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, cat := range categories {
		i, cat := i, cat
		items := sortedByTime(grouped[cat])
		g.Go(func() error {
			entries[i] = s.summarizeCategory(ctx, cat, items)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, e := range entries {
		if e.Failed {
			failed++
		}
	}
	if failed == len(entries) {
		return entries, ErrSummarizationFailed
	}
	return entries, nil
}

func (s *Summarizer) summarizeCategory(ctx context.Context, cat model.Category, items []model.SourceItem) (entry model.DigestEntry) {
	log := logger.WithTrace(ctx, s.logger).With(zap.String("category", string(cat)))
	defer func() {
		if r := recover(); r != nil {
			log.Error("summarization panicked", zap.Any("panic", r))
			metrics.IncrementSummaryFailure(string(cat))
			entry = model.PlaceholderEntry(cat, items)
		}
	}()

	if s.ai == nil {
		metrics.IncrementSummaryFailure(string(cat))
		return model.PlaceholderEntry(cat, items)
	}

	input := items
	if len(input) > s.cfg.MaxItemsPerCategory {
		input = input[:s.cfg.MaxItemsPerCategory]
	}

	text, err := s.ai.Summarize(ctx, cat, input)
	if err == nil && strings.TrimSpace(text) == "" {
		err = fmt.Errorf("empty summary")
	}
	if err != nil {
		log.Warn("category summarization failed", zap.Int("items", len(items)), zap.Error(err))
		metrics.IncrementSummaryFailure(string(cat))
		return model.PlaceholderEntry(cat, items)
	}

	return buildEntry(cat, items, len(input), text)
}

// buildEntry 文本行数与送出的邮件数一致时逐行对应，否则整段作为概述，每行使用主题
func buildEntry(cat model.Category, items []model.SourceItem, summarized int, text string) model.DigestEntry {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, trimBullet(line))
		}
	}
	paired := len(lines) == summarized

	entry := model.DigestEntry{
		Category:  cat,
		Lines:     make([]model.DigestLine, 0, len(items)),
		ItemCount: len(items),
	}
	if !paired {
		entry.Overview = strings.TrimSpace(text)
	}
	for i, item := range items {
		summary := item.Subject
		if paired && i < summarized {
			summary = lines[i]
		}
		entry.Lines = append(entry.Lines, model.DigestLine{
			ItemID:  item.ID,
			Sender:  item.DisplaySender(),
			Subject: item.Subject,
			Summary: summary,
		})
	}
	return entry
}

var bulletRe = regexp.MustCompile(`^(?:[-*•]|\d+[.)])\s+`)

func trimBullet(line string) string {
	return strings.TrimSpace(bulletRe.ReplaceAllString(line, ""))
}

func sortedByTime(items []model.SourceItem) []model.SourceItem {
	out := append([]model.SourceItem(nil), items...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}
