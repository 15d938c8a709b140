// Package classifier decides whether an item is a newsletter by blending
// heuristic signals with the AI collaborator's verdict.
package classifier

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"newsdigest/internal/model"
	"newsdigest/pkg/logger"
	"newsdigest/pkg/metrics"
)

// AI 分类协作者
type AI interface {
	Classify(ctx context.Context, text string) (model.Category, float64, error)
}

// Classifier 并发安全
type Classifier struct {
	cfg       Config
	ai        AI
	frequency FrequencyTracker
	logger    *zap.Logger
}

// New ai 和 frequency 可以为 nil：没有 AI 时所有结果都是降级结果，没有 frequency 时该信号不生效
func New(cfg Config, ai AI, frequency FrequencyTracker, logger *zap.Logger) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{cfg: cfg, ai: ai, frequency: frequency, logger: logger}, nil
}

// Threshold 判定阈值
func (c *Classifier) Threshold() float64 { return c.cfg.Threshold }

// Prepare 在并发分类之前调用一次，记录本批邮件的发件人频率。
// 之后的 Classify 只读取计数，结果不依赖分类顺序。
func (c *Classifier) Prepare(ctx context.Context, items []model.SourceItem) {
	if c.frequency == nil {
		return
	}
	batch := make([]model.SourceItem, 0, len(items))
	for _, item := range items {
		if item.Sender != "" {
			batch = append(batch, item)
		}
	}
	if len(batch) == 0 {
		return
	}
	if err := c.frequency.Record(ctx, batch, c.cfg.FrequencyWindow); err != nil {
		logger.WithTrace(ctx, c.logger).Warn("record sender frequency failed",
			zap.Int("items", len(batch)),
			zap.Error(err),
		)
	}
}

// Classify 从不返回错误。peers 为本 run 的全部邮件，用于结构重复信号。
func (c *Classifier) Classify(ctx context.Context, item model.SourceItem, peers []model.SourceItem) model.ClassificationResult {
	heuristic, reasons := c.heuristicScore(ctx, item, peers)

	aiCategory, aiConfidence, aiErr := c.askAI(ctx, item)

	confidence := heuristic
	if aiErr == nil {
		confidence = c.cfg.AIWeight*aiConfidence + (1-c.cfg.AIWeight)*heuristic
		reasons = append(reasons, model.ReasonAI)
	} else {
		reasons = append(reasons, model.ReasonDegraded)
		logger.WithTrace(ctx, c.logger).Debug("classification degraded",
			zap.String("account", item.Account),
			zap.String("item_id", item.ID),
			zap.Error(aiErr),
		)
	}
	confidence = clamp01(confidence)

	result := model.ClassificationResult{
		ItemID:       item.ID,
		Account:      item.Account,
		IsNewsletter: confidence >= c.cfg.Threshold,
		Category:     model.CategoryOther,
		Confidence:   confidence,
		Reasons:      reasons,
	}
	if aiErr == nil && result.IsNewsletter {
		result.Category = aiCategory
	}

	metrics.IncrementClassification(result.IsNewsletter, aiErr != nil)
	return result
}

// heuristicScore 各信号相加后截断到 [0,1]
func (c *Classifier) heuristicScore(ctx context.Context, item model.SourceItem, peers []model.SourceItem) (float64, []string) {
	w := c.cfg.Weights
	score := 0.0
	reasons := make([]string, 0, 6)

	if hasUnsubscribe(item) {
		score += w.Unsubscribe
		reasons = append(reasons, model.ReasonUnsubscribe)
	}

	local, domain := splitAddress(item.Sender)
	senderHit := false
	if matchesAny(local, c.cfg.SenderPatterns) {
		senderHit = true
		reasons = append(reasons, model.ReasonSenderPattern)
	}
	if domainMatches(domain, c.cfg.CommercialDomains) {
		senderHit = true
		reasons = append(reasons, model.ReasonCommercial)
	}
	if matchesAny(strings.ToLower(item.Subject), c.cfg.SubjectPatterns) {
		senderHit = true
		reasons = append(reasons, model.ReasonSubjectPattern)
	}
	if senderHit {
		score += w.SenderPattern
	}

	if repeated(item, peers) {
		score += w.Repetition
		reasons = append(reasons, model.ReasonRepetition)
	}

	if c.frequency != nil && item.Sender != "" {
		count, err := c.frequency.Count(ctx, item, c.cfg.FrequencyWindow)
		if err != nil {
			logger.WithTrace(ctx, c.logger).Warn("sender frequency unavailable",
				zap.String("sender", item.Sender),
				zap.Error(err),
			)
		} else if count > c.cfg.FrequencyMinCount {
			score += w.Frequency
			reasons = append(reasons, model.ReasonFrequency)
		}
	}

	return clamp01(score), reasons
}

func (c *Classifier) askAI(ctx context.Context, item model.SourceItem) (model.Category, float64, error) {
	if c.ai == nil {
		return model.CategoryOther, 0, fmt.Errorf("no ai collaborator configured")
	}
	if c.cfg.AITimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.AITimeout)
		defer cancel()
	}

	type answer struct {
		category   model.Category
		confidence float64
		err        error
	}
	done := make(chan answer, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- answer{err: fmt.Errorf("ai classify panicked: %v", r)}
			}
		}()
		cat, conf, err := c.ai.Classify(ctx, classificationText(item))
		done <- answer{cat, conf, err}
	}()

	// 协作者不理会 ctx 时也能按时降级
	select {
	case a := <-done:
		if a.err == nil && (math.IsNaN(a.confidence) || math.IsInf(a.confidence, 0)) {
			a.err = fmt.Errorf("ai returned invalid confidence")
		}
		return a.category, clamp01(a.confidence), a.err
	case <-ctx.Done():
		return model.CategoryOther, 0, ctx.Err()
	}
}

func classificationText(item model.SourceItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s <%s>\nSubject: %s\n", item.SenderName, item.Sender, item.Subject)
	if v := item.Header("List-Id"); v != "" {
		fmt.Fprintf(&b, "List-Id: %s\n", v)
	}
	if item.Header("List-Unsubscribe") != "" {
		b.WriteString("List-Unsubscribe: present\n")
	}
	b.WriteString("\n")
	b.WriteString(item.Body)
	return b.String()
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
