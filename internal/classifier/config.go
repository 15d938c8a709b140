package classifier

import (
	"fmt"
	"time"
)

// Weights 每个启发式信号的加分
type Weights struct {
	Unsubscribe   float64 `yaml:"unsubscribe"`
	SenderPattern float64 `yaml:"sender_pattern"`
	Repetition    float64 `yaml:"repetition"`
	Frequency     float64 `yaml:"frequency"`
}

// Config 分类器配置，构造后不可变
type Config struct {
	Threshold         float64       `yaml:"threshold"`
	AIWeight          float64       `yaml:"ai_weight"`
	AITimeout         time.Duration `yaml:"ai_timeout"`
	Weights           Weights       `yaml:"weights"`
	SenderPatterns    []string      `yaml:"sender_patterns"`
	SubjectPatterns   []string      `yaml:"subject_patterns"`
	CommercialDomains []string      `yaml:"commercial_domains"`
	FrequencyWindow   time.Duration `yaml:"frequency_window"`
	FrequencyMinCount int           `yaml:"frequency_min_count"`
}

// DefaultConfig 默认阈值 0.7，AI 权重 0.7
func DefaultConfig() Config {
	return Config{
		Threshold: 0.7,
		AIWeight:  0.7,
		AITimeout: 15 * time.Second,
		Weights: Weights{
			Unsubscribe:   0.4,
			SenderPattern: 0.3,
			Repetition:    0.2,
			Frequency:     0.3,
		},
		SenderPatterns: []string{
			"newsletter", "noreply", "no-reply", "donotreply", "digest",
			"updates", "update", "notification", "bulletin", "news",
		},
		SubjectPatterns: []string{
			"newsletter", "digest", "weekly", "daily", "monthly", "bulletin", "edition",
		},
		CommercialDomains: []string{
			"mailchimp.com", "mcsv.net", "sendgrid.net", "constantcontact.com",
			"substack.com", "beehiiv.com", "convertkit.com", "mailgun.org", "sendinblue.com",
		},
		FrequencyWindow:   7 * 24 * time.Hour,
		FrequencyMinCount: 5,
	}
}

// Validate AI 权重必须大于 0.5，保证 AI 在两者都可用时占主导
func (c Config) Validate() error {
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("classifier threshold %.2f out of [0,1]", c.Threshold)
	}
	if c.AIWeight <= 0.5 || c.AIWeight > 1 {
		return fmt.Errorf("classifier ai_weight %.2f must be in (0.5,1]", c.AIWeight)
	}
	w := c.Weights
	if w.Unsubscribe < 0 || w.SenderPattern < 0 || w.Repetition < 0 || w.Frequency < 0 {
		return fmt.Errorf("classifier weights must be non-negative")
	}
	if c.FrequencyWindow <= 0 {
		return fmt.Errorf("classifier frequency_window must be positive")
	}
	return nil
}
