package model

import "strings"

// Category 是封闭的 newsletter 分类集合
type Category string

const (
	CategoryTech          Category = "TECH"
	CategoryBusiness      Category = "BUSINESS"
	CategoryEducation     Category = "EDUCATION"
	CategoryHealth        Category = "HEALTH"
	CategoryNews          Category = "NEWS"
	CategoryEntertainment Category = "ENTERTAINMENT"
	CategoryOther         Category = "OTHER"
)

// Categories 按摘要中的展示顺序排列
var Categories = []Category{
	CategoryTech,
	CategoryBusiness,
	CategoryEducation,
	CategoryHealth,
	CategoryNews,
	CategoryEntertainment,
	CategoryOther,
}

// ParseCategory 不在集合内的值返回 OTHER, false
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Categories {
		if c == known {
			return c, true
		}
	}
	return CategoryOther, false
}

// Order 返回分类在 Categories 中的位置
func (c Category) Order() int {
	for i, known := range Categories {
		if c == known {
			return i
		}
	}
	return len(Categories)
}

// Reason tags attached to a classification.
const (
	ReasonUnsubscribe    = "unsubscribe_link"
	ReasonSenderPattern  = "sender_pattern"
	ReasonCommercial     = "commercial_domain"
	ReasonSubjectPattern = "subject_pattern"
	ReasonRepetition     = "structural_repetition"
	ReasonFrequency      = "sender_frequency"
	ReasonAI             = "ai_verdict"
	ReasonDegraded       = "classification_degraded"
)

// ClassificationResult 分类结果。IsNewsletter 恒等于 Confidence >= 阈值。
type ClassificationResult struct {
	ItemID       string   `json:"item_id"`
	Account      string   `json:"account"`
	IsNewsletter bool     `json:"is_newsletter"`
	Category     Category `json:"category"`
	Confidence   float64  `json:"confidence"`
	Reasons      []string `json:"reasons"`
}

func (r ClassificationResult) Key() ItemKey {
	return ItemKey{Account: r.Account, ID: r.ItemID}
}

// Degraded 是否只使用了启发式打分
func (r ClassificationResult) Degraded() bool {
	for _, reason := range r.Reasons {
		if reason == ReasonDegraded {
			return true
		}
	}
	return false
}
