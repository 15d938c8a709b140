// Package ai is the client for the OpenAI-compatible chat completion API used
// to classify and summarize newsletters.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"newsdigest/internal/model"
	"newsdigest/internal/ratelimit"
	"newsdigest/pkg/circuitbreaker"
	"newsdigest/pkg/logger"
	"newsdigest/pkg/metrics"
	"newsdigest/pkg/trace"
)

// ErrUnavailable AI 调用失败（网络、5xx、熔断、响应无法解析）
var ErrUnavailable = errors.New("ai collaborator unavailable")

// Config AI 服务配置
type Config struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxTokens   int           `yaml:"max_tokens"`
	MaxBodyChar int           `yaml:"max_body_chars"`
}

// Client 调用 /chat/completions，带熔断器和调用额度
type Client struct {
	cfg        Config
	httpClient *http.Client
	cb         *circuitbreaker.CircuitBreaker
	budget     *ratelimit.Budget
	logger     *zap.Logger
}

func NewClient(cfg Config, budget *ratelimit.Budget, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1000
	}
	if cfg.MaxBodyChar <= 0 {
		cfg.MaxBodyChar = 4000
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cb: circuitbreaker.New("ai", circuitbreaker.Config{
			FailureThreshold:    3,
			SuccessThreshold:    2,
			Timeout:             30 * time.Second,
			HalfOpenMaxRequests: 2,
		}),
		budget: budget,
		logger: logger,
	}
}

// Configured 是否有可用的 endpoint 和 key
func (c *Client) Configured() bool {
	return c.cfg.BaseURL != "" && c.cfg.APIKey != "" && c.cfg.Model != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

const classifyPrompt = `You decide whether an email is a newsletter and which topic it covers.
Answer with a JSON object {"confidence": <0..1 probability that it is a newsletter>, "category": <one of TECH, BUSINESS, EDUCATION, HEALTH, NEWS, ENTERTAINMENT, OTHER>}.`

const summarizePrompt = `You write a short daily digest section for newsletters of one category.
Answer with exactly one line per newsletter, in the given order, each line a one-sentence summary without numbering.`

type classifyAnswer struct {
	Confidence float64 `json:"confidence"`
	Category   string  `json:"category"`
}

// Classify 返回 AI 给出的分类和 newsletter 概率
func (c *Client) Classify(ctx context.Context, text string) (model.Category, float64, error) {
	content, err := c.complete(ctx, "classify", chatRequest{
		Messages: []chatMessage{
			{Role: "system", Content: classifyPrompt},
			{Role: "user", Content: c.clip(text)},
		},
		MaxTokens:      100,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return model.CategoryOther, 0, err
	}

	var answer classifyAnswer
	if err := json.Unmarshal([]byte(stripFence(content)), &answer); err != nil {
		return model.CategoryOther, 0, fmt.Errorf("%w: decode classification: %v", ErrUnavailable, err)
	}
	category, _ := model.ParseCategory(answer.Category)
	return category, clamp(answer.Confidence), nil
}

// Summarize 为同一分类的多封 newsletter 生成摘要文本，每封一行
func (c *Client) Summarize(ctx context.Context, category model.Category, items []model.SourceItem) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Category: %s\n", category)
	for i, item := range items {
		fmt.Fprintf(&b, "\n### %d. %s | %s\n%s\n", i+1, item.DisplaySender(), item.Subject, c.clip(item.Body))
	}

	content, err := c.complete(ctx, "summarize", chatRequest{
		Messages: []chatMessage{
			{Role: "system", Content: summarizePrompt},
			{Role: "user", Content: b.String()},
		},
		MaxTokens: c.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

func (c *Client) complete(ctx context.Context, op string, req chatRequest) (string, error) {
	if !c.Configured() {
		return "", fmt.Errorf("%w: not configured", ErrUnavailable)
	}
	req.Model = c.cfg.Model

	release, err := c.budget.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	var content string
	err = c.cb.Execute(ctx, func(ctx context.Context) error {
		start := time.Now()
		var callErr error
		content, callErr = c.post(ctx, req)
		status := "success"
		if callErr != nil {
			status = "error"
		}
		metrics.RecordAICallLatency(op, status, time.Since(start))
		return callErr
	})
	if err != nil {
		logger.WithTrace(ctx, c.logger).Warn("ai call failed", zap.String("op", op), zap.Error(err))
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return "", err
	}
	return content, nil
}

func (c *Client) post(ctx context.Context, body chatRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if runID := trace.FromContext(ctx); runID != "" {
		req.Header.Set(trace.HeaderName, runID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("%w: %s: %s", ErrUnavailable, resp.Status, strings.TrimSpace(string(msg)))
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices", ErrUnavailable)
	}
	return decoded.Choices[0].Message.Content, nil
}

func (c *Client) clip(s string) string {
	r := []rune(s)
	if len(r) > c.cfg.MaxBodyChar {
		return string(r[:c.cfg.MaxBodyChar])
	}
	return s
}

// stripFence 去掉模型偶尔包裹的 ```json 代码块
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
