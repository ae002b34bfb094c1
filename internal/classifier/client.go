// Package classifier asks an OpenAI-compatible model (Ollama in most
// deployments) for a verdict on an issue and feeds the answer back through
// the verdict sink.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sashabaranov/go-openai"

	"rentshield/api/internal/dispute"
)

const (
	maxTokens = 2048

	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

var ErrEmptyResponse = errors.New("classifier returned no choices")

type Client struct {
	api   *openai.Client
	model string

	maxRetries int
	retryDelay time.Duration
}

// NewClient targets baseURL, e.g. http://localhost:11434/v1 for Ollama.
// Ollama ignores the API key but the header must still be present.
func NewClient(baseURL, apiKey, model string) *Client {
	if apiKey == "" {
		apiKey = "ollama"
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &Client{
		api:        openai.NewClientWithConfig(cfg),
		model:      model,
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
	}
}

// WithRetry sets how many attempts a completion gets in total and the first
// backoff delay. Non-positive values keep the defaults.
func (c *Client) WithRetry(maxRetries int, delay time.Duration) *Client {
	if maxRetries > 0 {
		c.maxRetries = maxRetries
	}
	if delay > 0 {
		c.retryDelay = delay
	}
	return c
}

// Analyze classifies one issue. The returned input still has to pass
// VerdictInput.Validate before it is stored.
func (c *Client) Analyze(ctx context.Context, issue dispute.Issue, evidence []dispute.Evidence) (dispute.VerdictInput, error) {
	checks := fraudSignals(issue, evidence)
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   maxTokens,
		Temperature: 0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(issue, evidence, checks)},
		},
	}

	resp, err := c.complete(ctx, req)
	if err != nil {
		return dispute.VerdictInput{}, fmt.Errorf("create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return dispute.VerdictInput{}, ErrEmptyResponse
	}

	input, err := parseVerdict(resp.Choices[0].Message.Content)
	if err != nil {
		return dispute.VerdictInput{}, err
	}
	input.IssueID = issue.ID
	input.Recommendations = append(input.Recommendations, checks.recommendations()...)
	return input, nil
}

// complete retries transient failures with exponential backoff. Client
// errors other than rate limiting are returned at once.
func (c *Client) complete(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryDelay
	policy.MaxInterval = 30 * c.retryDelay

	op := func() (openai.ChatCompletionResponse, error) {
		resp, err := c.api.CreateChatCompletion(ctx, req)
		if err != nil && !retryable(err) {
			return resp, backoff.Permanent(err)
		}
		return resp, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.maxRetries)),
	)
}

func retryable(err error) bool {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	default:
		// Transport failures: refused connections, resets, timeouts.
		return !errors.Is(err, context.Canceled)
	}
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

// modelVerdict accepts the loose shapes small local models tend to emit.
type modelVerdict struct {
	VerdictCategory  string                     `json:"verdictCategory"`
	Category         string                     `json:"category"`
	Confidence       float64                    `json:"confidence"`
	TenantScore      float64                    `json:"tenantScore"`
	LandlordScore    float64                    `json:"landlordScore"`
	EvidenceAnalysis []dispute.EvidenceAnalysis `json:"evidenceAnalysis"`
	Recommendations  []dispute.Recommendation   `json:"recommendations"`
	Reasoning        string                     `json:"reasoning"`
}

func parseVerdict(content string) (dispute.VerdictInput, error) {
	raw := stripFences(content)
	var out modelVerdict
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return dispute.VerdictInput{}, fmt.Errorf("decode model verdict: %w", err)
	}

	category := out.VerdictCategory
	if category == "" {
		category = out.Category
	}
	scores := []float64{out.Confidence, out.TenantScore, out.LandlordScore}
	if unitScale(scores) {
		for i, v := range scores {
			scores[i] = math.Round(v*100*100) / 100
		}
	}
	return dispute.VerdictInput{
		VerdictCategory:  strings.ReplaceAll(strings.ToLower(strings.TrimSpace(category)), "-", "_"),
		Confidence:       clamp(scores[0]),
		TenantScore:      clamp(scores[1]),
		LandlordScore:    clamp(scores[2]),
		EvidenceAnalysis: out.EvidenceAnalysis,
		Recommendations:  out.Recommendations,
		Reasoning:        strings.TrimSpace(out.Reasoning),
	}, nil
}

// unitScale reports whether the model answered on a 0..1 scale: every score
// is at most 1 and at least one is fractional. A plain 1 on its own is read
// as one percent.
func unitScale(scores []float64) bool {
	fractional := false
	for _, v := range scores {
		if v < 0 || v > 1 {
			return false
		}
		if v > 0 && v < 1 {
			fractional = true
		}
	}
	return fractional
}

func stripFences(content string) string {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	if start, end := strings.Index(s, "{"), strings.LastIndex(s, "}"); start >= 0 && end > start {
		s = s[start : end+1]
	}
	return strings.TrimSpace(s)
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
