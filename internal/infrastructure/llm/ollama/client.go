package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func New(baseURL, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Summarizer asks the generation model for a batch summary and a short list
// of recommendations.
type Summarizer struct {
	client *Client
}

func NewSummarizer(client *Client) *Summarizer {
	return &Summarizer{client: client}
}

func (s *Summarizer) Summarize(ctx context.Context, digest domain.BatchDigest, maxContentLength int) (domain.Summary, error) {
	prompt, err := buildSummaryPrompt(digest, maxContentLength)
	if err != nil {
		return domain.Summary{}, err
	}
	respText, err := s.client.generateJSON(ctx, prompt)
	if err != nil {
		return domain.Summary{}, err
	}
	return parseSummary(respText)
}

// parseSummary accepts the requested JSON object and falls back to treating
// free text as the summary when the model ignores the format.
func parseSummary(raw string) (domain.Summary, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.Summary{}, domain.WrapError(domain.ErrProvider, "parse summary", errors.New("empty model response"))
	}

	var result domain.Summary
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &result); err != nil || strings.TrimSpace(result.Summary) == "" {
		if strings.HasPrefix(raw, "{") {
			return domain.Summary{}, domain.WrapError(domain.ErrProvider, "parse summary", fmt.Errorf("unusable summary json: %.200s", raw))
		}
		return domain.Summary{Summary: raw, Recommendations: []string{}}, nil
	}
	result.Summary = strings.TrimSpace(result.Summary)
	recommendations := make([]string, 0, len(result.Recommendations))
	for _, r := range result.Recommendations {
		if r = strings.TrimSpace(r); r != "" {
			recommendations = append(recommendations, r)
		}
	}
	result.Recommendations = recommendations
	return result, nil
}

func (c *Client) generateJSON(ctx context.Context, prompt string) (string, error) {
	reqBody := map[string]any{
		"model":  c.model,
		"prompt": prompt,
		"stream": false,
		"format": "json",
	}
	var response struct {
		Response string `json:"response"`
	}
	if err := c.postJSON(ctx, "/api/generate", reqBody, &response, "generate"); err != nil {
		return "", err
	}
	return strings.TrimSpace(response.Response), nil
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}
