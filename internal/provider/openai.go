package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mohammad-safakhou/outreach/internal/fault"
)

// OpenAIOptions configure an OpenAI-compatible chat completion client.
type OpenAIOptions struct {
	BaseURL           string
	APIKey            string
	Model             string
	Timeout           time.Duration
	RequestsPerSecond float64
	SystemPrompt      string
}

// OpenAI implements Completer against /chat/completions.
type OpenAI struct {
	opts       OpenAIOptions
	httpClient *http.Client
	limiter    *rate.Limiter
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

const defaultSystemPrompt = "You write short, warm, professional check-in messages for home-service contractors. " +
	"Keep it under 120 words, plain text, no promises about revenue."

// NewOpenAI creates the client.
func NewOpenAI(opts OpenAIOptions) *OpenAI {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	return &OpenAI{
		opts:       opts,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(limit, 1),
	}
}

// Complete sends prompt plus a rendering of vars as the user message.
func (c *OpenAI) Complete(ctx context.Context, prompt string, vars map[string]any) (string, error) {
	const op = "provider.openai.complete"
	var out string
	err := Call(ctx, op, c.opts.Timeout, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return fault.Wrap(fault.TransientInfra, op, err)
		}
		text, err := c.send(ctx, prompt, vars)
		if err != nil {
			return err
		}
		out = text
		return nil
	})
	return out, err
}

func (c *OpenAI) send(ctx context.Context, prompt string, vars map[string]any) (string, error) {
	const op = "provider.openai.complete"
	body, err := json.Marshal(chatRequest{
		Model: c.opts.Model,
		Messages: []chatMessage{
			{Role: "system", Content: c.opts.SystemPrompt},
			{Role: "user", Content: renderPrompt(prompt, vars)},
		},
		Temperature: 0.4,
	})
	if err != nil {
		return "", fault.Wrap(fault.InvalidInput, op, fmt.Errorf("marshal request: %w", err))
	}
	url := strings.TrimRight(c.opts.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fault.Wrap(fault.InvalidInput, op, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classifyTransport(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(op, resp)
	}
	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fault.Wrap(fault.ExternalProviderError, op, fmt.Errorf("decode response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return "", fault.Wrap(fault.ExternalProviderError, op, fmt.Errorf("no choices returned"))
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

// renderPrompt appends context keys in a stable order.
func renderPrompt(prompt string, vars map[string]any) string {
	if len(vars) == 0 {
		return prompt
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nCONTEXT:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %v\n", k, vars[k])
	}
	return b.String()
}
