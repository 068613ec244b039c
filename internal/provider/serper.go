package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/outreach/internal/fault"
)

const serperURL = "https://google.serper.dev/search"

// Serper implements Searcher against serper.dev.
type Serper struct {
	APIKey     string
	MaxResults int
	Timeout    time.Duration
	Endpoint   string
	httpClient *http.Client
}

// NewSerper creates a Serper searcher.
func NewSerper(apiKey string, maxResults int, timeout time.Duration) *Serper {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &Serper{APIKey: apiKey, MaxResults: maxResults, Timeout: timeout, Endpoint: serperURL, httpClient: &http.Client{}}
}

type serperResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic"`
}

// Query runs a search and returns at most MaxResults organic hits.
func (s *Serper) Query(ctx context.Context, text string) ([]SearchResult, error) {
	const op = "provider.serper.query"
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fault.New(fault.InvalidInput, op, "query is empty")
	}
	var out []SearchResult
	err := Call(ctx, op, s.Timeout, func(ctx context.Context) error {
		body, _ := json.Marshal(map[string]any{"q": text, "num": s.MaxResults})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
		if err != nil {
			return fault.Wrap(fault.InvalidInput, op, err)
		}
		req.Header.Set("X-API-KEY", s.APIKey)
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return classifyTransport(op, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return classifyStatus(op, resp)
		}
		var raw serperResponse
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return fault.Wrap(fault.ExternalProviderError, op, fmt.Errorf("decode response: %w", err))
		}
		out = out[:0]
		for i, item := range raw.Organic {
			if i >= s.MaxResults {
				break
			}
			out = append(out, SearchResult{Title: item.Title, URL: item.Link, Snippet: item.Snippet})
		}
		return nil
	})
	return out, err
}
