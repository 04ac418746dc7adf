// ABOUTME: Retrieval backend client for Azure Cognitive Search style REST indexes
// ABOUTME: Returns source page and content pairs that approaches ground answers on

package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Document is one retrieved source.
type Document struct {
	SourcePage string
	Content    string
}

// Searcher finds documents relevant to a query.
type Searcher interface {
	Search(ctx context.Context, query string, top int) ([]Document, error)
}

// Config configures a Client.
type Config struct {
	Endpoint   string
	Index      string
	APIKey     string
	APIVersion string
	// SourceField and ContentField name the index fields to read.
	SourceField  string
	ContentField string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

const defaultAPIVersion = "2023-11-01"

// Client queries a search index over REST.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New creates a search client. Pass nil logger for default.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.SourceField == "" {
		cfg.SourceField = "sourcepage"
	}
	if cfg.ContentField == "" {
		cfg.ContentField = "content"
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:    cfg,
		http:   hc,
		logger: logger.With("component", "search"),
	}
}

type searchRequest struct {
	Search string `json:"search"`
	Top    int    `json:"top,omitempty"`
	Select string `json:"select,omitempty"`
}

type searchResponse struct {
	Value []map[string]any `json:"value"`
}

// Search runs a full-text query and returns at most top documents.
func (c *Client) Search(ctx context.Context, query string, top int) ([]Document, error) {
	body, err := json.Marshal(searchRequest{
		Search: query,
		Top:    top,
		Select: c.cfg.SourceField + "," + c.cfg.ContentField,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding search request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/indexes/%s/docs/search?api-version=%s",
		c.cfg.Endpoint, url.PathEscape(c.cfg.Index), url.QueryEscape(c.cfg.APIVersion))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("api-key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling search index: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("search index returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	docs := make([]Document, 0, len(sr.Value))
	for _, v := range sr.Value {
		docs = append(docs, Document{
			SourcePage: stringField(v, c.cfg.SourceField),
			Content:    stringField(v, c.cfg.ContentField),
		})
	}

	c.logger.Debug("search finished", "query", query, "results", len(docs))
	return docs, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

var _ Searcher = (*Client)(nil)
